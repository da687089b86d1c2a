package verifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *CvmVerifier {
	t.Helper()
	v, err := New(t.TempDir(), "https://example.invalid/releases", 5*time.Second, "")
	require.NoError(t, err)
	return v
}

func TestHealthEndpoint(t *testing.T) {
	v := newTestVerifier(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	v.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestVerifyEndpoint_AlwaysReturns200(t *testing.T) {
	v := newTestVerifier(t)
	body := `{"quote": "not-hex!", "event_log": "[]", "vm_config": {}}`
	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	v.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp VerificationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.IsValid)
}

func TestVerifyEndpoint_RejectsMalformedBody(t *testing.T) {
	v := newTestVerifier(t)
	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	v.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
