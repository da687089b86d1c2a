package verifier

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Router builds the HTTP surface: POST /verify answers 200 with the
// verdict carried in the body for every request body that parses (a
// malformed JSON body gets 400 and an ErrorResponse), and GET /health is
// a plain liveness probe.
func (v *CvmVerifier) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/verify", v.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	return r
}

func (v *CvmVerifier) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body", Details: strPtr(err.Error())})
		return
	}

	resp, err := v.Verify(r.Context(), &req)
	if err != nil {
		log.Error().Err(err).Msg("internal error during verification")
		resp = &VerificationResponse{IsValid: false, Reason: "Internal error: " + err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "dstack-verifier"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func strPtr(s string) *string { return &s }
