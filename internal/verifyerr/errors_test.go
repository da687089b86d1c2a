package verifyerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_ClassifiesWrappedError(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(BadFirmware, "parse firmware", base)
	outer := fmt.Errorf("context: %w", wrapped)

	require.Equal(t, BadFirmware, KindOf(outer))
}

func TestKindOf_DefaultsToInternal(t *testing.T) {
	require.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestError_MessageIncludesCause(t *testing.T) {
	err := Wrap(DownloadFailed, "fetch bundle", errors.New("connection reset"))
	require.Contains(t, err.Error(), "fetch bundle")
	require.Contains(t, err.Error(), "connection reset")
}
