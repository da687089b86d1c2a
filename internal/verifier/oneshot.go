package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// RunOneshot verifies a single request read from filePath and writes the
// result beside it: "req.json" yields "req.verification.json", and a path
// without a ".json" suffix gets ".verification.json" appended. It
// returns an error only for
// I/O or parse failures; an unsuccessful verification is still written
// out and reported via the bool return (false when IsValid is false), so
// callers can map it to a process exit code.
func RunOneshot(ctx context.Context, v *CvmVerifier, filePath string) (bool, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return false, fmt.Errorf("read request file: %w", err)
	}

	var req VerificationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return false, fmt.Errorf("parse request file: %w", err)
	}

	resp, err := v.Verify(ctx, &req)
	if err != nil {
		resp = &VerificationResponse{IsValid: false, Reason: "Internal error: " + err.Error()}
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode verification result: %w", err)
	}

	outPath := strings.TrimSuffix(filePath, ".json") + ".verification.json"
	if !strings.HasSuffix(filePath, ".json") {
		outPath = filePath + ".verification.json"
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return false, fmt.Errorf("write verification result: %w", err)
	}

	return resp.IsValid, nil
}
