// Package eventlog replays a guest-reported TDX event log against the
// RTMR values a quote actually carries, and (in debug mode) attributes a
// mismatch to the specific events that diverged from what was expected.
package eventlog

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/dstack-tee/dstack-verifier/internal/verifyerr"
)

// InitMR is the all-zero value every RTMR starts from before any event
// is replayed into it.
var InitMR = make([]byte, 48)

// Entry is one record from a guest's reported event log: which
// measurement register it targets, a human-readable event name and
// payload, and the 48-byte digest it was extended with.
type Entry struct {
	IMR          uint32 `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// DigestBytes decodes the entry's hex digest, left-zero-padding it out to
// 48 bytes if the reported digest is shorter (some event types report
// truncated digests).
func (e Entry) DigestBytes() ([]byte, error) {
	raw, err := hex.DecodeString(e.Digest)
	if err != nil {
		return nil, fmt.Errorf("event log: malformed digest %q: %w", e.Digest, err)
	}
	if len(raw) > 48 {
		return nil, fmt.Errorf("event log: digest %q longer than 48 bytes", e.Digest)
	}
	out := make([]byte, 48)
	copy(out[48-len(raw):], raw)
	return out, nil
}

// canonicalDigest computes the entry's expected digest: SHA-384 of
// LE32(event_type) || ":" || event || ":" || payload, the same
// canonical serialization the teacher's eventDigest builds.
func (e Entry) canonicalDigest() ([]byte, error) {
	payload, err := hex.DecodeString(e.EventPayload)
	if err != nil {
		return nil, fmt.Errorf("event log: malformed event_payload %q: %w", e.EventPayload, err)
	}

	h := sha512.New384()
	var ty [4]byte
	binary.LittleEndian.PutUint32(ty[:], e.EventType)
	h.Write(ty[:])
	h.Write([]byte(":"))
	h.Write([]byte(e.Event))
	h.Write([]byte(":"))
	h.Write(payload)
	return h.Sum(nil), nil
}

// Validate checks that the entry targets one of the four RTMRs, that its
// digest field is well-formed, and that the reported digest actually
// equals SHA384(canonical_serialize(entry)).
func (e Entry) Validate() error {
	if e.IMR > 3 {
		return verifyerr.New(verifyerr.BadEventLog, "event log entry targets out-of-range IMR %d", e.IMR)
	}
	reported, err := e.DigestBytes()
	if err != nil {
		return verifyerr.Wrap(verifyerr.BadEventLog, "validate event log entry", err)
	}
	expected, err := e.canonicalDigest()
	if err != nil {
		return verifyerr.Wrap(verifyerr.BadEventLog, "validate event log entry", err)
	}
	if !bytes.Equal(reported, expected) {
		return verifyerr.New(verifyerr.BadEventLog, "event %q: digest %x does not match canonical serialization %x", e.Event, reported, expected)
	}
	return nil
}

func replayRTMR(history [][]byte) []byte {
	mr := append([]byte(nil), InitMR...)
	for _, digest := range history {
		h := sha512.New384()
		h.Write(mr)
		h.Write(digest)
		mr = h.Sum(nil)
	}
	return mr
}

// ReplayResult is the outcome of folding an event log: the resulting
// value of each RTMR, and the indices (into the original log slice) of
// the entries that contributed to each one.
type ReplayResult struct {
	EventIndices [4][]int
	Rtmrs        [4][]byte
}

// Replay validates every entry in log and folds it into its target RTMR,
// returning the four resulting register values plus which log entries
// contributed to each.
func Replay(log []Entry) (*ReplayResult, error) {
	var histories [4][][]byte
	var result ReplayResult

	for i, entry := range log {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("event log entry %d: %w", i, err)
		}
		digest, err := entry.DigestBytes()
		if err != nil {
			return nil, fmt.Errorf("event log entry %d: %w", i, err)
		}
		histories[entry.IMR] = append(histories[entry.IMR], digest)
		result.EventIndices[entry.IMR] = append(result.EventIndices[entry.IMR], i)
	}

	for imr := 0; imr < 4; imr++ {
		result.Rtmrs[imr] = replayRTMR(histories[imr])
	}
	return &result, nil
}
