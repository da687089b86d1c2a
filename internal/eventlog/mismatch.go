package eventlog

import "encoding/hex"

// EventStatus classifies one event-log entry's relationship to the
// expected sequence of digests for its register, once a mismatch has
// already been detected.
type EventStatus string

const (
	StatusMatch    EventStatus = "match"
	StatusMismatch EventStatus = "mismatch"
	StatusExtra    EventStatus = "extra"
	StatusMissing  EventStatus = "missing"
)

// EventEntry annotates one log entry with its classification against an
// expected digest sequence, for debug-mode mismatch reporting.
type EventEntry struct {
	Index    int         `json:"index"`
	Event    string      `json:"event"`
	Status   EventStatus `json:"status"`
	Digest   string      `json:"digest"`
	Expected string      `json:"expected,omitempty"`
}

// Mismatch reports, for one RTMR, the expected vs. actual register value
// and a per-event breakdown explaining where the two diverged.
type Mismatch struct {
	Register               string       `json:"register"`
	Expected               string       `json:"expected"`
	Actual                 string       `json:"actual"`
	Events                 []EventEntry `json:"events"`
	MissingExpectedDigests []string     `json:"missing_expected_digests,omitempty"`
}

// CollectMismatch builds a debug-mode attribution report for one
// register: expectedSequence is the digest history a correctly-booted
// guest should have produced (in order); actualIndices names which
// entries of log actually landed in this register.
func CollectMismatch(register string, expected, actual []byte, expectedSequence [][]byte, actualIndices []int, log []Entry) Mismatch {
	m := Mismatch{
		Register: register,
		Expected: hex.EncodeToString(expected),
		Actual:   hex.EncodeToString(actual),
	}

	n := len(expectedSequence)
	if len(actualIndices) < n {
		n = len(actualIndices)
	}

	for i := 0; i < n; i++ {
		idx := actualIndices[i]
		entry := log[idx]
		actualDigest, _ := entry.DigestBytes()
		expectedDigest := expectedSequence[i]

		status := StatusMatch
		if !bytesEqual(actualDigest, expectedDigest) {
			status = StatusMismatch
		}
		m.Events = append(m.Events, EventEntry{
			Index:    idx,
			Event:    entry.Event,
			Status:   status,
			Digest:   entry.Digest,
			Expected: hex.EncodeToString(expectedDigest),
		})
	}

	for i := n; i < len(actualIndices); i++ {
		idx := actualIndices[i]
		entry := log[idx]
		m.Events = append(m.Events, EventEntry{
			Index:  idx,
			Event:  entry.Event,
			Status: StatusExtra,
			Digest: entry.Digest,
		})
	}

	for i := n; i < len(expectedSequence); i++ {
		m.MissingExpectedDigests = append(m.MissingExpectedDigests, hex.EncodeToString(expectedSequence[i]))
	}

	return m
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
