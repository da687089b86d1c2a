package eventlog

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// canonicalEntry builds an Entry whose Digest is the genuine canonical
// digest of its own fields, so Validate() accepts it.
func canonicalEntry(imr uint32, eventType uint32, event string, payload []byte) Entry {
	e := Entry{IMR: imr, EventType: eventType, Event: event, EventPayload: hex.EncodeToString(payload)}
	digest, err := e.canonicalDigest()
	if err != nil {
		panic(err)
	}
	e.Digest = hex.EncodeToString(digest)
	return e
}

func TestEntry_Validate(t *testing.T) {
	e := canonicalEntry(0, 1, "event", []byte("payload"))
	require.NoError(t, e.Validate())

	bad := e
	bad.IMR = 4
	require.Error(t, bad.Validate())

	malformed := e
	malformed.Digest = "not-hex"
	require.Error(t, malformed.Validate())

	tampered := e
	tampered.Event = "different-event"
	require.Error(t, tampered.Validate())
}

func TestEntry_Validate_RejectsMismatchedDigest(t *testing.T) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	e := Entry{IMR: 0, EventType: 1, Event: "event", EventPayload: "", Digest: hex.EncodeToString(buf[:])}
	require.Error(t, e.Validate())
}

func TestReplay_FoldsPerRegister(t *testing.T) {
	log := []Entry{
		canonicalEntry(0, 1, "a", nil),
		canonicalEntry(0, 1, "b", nil),
		canonicalEntry(1, 1, "c", nil),
	}
	result, err := Replay(log)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, result.EventIndices[0])
	require.Equal(t, []int{2}, result.EventIndices[1])
	require.Empty(t, result.EventIndices[2])
	require.Len(t, result.Rtmrs[0], 48)

	// Replaying an empty register should leave it at the all-zero value.
	require.Equal(t, InitMR, result.Rtmrs[2])
}

func TestReplay_RejectsOutOfRangeIMR(t *testing.T) {
	e := canonicalEntry(9, 1, "x", nil)
	_, err := Replay([]Entry{e})
	require.Error(t, err)
}
