package eventlog

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectMismatch_ClassifiesEvents(t *testing.T) {
	expectedSeq := [][]byte{
		append(make([]byte, 47), 0x01),
		append(make([]byte, 47), 0x02),
	}
	log := []Entry{
		{Event: "ev0", Digest: hex.EncodeToString(expectedSeq[0])},
		{Event: "ev1", Digest: hex.EncodeToString(append(make([]byte, 47), 0x99))}, // mismatches
		{Event: "ev2-extra", Digest: hex.EncodeToString(append(make([]byte, 47), 0x03))},
	}

	m := CollectMismatch("rtmr0", make([]byte, 48), make([]byte, 48), expectedSeq, []int{0, 1, 2}, log)

	require.Len(t, m.Events, 3)
	require.Equal(t, StatusMatch, m.Events[0].Status)
	require.Equal(t, StatusMismatch, m.Events[1].Status)
	require.Equal(t, StatusExtra, m.Events[2].Status)
	require.Empty(t, m.MissingExpectedDigests)
}

func TestCollectMismatch_ReportsMissingEvents(t *testing.T) {
	expectedSeq := [][]byte{
		append(make([]byte, 47), 0x01),
		append(make([]byte, 47), 0x02),
	}
	log := []Entry{
		{Event: "ev0", Digest: hex.EncodeToString(expectedSeq[0])},
	}

	m := CollectMismatch("rtmr1", make([]byte, 48), make([]byte, 48), expectedSeq, []int{0}, log)
	require.Len(t, m.Events, 1)
	require.Len(t, m.MissingExpectedDigests, 1)
}
