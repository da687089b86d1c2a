package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstack-tee/dstack-verifier/internal/attestation"
	"github.com/dstack-tee/dstack-verifier/internal/eventlog"
	"github.com/dstack-tee/dstack-verifier/internal/mrengine"
)

func TestCheckMeasurements_AllMatch(t *testing.T) {
	digest := make([]byte, 48)
	m := mrengine.TdxMeasurements{
		Mrtd:  mrengine.HexDigest(digest),
		Rtmr0: mrengine.HexDigest(digest),
		Rtmr1: mrengine.HexDigest(digest),
		Rtmr2: mrengine.HexDigest(digest),
	}
	report := attestation.Td10Report{MrTd: digest, Rtmr0: digest, Rtmr1: digest, Rtmr2: digest}

	require.Empty(t, checkMeasurements(m, report))
}

func TestCheckMeasurements_ReportsEachMismatch(t *testing.T) {
	digest := make([]byte, 48)
	other := make([]byte, 48)
	other[0] = 0xff

	m := mrengine.TdxMeasurements{
		Mrtd:  mrengine.HexDigest(other),
		Rtmr0: mrengine.HexDigest(digest),
		Rtmr1: mrengine.HexDigest(other),
		Rtmr2: mrengine.HexDigest(digest),
	}
	report := attestation.Td10Report{MrTd: digest, Rtmr0: digest, Rtmr1: digest, Rtmr2: digest}

	mismatches := checkMeasurements(m, report)
	require.ElementsMatch(t, []string{"mrtd", "rtmr1"}, mismatches)
}

func TestBytesEqual(t *testing.T) {
	require.True(t, bytesEqual([]byte{1, 2}, []byte{1, 2}))
	require.False(t, bytesEqual([]byte{1, 2}, []byte{1, 3}))
	require.False(t, bytesEqual([]byte{1}, []byte{1, 2}))
}

func TestDecodeAppInfo_ReadsIdentityFromEventLog(t *testing.T) {
	log := []eventlog.Entry{
		{IMR: 3, Event: "app-id", EventPayload: "7d778c40c66c5bb8b3c626f05b6a7c73aaf691ed"},
		{IMR: 3, Event: "compose-hash", EventPayload: "7d778c40c66c5bb8b3c626f05b6a7c73aaf691ed68e3b90310dcdbc519d22d67"},
		{IMR: 3, Event: "instance-id", EventPayload: "aa"},
	}
	report := attestation.Td10Report{
		MrOwner:       make([]byte, 48),
		MrConfigID:    make([]byte, 48),
		MrOwnerConfig: make([]byte, 48),
	}

	info := decodeAppInfo(report, log)
	require.Equal(t, "7d778c40c66c5bb8b3c626f05b6a7c73aaf691ed", info.AppID)
	require.Equal(t, "7d778c40c66c5bb8b3c626f05b6a7c73aaf691ed68e3b90310dcdbc519d22d67", info.ComposeHash)
	require.Equal(t, "aa", info.InstanceID)
}

func TestDecodeAppInfo_EmptyWhenEventsAbsent(t *testing.T) {
	report := attestation.Td10Report{
		MrOwner:       make([]byte, 48),
		MrConfigID:    make([]byte, 48),
		MrOwnerConfig: make([]byte, 48),
	}
	info := decodeAppInfo(report, nil)
	require.Empty(t, info.AppID)
	require.Empty(t, info.ComposeHash)
	require.Empty(t, info.InstanceID)
}
