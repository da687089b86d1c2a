package mrengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeasureLog_EmptyIsZero(t *testing.T) {
	mr := measureLog(nil)
	require.Equal(t, make([]byte, 48), mr)
}

func TestMeasureLog_OrderMatters(t *testing.T) {
	a := measureSha384([]byte("a"))
	b := measureSha384([]byte("b"))

	first := measureLog(RtmrLog{a, b})
	second := measureLog(RtmrLog{b, a})
	require.NotEqual(t, first, second)
}

func TestHexDigest_JSONRoundTrip(t *testing.T) {
	d := HexDigest(measureSha384([]byte("hello")))
	data, err := d.MarshalJSON()
	require.NoError(t, err)

	var decoded HexDigest
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Equal(t, d, decoded)
}

func TestMeasureCmdline_ChangesWithInput(t *testing.T) {
	a := measureCmdline("console=ttyS0")
	b := measureCmdline("console=ttyS0 quiet")
	require.NotEqual(t, a, b)
	require.Len(t, a, 48)
}
