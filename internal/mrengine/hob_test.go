package mrengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryAcceptor_AcceptSplitsRange(t *testing.T) {
	acc := newMemoryAcceptor(0, 0x10000)
	acc.accept(0x1000, 0x2000)

	require.Len(t, acc.ranges, 3)
	require.False(t, acc.ranges[0].accepted)
	require.Equal(t, uint64(0), acc.ranges[0].start)
	require.Equal(t, uint64(0x1000), acc.ranges[0].end)

	require.True(t, acc.ranges[1].accepted)
	require.Equal(t, uint64(0x1000), acc.ranges[1].start)
	require.Equal(t, uint64(0x2000), acc.ranges[1].end)

	require.False(t, acc.ranges[2].accepted)
	require.Equal(t, uint64(0x2000), acc.ranges[2].start)
	require.Equal(t, uint64(0x10000), acc.ranges[2].end)
}

func TestMemoryAcceptor_OverlappingAcceptsMerge(t *testing.T) {
	acc := newMemoryAcceptor(0, 0x4000)
	acc.accept(0x0, 0x1000)
	acc.accept(0x1000, 0x2000)

	require.Len(t, acc.ranges, 2)
	require.True(t, acc.ranges[0].accepted)
	require.Equal(t, uint64(0), acc.ranges[0].start)
	require.Equal(t, uint64(0x2000), acc.ranges[0].end)
}

func TestMeasureTdHob_StableLength(t *testing.T) {
	digest := measureTdHob(2*1024*1024*1024, nil)
	require.Len(t, digest, 48)
}

func TestMeasureTdHob_SplitsAboveFourGBBoundary(t *testing.T) {
	below := measureTdHob(2*1024*1024*1024, nil)
	above := measureTdHob(8*1024*1024*1024, nil)
	require.NotEqual(t, below, above)
}
