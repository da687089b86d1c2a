package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstack-tee/dstack-verifier/internal/mrengine"
)

func TestCache_StoreThenLoad(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	want := mrengine.TdxMeasurements{
		Mrtd:  mrengine.HexDigest([]byte{0x01, 0x02}),
		Rtmr0: mrengine.HexDigest([]byte{0x03}),
	}
	require.NoError(t, c.Store("key1", want))

	got, ok := c.Load("key1")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestCache_MissWhenAbsent(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok := c.Load("nope")
	require.False(t, ok)
}

func TestCache_MissOnCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))
	_, ok := c.Load("bad")
	require.False(t, ok)
}

func TestKey_StableForSameInput(t *testing.T) {
	k1, err := Key(map[string]int{"a": 1})
	require.NoError(t, err)
	k2, err := Key(map[string]int{"a": 1})
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}
