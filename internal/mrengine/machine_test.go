package mrengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVersionTuple(t *testing.T) {
	v, err := parseVersionTuple("8.2.0")
	require.NoError(t, err)
	require.Equal(t, [3]uint32{8, 2, 0}, v)

	_, err = parseVersionTuple("8.2")
	require.Error(t, err)

	_, err = parseVersionTuple("a.b.c")
	require.Error(t, err)
}

func TestVersionedOptions_DefaultsToLatest(t *testing.T) {
	m := &Machine{}
	opts, err := m.versionedOptions()
	require.NoError(t, err)
	require.Equal(t, [3]uint32{9, 1, 0}, opts.Version)
	require.False(t, opts.PIC)
	require.False(t, opts.TwoPassAddPages)
}

func TestVersionedOptions_EightSeriesDefaultsTwoPassAndPIC(t *testing.T) {
	v := "8.2.0"
	m := &Machine{QemuVersion: &v}
	opts, err := m.versionedOptions()
	require.NoError(t, err)
	require.True(t, opts.PIC)
	require.True(t, opts.TwoPassAddPages)
}

func TestVersionedOptions_RejectsPreEightQemu(t *testing.T) {
	v := "7.9.0"
	m := &Machine{QemuVersion: &v}
	_, err := m.versionedOptions()
	require.Error(t, err)
}

func TestVersionedOptions_ExplicitOverridesDefault(t *testing.T) {
	v := "8.2.0"
	pic := false
	m := &Machine{QemuVersion: &v, PIC: &pic}
	opts, err := m.versionedOptions()
	require.NoError(t, err)
	require.False(t, opts.PIC)
	require.True(t, opts.TwoPassAddPages)
}
