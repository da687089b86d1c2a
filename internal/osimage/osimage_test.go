package osimage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestVerifyChecksums_AcceptsMatching(t *testing.T) {
	dir := t.TempDir()
	content := []byte("firmware-bytes")
	writeFile(t, filepath.Join(dir, "bios.bin"), content)

	sum := sha256.Sum256(content)
	manifest := []byte(hex.EncodeToString(sum[:]) + "  bios.bin\n")

	listed, err := verifyChecksums(dir, manifest)
	require.NoError(t, err)
	require.True(t, listed["bios.bin"])
}

func TestVerifyChecksums_RejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bios.bin"), []byte("tampered"))

	manifest := []byte(hex.EncodeToString(make([]byte, 32)) + "  bios.bin\n")
	_, err := verifyChecksums(dir, manifest)
	require.Error(t, err)
}

func TestPruneUnlisted_RemovesExtraFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bios.bin"), []byte("keep"))
	writeFile(t, filepath.Join(dir, "intruder.bin"), []byte("drop"))
	writeFile(t, filepath.Join(dir, "metadata.json"), []byte("{}"))

	require.NoError(t, pruneUnlisted(dir, map[string]bool{"bios.bin": true}))

	_, err := os.Stat(filepath.Join(dir, "bios.bin"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "intruder.bin"))
	require.True(t, os.IsNotExist(err))
}

func TestLoadMetadata_ParsesManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "metadata.json"), []byte(`{"bios":"bios.bin","kernel":"vmlinuz","initrd":"initrd.img","cmdline":"console=ttyS0"}`))

	meta, err := LoadMetadata(dir)
	require.NoError(t, err)
	require.Equal(t, "bios.bin", meta.Bios)
	require.Equal(t, "console=ttyS0", meta.Cmdline)
}

func TestLoadMetadata_RejectsMissingFile(t *testing.T) {
	_, err := LoadMetadata(t.TempDir())
	require.Error(t, err)
}
