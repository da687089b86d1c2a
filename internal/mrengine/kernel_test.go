package mrengine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func minimalBootParams(protocol uint16) []byte {
	kd := make([]byte, minKernelHeaderLen)
	binary.LittleEndian.PutUint16(kd[bpVersion:bpVersion+2], protocol)
	kd[bpLoadFlags] = loadFlagHeaderSet
	return kd
}

func TestMeasureKernelImage_RejectsShortHeader(t *testing.T) {
	_, err := measureKernelImage(make([]byte, 16), 0, 2048, 0x28000)
	require.Error(t, err)
}

func TestMeasureKernelImage_RejectsOldProtocolWithInitrd(t *testing.T) {
	kd := minimalBootParams(0x100)
	_, err := measureKernelImage(kd, 1024, 2048, 0x28000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too old")
}

func TestMeasureKernelImage_RejectsOversizedInitrd(t *testing.T) {
	kd := minimalBootParams(0x20c)
	// below4gMemSize for a 2048MB guest is 0x80000000, so initrdMax stays
	// at 0x37ffffff, far smaller than an initrd claiming 0xffffffff bytes.
	_, err := measureKernelImage(kd, 0xffffffff, 2048, 0x28000)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too large")
}

func TestRtmr2Log_ChangesWithCmdlineAndInitrd(t *testing.T) {
	a := rtmr2Log("console=ttyS0", []byte("initrd-a"))
	b := rtmr2Log("console=ttyS1", []byte("initrd-a"))
	require.NotEqual(t, a[0], b[0])

	c := rtmr2Log("console=ttyS0", []byte("initrd-b"))
	require.NotEqual(t, a[1], c[1])
}
