package mrengine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTable(sig string, length int) []byte {
	b := make([]byte, length)
	copy(b[0:4], []byte(sig))
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
	return b
}

func TestFindAcpiTable(t *testing.T) {
	blob := append(buildTable("DSDT", 40), buildTable("FACP", 60)...)

	offset, csum, length, err := findAcpiTable(blob, "FACP")
	require.NoError(t, err)
	require.Equal(t, uint32(40), offset)
	require.Equal(t, uint32(49), csum)
	require.Equal(t, uint32(60), length)

	_, _, _, err = findAcpiTable(blob, "MCFG")
	require.Error(t, err)
}

func TestGenerateAcpiTables_PatchesMemorySizeBoundary(t *testing.T) {
	below, err := generateAcpiTables(1024, 1)
	require.NoError(t, err)
	above, err := generateAcpiTables(4096, 1)
	require.NoError(t, err)
	require.NotEqual(t, below.Tables, above.Tables)
}

func TestQemuLoaderAppend_Allocate(t *testing.T) {
	data := qemuLoaderAppend(nil, qemuLoaderCmdAllocate{file: "etc/acpi/rsdp", alignment: 16, zone: 2})
	require.Equal(t, byte(0x01), data[0])
	require.Len(t, data, 4+56+4+1+63)
}
