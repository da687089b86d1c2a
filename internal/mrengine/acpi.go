package mrengine

import (
	"bytes"
	"embed"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Pre-baked ACPI table images, one per supported CPU count, matching
// byte-for-byte what a given QEMU build writes into the "etc/acpi/tables"
// fw_cfg blob for a TDX guest. These are QEMU-build-specific: any change
// to the host's QEMU ACPI generator requires regenerating them.
//
//go:embed templates/template_qemu_cpu*.hex
var acpiTemplates embed.FS

// AcpiTables holds the three fw_cfg blobs QEMU's TD-HOB-less ACPI path
// exposes to the guest. Their digests are computed by acpiEventDigests.
type AcpiTables struct {
	Tables []byte
	Rsdp   []byte
	Loader []byte
}

// generateAcpiTables renders the ACPI table set for a guest with the
// given memory size and CPU count, patching the DSDT's PCI hole
// descriptor for the requested memory size and rebuilding the RSDP and
// QEMU table-loader command stream to match.
func generateAcpiTables(memoryMB uint64, cpuCount uint8) (*AcpiTables, error) {
	fn := fmt.Sprintf("templates/template_qemu_cpu%d.hex", cpuCount)
	tplHex, err := acpiTemplates.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("ACPI table template for %d CPUs is not available: %w", cpuCount, err)
	}
	tpl, err := hex.DecodeString(string(bytes.TrimSpace(tplHex)))
	if err != nil {
		return nil, fmt.Errorf("malformed ACPI table template: %w", err)
	}

	dsdtOffset, dsdtCsum, dsdtLen, err := findAcpiTable(tpl, "DSDT")
	if err != nil {
		return nil, err
	}
	facpOffset, facpCsum, facpLen, err := findAcpiTable(tpl, "FACP")
	if err != nil {
		return nil, err
	}
	apicOffset, apicCsum, apicLen, err := findAcpiTable(tpl, "APIC")
	if err != nil {
		return nil, err
	}
	mcfgOffset, mcfgCsum, mcfgLen, err := findAcpiTable(tpl, "MCFG")
	if err != nil {
		return nil, err
	}
	waetOffset, waetCsum, waetLen, err := findAcpiTable(tpl, "WAET")
	if err != nil {
		return nil, err
	}
	rsdtOffset, rsdtCsum, rsdtLen, err := findAcpiTable(tpl, "RSDT")
	if err != nil {
		return nil, err
	}

	// Patch the DSDT's PCI hole range/length fields, splitting at the
	// 2816MiB (0xB0000000) boundary the same way the firmware does.
	lengthOffset := dsdtLen - 684
	rangeMinimumOffset := lengthOffset - 12
	if memoryMB >= 2816 {
		binary.LittleEndian.PutUint32(tpl[rangeMinimumOffset:], 0x80000000)
		binary.LittleEndian.PutUint32(tpl[lengthOffset:], 0x60000000)
	} else {
		memSizeBytes := uint32(memoryMB * 1024 * 1024)
		binary.LittleEndian.PutUint32(tpl[rangeMinimumOffset:], memSizeBytes)
		binary.LittleEndian.PutUint32(tpl[lengthOffset:], 0xe0000000-memSizeBytes)
	}

	rsdp := append([]byte{},
		0x52, 0x53, 0x44, 0x20, 0x50, 0x54, 0x52, 0x20, // "RSD PTR "
		0x00,
		0x42, 0x4F, 0x43, 0x48, 0x53, 0x20, // "BOCHS "
		0x00,
	)
	var rsdtAddress [4]byte
	binary.LittleEndian.PutUint32(rsdtAddress[:], rsdtOffset)
	rsdp = append(rsdp, rsdtAddress[:]...)

	const loaderLength = 4096
	loader := qemuLoaderAppend(nil, qemuLoaderCmdAllocate{"etc/acpi/rsdp", 16, 2})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAllocate{"etc/acpi/tables", 64, 1})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", dsdtCsum, dsdtOffset, dsdtLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", facpOffset + 36, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", facpOffset + 40, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", facpOffset + 140, 8})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", facpCsum, facpOffset, facpLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", apicCsum, apicOffset, apicLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", mcfgCsum, mcfgOffset, mcfgLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", waetCsum, waetOffset, waetLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", rsdtOffset + 36, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", rsdtOffset + 40, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", rsdtOffset + 44, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/tables", "etc/acpi/tables", rsdtOffset + 48, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/tables", rsdtCsum, rsdtOffset, rsdtLen})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddPtr{"etc/acpi/rsdp", "etc/acpi/tables", 16, 4})
	loader = qemuLoaderAppend(loader, qemuLoaderCmdAddChecksum{"etc/acpi/rsdp", 8, 0, 20})
	if len(loader) < loaderLength {
		loader = append(loader, bytes.Repeat([]byte{0x00}, loaderLength-len(loader))...)
	}

	return &AcpiTables{Tables: tpl, Rsdp: rsdp, Loader: loader}, nil
}

// acpiEventDigests measures the three fw_cfg blobs in the order RTMR0
// extends them: table loader, RSDP, then the table blob itself.
func acpiEventDigests(memoryMB uint64, cpuCount uint8) ([]byte, []byte, []byte, *AcpiTables, error) {
	tables, err := generateAcpiTables(memoryMB, cpuCount)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return measureSha384(tables.Loader), measureSha384(tables.Rsdp), measureSha384(tables.Tables), tables, nil
}

// findAcpiTable locates the ACPI table with the given 4-byte signature
// inside a concatenated table blob, returning its offset, checksum-byte
// offset and declared length.
func findAcpiTable(tables []byte, signature string) (offset, checksumOffset, length uint32, err error) {
	if len(tables) < 12 {
		return 0, 0, 0, fmt.Errorf("ACPI table blob too short")
	}
	pos := 0
	for {
		if pos+8 > len(tables) {
			return 0, 0, 0, fmt.Errorf("ACPI table %q not found", signature)
		}
		sig := string(tables[pos : pos+4])
		tblLen := binary.LittleEndian.Uint32(tables[pos+4 : pos+8])
		if sig == signature {
			return uint32(pos), uint32(pos) + 9, tblLen, nil
		}
		if tblLen == 0 {
			return 0, 0, 0, fmt.Errorf("ACPI table %q not found before zero-length entry at %d", signature, pos)
		}
		pos += int(tblLen)
	}
}

type qemuLoaderCmdAllocate struct {
	file      string
	alignment uint32
	zone      uint8
}

type qemuLoaderCmdAddPtr struct {
	pointerFile   string
	pointeeFile   string
	pointerOffset uint32
	pointerSize   uint8
}

type qemuLoaderCmdAddChecksum struct {
	file         string
	resultOffset uint32
	start        uint32
	length       uint32
}

// qemuLoaderAppend serializes one QEMU table-loader command (the
// "etc/table-loader" fw_cfg format: 4-byte opcode tag followed by a
// fixed-size, command-specific payload) and appends it to data.
func qemuLoaderAppend(data []byte, cmd any) []byte {
	appendFixedString := func(str string) {
		const fixedLength = 56
		data = append(data, []byte(str)...)
		if len(str) < fixedLength {
			data = append(data, bytes.Repeat([]byte{0x00}, fixedLength-len(str))...)
		}
	}

	switch c := cmd.(type) {
	case qemuLoaderCmdAllocate:
		data = append(data, 0x01, 0x00, 0x00, 0x00)
		appendFixedString(c.file)
		var val [4]byte
		binary.LittleEndian.PutUint32(val[:], c.alignment)
		data = append(data, val[:]...)
		data = append(data, c.zone)
		data = append(data, bytes.Repeat([]byte{0x00}, 63)...)
	case qemuLoaderCmdAddPtr:
		data = append(data, 0x02, 0x00, 0x00, 0x00)
		appendFixedString(c.pointerFile)
		appendFixedString(c.pointeeFile)
		var val [4]byte
		binary.LittleEndian.PutUint32(val[:], c.pointerOffset)
		data = append(data, val[:]...)
		data = append(data, c.pointerSize)
		data = append(data, bytes.Repeat([]byte{0x00}, 7)...)
	case qemuLoaderCmdAddChecksum:
		data = append(data, 0x03, 0x00, 0x00, 0x00)
		appendFixedString(c.file)
		var val [4]byte
		binary.LittleEndian.PutUint32(val[:], c.resultOffset)
		data = append(data, val[:]...)
		binary.LittleEndian.PutUint32(val[:], c.start)
		data = append(data, val[:]...)
		binary.LittleEndian.PutUint32(val[:], c.length)
		data = append(data, val[:]...)
		data = append(data, bytes.Repeat([]byte{0x00}, 56)...)
	default:
		panic("mrengine: unsupported qemu loader command")
	}
	return data
}
