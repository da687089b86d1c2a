package mrengine

import (
	"crypto/sha512"
	"encoding/binary"
)

// TDVF metadata constants, per the "Guid Hob" footer convention OVMF and
// its TDX fork (TDVF) append to the flash image.
const (
	pageSize            = 0x1000
	mrExtendGranularity = 0x100

	attributeMrExtend = 0x1
	attributePageAug  = 0x2

	tdvfSectionBFV     = 0x00
	tdvfSectionCFV     = 0x01
	tdvfSectionTdHob   = 0x02
	tdvfSectionTempMem = 0x03
)

var (
	tdvfMetadataOffsetGUID = "e47a6535-984a-4798-865e-4685a7bf8ec2"
	tdvfTableFooterGUID    = "96b582de-1fb2-45f7-baea-a366c55a082d"
)

// TdvfSection describes one region the TDX module pages in (and optionally
// MR.EXTENDs) during the TD build, decoded straight from the 32-byte
// section records in the firmware's metadata table.
type TdvfSection struct {
	DataOffset     uint32
	RawDataSize    uint32
	MemoryAddress  uint64
	MemoryDataSize uint64
	SecType        uint32
	Attributes     uint32
}

// TdvfMetadata is the parsed form of a firmware image's metadata table:
// the raw firmware bytes plus the section list describing how to fold
// them into MRTD.
type TdvfMetadata struct {
	fw       []byte
	Sections []TdvfSection
}

// ParseTdvf walks the GUID-terminated footer table embedded at the end of
// a TDVF firmware image and decodes its section list.
//
// The table is the standard OVMF "reset vector GUIDed structure list":
// read backward from the end of the flash, each structure is laid out as
// [data][GUID (16 bytes)][total structure length (2-byte LE, including
// the GUID and length field itself)]. The last structure is always the
// table footer GUID, whose 2-byte length field instead carries the
// total byte length of the whole table (every structure plus the
// footer).
func ParseTdvf(fw []byte) (*TdvfMetadata, error) {
	if len(fw) < 18 {
		return nil, errTruncated
	}

	footerGUID, err := encodeGUID(tdvfTableFooterGUID)
	if err != nil {
		return nil, err
	}

	footerGUIDStart := len(fw) - 18
	if string(fw[footerGUIDStart:footerGUIDStart+16]) != string(footerGUID) {
		return nil, errNoSignature
	}
	tableLen, err := readLE16(fw, len(fw)-2)
	if err != nil {
		return nil, err
	}
	if int(tableLen) < 18 || int(tableLen) > len(fw) {
		return nil, errBadSection
	}

	tableStart := len(fw) - int(tableLen)
	entriesEnd := footerGUIDStart // the footer's own 18 bytes are excluded

	metadataOffsetGUID, err := encodeGUID(tdvfMetadataOffsetGUID)
	if err != nil {
		return nil, err
	}

	var descOffset uint32
	found := false
	pos := entriesEnd
	for pos > tableStart {
		if pos-18 < tableStart {
			return nil, errBadSection
		}
		entryGUID := fw[pos-18 : pos-2]
		entryLen, err := readLE16(fw, pos-2)
		if err != nil {
			return nil, err
		}
		if int(entryLen) < 18 || pos-int(entryLen) < tableStart {
			return nil, errBadSection
		}
		dataStart := pos - int(entryLen)
		if string(entryGUID) == string(metadataOffsetGUID) {
			if int(entryLen) != 18+4 {
				return nil, errBadSection
			}
			raw, err := readLE32(fw, dataStart)
			if err != nil {
				return nil, err
			}
			descOffset = raw
			found = true
			break
		}
		pos = dataStart
	}
	if !found {
		return nil, errNoSignature
	}

	descStart := len(fw) - int(descOffset)
	if descStart < 0 || descStart+16 > len(fw) {
		return nil, errTruncated
	}

	if string(fw[descStart:descStart+4]) != "TDVF" {
		return nil, errNoSignature
	}
	numSections, err := readLE32(fw, descStart+12)
	if err != nil {
		return nil, err
	}

	sectionsStart := descStart + 16
	sections := make([]TdvfSection, 0, numSections)
	for i := uint32(0); i < numSections; i++ {
		base := sectionsStart + int(i)*32
		if base+32 > len(fw) {
			return nil, errTruncated
		}
		dataOffset := binary.LittleEndian.Uint32(fw[base : base+4])
		rawDataSize := binary.LittleEndian.Uint32(fw[base+4 : base+8])
		memoryAddress := binary.LittleEndian.Uint64(fw[base+8 : base+16])
		memoryDataSize := binary.LittleEndian.Uint64(fw[base+16 : base+24])
		secType := binary.LittleEndian.Uint32(fw[base+24 : base+28])
		attributes := binary.LittleEndian.Uint32(fw[base+28 : base+32])

		if memoryAddress%pageSize != 0 {
			return nil, errBadSection
		}
		if memoryDataSize%pageSize != 0 {
			return nil, errBadSection
		}
		if memoryDataSize < uint64(rawDataSize) {
			return nil, errBadSection
		}
		if attributes&attributeMrExtend != 0 && rawDataSize > uint32(memoryDataSize) {
			return nil, errBadSection
		}

		sections = append(sections, TdvfSection{
			DataOffset:     dataOffset,
			RawDataSize:    rawDataSize,
			MemoryAddress:  memoryAddress,
			MemoryDataSize: memoryDataSize,
			SecType:        secType,
			Attributes:     attributes,
		})
	}

	return &TdvfMetadata{fw: fw, Sections: sections}, nil
}

// PageAddOrder selects whether MEM.PAGE.ADD events for every page in a
// section are emitted before its MR.EXTEND events (TwoPass) or
// interleaved page-by-page (SinglePass). Older QEMU/TDX-module pairs used
// the two-pass ordering; current ones use single-pass.
type PageAddOrder int

const (
	PageAddTwoPass PageAddOrder = iota
	PageAddSinglePass
)

// ComputeMrtd feeds every section's page-add/mr-extend event sequence, the
// one the TDX module itself would have produced while building the guest,
// into a single SHA-384 whose final digest is MRTD.
func (m *TdvfMetadata) ComputeMrtd(order PageAddOrder) ([]byte, error) {
	h := sha512.New384()

	memPageAdd := func(gpa uint64) []byte {
		data := make([]byte, 128)
		copy(data, []byte("MEM.PAGE.ADD"))
		binary.LittleEndian.PutUint64(data[16:24], gpa)
		return data
	}
	mrExtend := func(gpa uint64, chunk []byte) []byte {
		data := make([]byte, 128)
		copy(data, []byte("MR.EXTEND"))
		binary.LittleEndian.PutUint64(data[16:24], gpa)
		return append(data, chunk...)
	}
	extendMR := func(event []byte) {
		h.Write(event)
	}

	for _, sec := range m.Sections {
		if sec.MemoryDataSize == 0 {
			continue
		}
		numPages := sec.MemoryDataSize / pageSize
		doExtend := sec.Attributes&attributeMrExtend != 0
		doPageAdd := sec.Attributes&attributePageAug == 0

		rawBytes := make([]byte, sec.MemoryDataSize)
		if sec.Attributes&attributePageAug == 0 && sec.RawDataSize > 0 {
			start := int(sec.DataOffset)
			end := start + int(sec.RawDataSize)
			if end > len(m.fw) {
				return nil, errTruncated
			}
			copy(rawBytes, m.fw[start:end])
		}

		switch order {
		case PageAddTwoPass:
			if doPageAdd {
				for p := uint64(0); p < numPages; p++ {
					extendMR(memPageAdd(sec.MemoryAddress + p*pageSize))
				}
			}
			if doExtend {
				for off := uint64(0); off < sec.MemoryDataSize; off += mrExtendGranularity {
					chunk := rawBytes[off : off+mrExtendGranularity]
					extendMR(mrExtend(sec.MemoryAddress+off, chunk))
				}
			}
		case PageAddSinglePass:
			chunksPerPage := pageSize / mrExtendGranularity
			for p := uint64(0); p < numPages; p++ {
				gpa := sec.MemoryAddress + p*pageSize
				if doPageAdd {
					extendMR(memPageAdd(gpa))
				}
				if doExtend {
					for c := uint64(0); c < uint64(chunksPerPage); c++ {
						off := p*pageSize + c*mrExtendGranularity
						chunk := rawBytes[off : off+mrExtendGranularity]
						extendMR(mrExtend(gpa+c*mrExtendGranularity, chunk))
					}
				}
			}
		}
	}

	return h.Sum(nil), nil
}

// SectionByType returns the first section of the given type, if any.
func (m *TdvfMetadata) SectionByType(secType uint32) (TdvfSection, bool) {
	for _, sec := range m.Sections {
		if sec.SecType == secType {
			return sec, true
		}
	}
	return TdvfSection{}, false
}
