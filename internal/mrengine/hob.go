package mrengine

import "encoding/binary"

// memRange is a half-open [start, end) byte range with an acceptance flag:
// true once the TDX module has accepted it into the guest's physical
// address space, false while it is still a plain reserved/MMIO hole.
type memRange struct {
	accepted bool
	start    uint64
	end      uint64
}

// memoryAcceptor tracks which parts of guest memory have been accepted,
// starting from one large unaccepted range and splitting it as sections
// get accepted, mirroring the bookkeeping TDVF performs while building
// the TD-HOB list.
type memoryAcceptor struct {
	ranges []memRange
}

func newMemoryAcceptor(start, end uint64) *memoryAcceptor {
	return &memoryAcceptor{ranges: []memRange{{accepted: false, start: start, end: end}}}
}

// accept marks [start, end) as accepted, splitting any overlapping ranges
// so their unaccepted remainders survive as separate entries, then merges
// adjacent ranges that share the same acceptance flag.
func (a *memoryAcceptor) accept(start, end uint64) {
	if start >= end {
		return
	}
	var next []memRange
	for _, r := range a.ranges {
		if end <= r.start || start >= r.end {
			next = append(next, r)
			continue
		}
		if start > r.start {
			next = append(next, memRange{accepted: r.accepted, start: r.start, end: start})
		}
		lo, hi := start, end
		if lo < r.start {
			lo = r.start
		}
		if hi > r.end {
			hi = r.end
		}
		next = append(next, memRange{accepted: true, start: lo, end: hi})
		if end < r.end {
			next = append(next, memRange{accepted: r.accepted, start: end, end: r.end})
		}
	}
	sortRanges(next)
	var merged []memRange
	for _, r := range next {
		if n := len(merged); n > 0 && merged[n-1].accepted == r.accepted && merged[n-1].end == r.start {
			merged[n-1].end = r.end
			continue
		}
		merged = append(merged, r)
	}
	a.ranges = merged
}

func sortRanges(ranges []memRange) {
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && ranges[j-1].start > ranges[j].start; j-- {
			ranges[j-1], ranges[j] = ranges[j], ranges[j-1]
		}
	}
}

const (
	resourceAttributeDefault = uint32(7)
	hobBaseAddrDefault       = uint64(0x809000)
	aboveFourGBBoundary      = uint64(0xB0000000)
	fourGB                   = uint64(0x100000000)
	twoGBBoundary            = uint64(0x80000000)
)

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

// resourceDescriptorHOB builds a 48-byte Resource Descriptor HOB: type
// 0x00 marks memory the guest can use, 0x07 marks memory still reserved
// pending a later TDG.MEM.PAGE.ACCEPT.
func resourceDescriptorHOB(resourceType uint32, start, length uint64) []byte {
	hob := make([]byte, 0, 48)
	hob = appendU32(hob, 0x0003) // HobType=3, reserved hi 2 bytes
	hob = appendU32(hob, 0x0030) // HobLength=48, reserved hi 2 bytes
	hob = append(hob, make([]byte, 16)...) // Owner GUID, zeroed
	hob = appendU32(hob, resourceType)
	hob = appendU32(hob, resourceAttributeDefault)
	hob = appendU64(hob, start)
	hob = appendU64(hob, length)
	return hob
}

// measureTdHob builds the TD-HOB list QEMU hands the guest on boot and
// returns its SHA-384. After the handoff header it carries one resource
// descriptor per memory range in address order (type 0x00 for ranges
// accepted from TD_HOB/TEMP_MEM sections, 0x07 otherwise). When guest
// memory reaches the 2816MiB mark, the last range is split at 2GB and
// its upper part is relocated above 4GB, past the PCI hole.
func measureTdHob(memorySize uint64, meta *TdvfMetadata) []byte {
	acceptor := newMemoryAcceptor(0, memorySize)
	baseAddr := hobBaseAddrDefault

	if meta != nil {
		for _, sec := range meta.Sections {
			if sec.SecType == tdvfSectionTdHob || sec.SecType == tdvfSectionTempMem {
				acceptor.accept(sec.MemoryAddress, sec.MemoryAddress+sec.MemoryDataSize)
			}
			if sec.SecType == tdvfSectionTdHob {
				baseAddr = sec.MemoryAddress
			}
		}
	}

	// 56-byte EFI_HOB_HANDOFF_INFO_TABLE header.
	hob := make([]byte, 0, 256)
	hob = appendU32(hob, 0x0001) // HobType=1, reserved hi 2 bytes
	hob = appendU32(hob, 0x0038) // HobLength=56, reserved hi 2 bytes
	hob = appendU32(hob, 9)      // Version
	hob = appendU32(hob, 0)      // BootMode
	hob = append(hob, make([]byte, 32)...) // MemoryTop/Bottom/FreeMemoryTop/Bottom
	hob = append(hob, make([]byte, 8)...)  // EfiEndOfHobList placeholder, patched below

	ranges := acceptor.ranges
	for i, r := range ranges {
		if i == len(ranges)-1 {
			break
		}
		resType := uint32(0x00)
		if !r.accepted {
			resType = 0x07
		}
		hob = append(hob, resourceDescriptorHOB(resType, r.start, r.end-r.start)...)
	}

	if len(ranges) > 0 {
		last := ranges[len(ranges)-1]
		if memorySize >= aboveFourGBBoundary {
			if last.start < twoGBBoundary {
				hob = append(hob, resourceDescriptorHOB(0x07, last.start, twoGBBoundary-last.start)...)
			}
			if last.end > twoGBBoundary {
				hob = append(hob, resourceDescriptorHOB(0x07, fourGB, last.end-twoGBBoundary)...)
			}
		} else {
			hob = append(hob, resourceDescriptorHOB(0x07, last.start, last.end-last.start)...)
		}
	}

	endOfHobList := baseAddr + uint64(len(hob)) + 8
	binary.LittleEndian.PutUint64(hob[48:56], endOfHobList)

	return measureSha384(hob)
}
