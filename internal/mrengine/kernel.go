package mrengine

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/foxboron/go-uefi/authenticode"
)

// Linux/x86 boot protocol field offsets (see Documentation/x86/boot.rst).
const (
	bpVersion       = 0x206
	bpLoadFlags     = 0x211
	bpTypeOfLoader  = 0x210
	bpHeapEndPtr    = 0x224
	bpCmdLineMagic  = 0x20
	bpCmdLineOffset = 0x22
	bpCmdLinePtr    = 0x228
	bpRamdiskImage  = 0x218
	bpRamdiskSize   = 0x21c
	bpInitrdAddrMax = 0x22c
	bpXLF           = 0x236

	minKernelHeaderLen = 0x1000

	xlfCanBeLoadedAbove4G = 0x40
	loadFlagCanUseHeap    = 0x80
	loadFlagHeaderSet     = 0x01
	typeOfLoaderQemu      = 0xb0
	cmdLineMagic          = 0xA33F

	kernelLoadAddress = uint64(0x28000)
)

// measureKernelImage reproduces QEMU's direct-kernel-boot patching of the
// kernel's boot_params (real-mode/cmdline addresses, initrd placement) and
// hashes the result the way UEFI's Authenticode verification would,
// mirroring the teacher's MeasureTdxQemuKernelImageData field-by-field.
func measureKernelImage(kernelData []byte, initrdSize uint32, memorySizeMB uint64, acpiDataSize uint32) ([]byte, error) {
	memSizeBytes := memorySizeMB * 1024 * 1024

	if len(kernelData) < minKernelHeaderLen {
		return nil, fmt.Errorf("kernel data too short: need at least %d bytes, got %d", minKernelHeaderLen, len(kernelData))
	}

	kd := make([]byte, len(kernelData))
	copy(kd, kernelData)

	protocol := uint16(kd[bpVersion]) + uint16(kd[bpVersion+1])<<8

	var realAddr, cmdlineAddr uint32
	switch {
	case protocol < 0x200 || (kd[bpLoadFlags]&loadFlagHeaderSet) == 0:
		realAddr, cmdlineAddr = 0x90000, 0x9a000
	case protocol < 0x202:
		realAddr, cmdlineAddr = 0x90000, 0x9a000
	default:
		realAddr, cmdlineAddr = 0x10000, 0x20000
	}

	if protocol >= 0x200 {
		kd[bpTypeOfLoader] = typeOfLoaderQemu
	}
	if protocol >= 0x201 {
		kd[bpLoadFlags] |= loadFlagCanUseHeap
		binary.LittleEndian.PutUint32(kd[bpHeapEndPtr:bpHeapEndPtr+4], cmdlineAddr-realAddr-0x200)
	}

	if protocol >= 0x202 {
		binary.LittleEndian.PutUint32(kd[bpCmdLinePtr:bpCmdLinePtr+4], cmdlineAddr)
	} else {
		binary.LittleEndian.PutUint16(kd[bpCmdLineMagic:bpCmdLineMagic+2], cmdLineMagic)
		binary.LittleEndian.PutUint16(kd[bpCmdLineOffset:bpCmdLineOffset+2], uint16(cmdlineAddr-realAddr))
	}

	if initrdSize > 0 {
		if protocol < 0x200 {
			return nil, fmt.Errorf("linux kernel too old to load a ram disk (protocol version 0x%x)", protocol)
		}

		var initrdMax uint32
		switch {
		case protocol >= 0x20c:
			xlf := binary.LittleEndian.Uint16(kd[bpXLF : bpXLF+2])
			if xlf&xlfCanBeLoadedAbove4G != 0 {
				initrdMax = ^uint32(0)
			} else {
				initrdMax = 0x37ffffff
			}
		case protocol >= 0x203:
			initrdMax = binary.LittleEndian.Uint32(kd[bpInitrdAddrMax : bpInitrdAddrMax+4])
			if initrdMax == 0 {
				initrdMax = 0x37ffffff
			}
		default:
			initrdMax = 0x37ffffff
		}

		lowmem := uint32(0x80000000)
		if memSizeBytes < 0xb0000000 {
			lowmem = 0xb0000000
		}
		var below4gMemSize uint32
		if memSizeBytes >= uint64(lowmem) {
			below4gMemSize = lowmem
		} else {
			below4gMemSize = uint32(memSizeBytes)
		}

		if initrdMax >= below4gMemSize-acpiDataSize {
			initrdMax = below4gMemSize - acpiDataSize - 1
		}
		if initrdSize >= initrdMax {
			return nil, fmt.Errorf("initrd is too large (max: %d, need: %d)", initrdMax, initrdSize)
		}

		initrdAddr := (initrdMax - initrdSize) & ^uint32(4095)
		binary.LittleEndian.PutUint32(kd[bpRamdiskImage:bpRamdiskImage+4], initrdAddr)
		binary.LittleEndian.PutUint32(kd[bpRamdiskSize:bpRamdiskSize+4], initrdSize)
	}

	parsed, err := authenticode.Parse(bytes.NewReader(kd))
	if err != nil {
		return nil, fmt.Errorf("parse kernel PE image: %w", err)
	}
	return parsed.Hash(crypto.SHA384), nil
}

// rtmr1Log builds RTMR1's event list: kernel authenticode hash, the boot
// markers QEMU's direct-kernel-boot path emits, a log separator, and the
// exit-boot-services markers. The marker strings are hashed as raw ASCII,
// not UTF-16, matching the teacher's MeasureTdxQemu.
func rtmr1Log(kernelData []byte, initrdSize uint32, memorySizeMB uint64, acpiDataSize uint32) (RtmrLog, error) {
	kernelHash, err := measureKernelImage(kernelData, initrdSize, memorySizeMB, acpiDataSize)
	if err != nil {
		return nil, err
	}
	return RtmrLog{
		kernelHash,
		measureSha384([]byte("Calling EFI Application from Boot Option")),
		measureSha384([]byte{0x00, 0x00, 0x00, 0x00}),
		measureSha384([]byte("Exit Boot Services Invocation")),
		measureSha384([]byte("Exit Boot Services Returned with Success")),
	}, nil
}

// rtmr2Log builds RTMR2's event list: the measured kernel command line
// followed by the raw initrd digest.
func rtmr2Log(kernelCmdline string, initrdData []byte) RtmrLog {
	return RtmrLog{
		measureCmdline(kernelCmdline),
		measureSha384(initrdData),
	}
}
