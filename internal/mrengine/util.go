// Package mrengine reconstructs the expected TDX measurement registers
// (MRTD, RTMR0-2) of a guest VM from firmware, kernel, initrd and VM
// configuration, byte-for-byte identical to what the guest's TDX module
// and QEMU's boot sequence would have produced.
package mrengine

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RtmrLog is an ordered sequence of 48-byte digests extended into one RTMR.
type RtmrLog [][]byte

// HexDigest is a measurement register value that marshals as a lowercase
// hex string instead of Go's default base64 []byte encoding, matching
// the wire format the verifier and CLI both expect.
type HexDigest []byte

func (d HexDigest) String() string { return hex.EncodeToString(d) }

func (d HexDigest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(d) + `"`), nil
}

func (d *HexDigest) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		b = nil
	}
	*d = b
	return nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// measureSha384 computes the SHA-384 digest of data.
func measureSha384(data []byte) []byte {
	h := sha512.Sum384(data)
	return h[:]
}

// utf16Encode converts s to UTF-16LE, matching the encoding UEFI uses for
// variable names and the kernel command line.
func utf16Encode(s string) []byte {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	r := transform.NewReader(bytes.NewReader([]byte(s)), enc)
	converted, _ := io.ReadAll(r)
	return converted
}

// measureLog folds an RTMR event log into a register value, starting from
// the all-zero 48-byte register and extending by SHA384(current||digest)
// for each entry in order.
func measureLog(log RtmrLog) []byte {
	var mr [48]byte
	for _, entry := range log {
		h := sha512.New384()
		h.Write(mr[:])
		h.Write(entry)
		copy(mr[:], h.Sum(nil))
	}
	return mr[:]
}

// encodeGUID encodes a textual UEFI GUID ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx")
// into its 16-byte binary form: the first three groups are little-endian,
// the last two are big-endian.
func encodeGUID(guid string) ([]byte, error) {
	atoms := strings.Split(guid, "-")
	if len(atoms) != 5 {
		return nil, errInvalidGUID
	}
	data := make([]byte, 0, 16)
	for idx, atom := range atoms {
		raw, err := hex.DecodeString(atom)
		if err != nil {
			return nil, err
		}
		if idx <= 2 {
			for i := len(raw) - 1; i >= 0; i-- {
				data = append(data, raw[i])
			}
		} else {
			data = append(data, raw...)
		}
	}
	return data, nil
}

// measureTdxEfiVariable measures a UEFI variable authority event: the
// vendor GUID, a zero-length-value header, and the UTF-16LE variable name.
func measureTdxEfiVariable(vendorGUID, varName string) ([]byte, error) {
	guidBytes, err := encodeGUID(vendorGUID)
	if err != nil {
		return nil, err
	}
	var data []byte
	data = append(data, guidBytes...)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(varName)))
	data = append(data, lenBuf[:]...)
	binary.LittleEndian.PutUint64(lenBuf[:], 0)
	data = append(data, lenBuf[:]...)
	data = append(data, utf16Encode(varName)...)

	return measureSha384(data), nil
}

// measureCmdline measures a NUL-terminated, UTF-16LE-encoded kernel command
// line, the same payload UEFI's LoadOptions event carries.
func measureCmdline(cmdline string) []byte {
	d := append([]byte(cmdline), 0x00)
	return measureSha384(utf16Encode(string(d)))
}

// readLE32 reads a little-endian uint32 at offset, bounds-checked.
func readLE32(buf []byte, offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(buf) {
		return 0, errTruncated
	}
	return binary.LittleEndian.Uint32(buf[offset : offset+4]), nil
}

// readLE16 reads a little-endian uint16 at offset, bounds-checked.
func readLE16(buf []byte, offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(buf) {
		return 0, errTruncated
	}
	return binary.LittleEndian.Uint16(buf[offset : offset+2]), nil
}
