package mrengine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dstack-tee/dstack-verifier/internal/verifyerr"
)

// cfvImageHash and boot000Hash are fixed RTMR0 events that never vary
// with guest configuration: the CFV (configuration firmware volume)
// image digest and the "Boot0000" boot-order variable digest QEMU's OVMF
// build always produces.
var (
	cfvImageHashHex = "344bc51c980ba621aaa00da3ed7436f7d6e549197dfe699515dfa2c6583d95e6412af21c097d473155875ffd561d6790"
	boot000HashHex  = "23ada07f5261f12f34a0bd8e46760962d6b4d576a416f1fea1c64bc656b1d28eacf7047ae6e967c58fd2a98bfa74c298"
)

func mustHexDigest(s string) []byte {
	b, err := hexDecode(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Machine describes the guest configuration a set of TDX measurements is
// computed for: the artifacts that get measured, plus the handful of
// knobs that change how the measurement is folded (QEMU version, whether
// pages are added in one or two passes, whether PIC is wired up).
type Machine struct {
	CPUCount      uint8
	MemorySizeMB  uint64
	Firmware      string
	Kernel        string
	Initrd        string
	KernelCmdline string

	TwoPassAddPages *bool
	PIC             *bool
	QemuVersion     *string
	SMM             bool
	PCIHole64Size   *uint64
	Hugepages       bool
	NumGPUs         uint32
	NumNvSwitches   uint32
	HotplugOff      bool
	RootVerity      bool
}

// VersionedOptions resolves the QEMU-version-dependent defaults a
// Machine leaves unset: QEMU >= 9.0 defaults to single-pass page adds
// and no PIC, while the 8.x series defaults to two-pass adds with PIC.
type VersionedOptions struct {
	Version         [3]uint32
	PIC             bool
	TwoPassAddPages bool
}

func parseVersionTuple(v string) ([3]uint32, error) {
	var out [3]uint32
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("mrengine: QEMU version %q must have exactly 3 components", v)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return out, fmt.Errorf("mrengine: invalid QEMU version %q: %w", v, err)
		}
		out[i] = uint32(n)
	}
	return out, nil
}

func versionLess(a, b [3]uint32) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// versionedOptions resolves m.QemuVersion (defaulting to 9.1.0) into the
// page-add/PIC defaults that version implies, then lets any explicitly
// set field override the default.
func (m *Machine) versionedOptions() (VersionedOptions, error) {
	version := [3]uint32{9, 1, 0}
	if m.QemuVersion != nil {
		v, err := parseVersionTuple(*m.QemuVersion)
		if err != nil {
			return VersionedOptions{}, err
		}
		version = v
	}
	if versionLess(version, [3]uint32{8, 0, 0}) {
		return VersionedOptions{}, fmt.Errorf("mrengine: QEMU versions below 8.0.0 are not supported")
	}

	defaultPIC := false
	defaultTwoPass := false
	if !versionLess(version, [3]uint32{8, 0, 0}) && versionLess(version, [3]uint32{9, 0, 0}) {
		defaultPIC = true
		defaultTwoPass = true
	}

	opts := VersionedOptions{Version: version, PIC: defaultPIC, TwoPassAddPages: defaultTwoPass}
	if m.PIC != nil {
		opts.PIC = *m.PIC
	}
	if m.TwoPassAddPages != nil {
		opts.TwoPassAddPages = *m.TwoPassAddPages
	}
	return opts, nil
}

// TdxMeasurements is the final set of measurement registers a verifier
// compares against a quote's reported values.
type TdxMeasurements struct {
	Mrtd  HexDigest `json:"mrtd"`
	Rtmr0 HexDigest `json:"rtmr0"`
	Rtmr1 HexDigest `json:"rtmr1"`
	Rtmr2 HexDigest `json:"rtmr2"`
}

// RtmrLogs carries the per-register event lists that folded into
// RTMR0-2, kept around for debug-mode mismatch attribution.
type RtmrLogs struct {
	Rtmr0 RtmrLog
	Rtmr1 RtmrLog
	Rtmr2 RtmrLog
}

// TdxMeasurementDetails is the full output of a measurement run: the
// registers themselves, the logs that produced RTMR0-2, and (for
// diagnostics) the synthesized ACPI tables.
type TdxMeasurementDetails struct {
	Measurements TdxMeasurements
	RtmrLogs     RtmrLogs
	AcpiTables   *AcpiTables
}

// Measure computes a Machine's expected MRTD/RTMR0/RTMR1/RTMR2, discarding
// the intermediate per-register event logs.
func (m *Machine) Measure() (TdxMeasurements, error) {
	details, err := m.MeasureWithLogs()
	if err != nil {
		return TdxMeasurements{}, err
	}
	return details.Measurements, nil
}

// MeasureWithLogs computes a Machine's expected measurements and also
// returns the RTMR event logs and synthesized ACPI tables, for debug-mode
// mismatch attribution and inspection.
func (m *Machine) MeasureWithLogs() (*TdxMeasurementDetails, error) {
	fwData, err := os.ReadFile(m.Firmware)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadFirmware, "read firmware", err)
	}
	kernelData, err := os.ReadFile(m.Kernel)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadManifest, "read kernel", err)
	}
	initrdData, err := os.ReadFile(m.Initrd)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadManifest, "read initrd", err)
	}

	opts, err := m.versionedOptions()
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.ConfigInvalid, "resolve QEMU version options", err)
	}

	meta, err := ParseTdvf(fwData)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadFirmware, "parse TDVF metadata", err)
	}

	order := PageAddSinglePass
	if opts.TwoPassAddPages {
		order = PageAddTwoPass
	}
	mrtd, err := meta.ComputeMrtd(order)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadFirmware, "compute MRTD", err)
	}

	memorySizeBytes := m.MemorySizeMB * 1024 * 1024
	tdHobHash := measureTdHob(memorySizeBytes, meta)

	cfvImageHash := mustHexDigest(cfvImageHashHex)

	secureBoot, err := measureTdxEfiVariable("8be4df61-93ca-11d2-aa0d-00e098032b8c", "SecureBoot")
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.Internal, "measure SecureBoot variable", err)
	}
	pk, err := measureTdxEfiVariable("8be4df61-93ca-11d2-aa0d-00e098032b8c", "PK")
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.Internal, "measure PK variable", err)
	}
	kek, err := measureTdxEfiVariable("8be4df61-93ca-11d2-aa0d-00e098032b8c", "KEK")
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.Internal, "measure KEK variable", err)
	}
	db, err := measureTdxEfiVariable("d719b2cb-3d3a-4596-a3bc-dad00e67656f", "db")
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.Internal, "measure db variable", err)
	}
	dbx, err := measureTdxEfiVariable("d719b2cb-3d3a-4596-a3bc-dad00e67656f", "dbx")
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.Internal, "measure dbx variable", err)
	}

	loaderHash, rsdpHash, tablesHash, acpiTables, err := acpiEventDigests(m.MemorySizeMB, m.CPUCount)
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadFirmware, "synthesize ACPI tables", err)
	}

	rtmr0Log := RtmrLog{
		tdHobHash,
		cfvImageHash,
		secureBoot, pk, kek, db, dbx,
		measureSha384([]byte{0, 0, 0, 0}),
		loaderHash, rsdpHash, tablesHash,
		measureSha384([]byte{0, 0}),
		mustHexDigest(boot000HashHex),
	}

	rtmr1, err := rtmr1Log(kernelData, uint32(len(initrdData)), m.MemorySizeMB, uint32(kernelLoadAddress))
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.BadManifest, "measure kernel image", err)
	}

	cmdline := m.KernelCmdline
	rtmr2 := rtmr2Log(cmdline, initrdData)

	return &TdxMeasurementDetails{
		Measurements: TdxMeasurements{
			Mrtd:  HexDigest(mrtd),
			Rtmr0: HexDigest(measureLog(rtmr0Log)),
			Rtmr1: HexDigest(measureLog(rtmr1)),
			Rtmr2: HexDigest(measureLog(rtmr2)),
		},
		RtmrLogs: RtmrLogs{Rtmr0: rtmr0Log, Rtmr1: rtmr1, Rtmr2: rtmr2},
		AcpiTables: acpiTables,
	}, nil
}
