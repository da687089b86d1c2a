package verifier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dstack-tee/dstack-verifier/internal/attestation"
	"github.com/dstack-tee/dstack-verifier/internal/cache"
	"github.com/dstack-tee/dstack-verifier/internal/eventlog"
	"github.com/dstack-tee/dstack-verifier/internal/mrengine"
	"github.com/dstack-tee/dstack-verifier/internal/osimage"
)

// CvmVerifier holds everything needed to verify a confidential VM's
// attestation quote against its claimed configuration: where to cache
// computed measurements and downloaded OS images, where to fetch images
// from, and which DCAP collateral endpoint to use.
type CvmVerifier struct {
	ImageCacheDir   string
	DownloadURL     string
	DownloadTimeout time.Duration
	PCCSURL         string

	quoteVerifier attestation.Verifier
	measureCache  *cache.Cache
	images        *osimage.Resolver
}

// New builds a CvmVerifier, wiring its measurement cache and OS-image
// resolver under imageCacheDir.
func New(imageCacheDir, downloadURL string, downloadTimeout time.Duration, pccsURL string) (*CvmVerifier, error) {
	mc, err := cache.New(filepath.Join(imageCacheDir, "measurements"))
	if err != nil {
		return nil, fmt.Errorf("init measurement cache: %w", err)
	}
	return &CvmVerifier{
		ImageCacheDir:   imageCacheDir,
		DownloadURL:     downloadURL,
		DownloadTimeout: downloadTimeout,
		PCCSURL:         pccsURL,
		quoteVerifier:   attestation.NewVerifier(),
		measureCache:    mc,
		images:          osimage.NewResolver(imageCacheDir, downloadURL, downloadTimeout),
	}, nil
}

// Verify runs the full pipeline: verify the quote against DCAP
// collateral, reproduce and check the OS image measurements, replay the
// event log, and only then decode the app identity the quote attests to.
func (v *CvmVerifier) Verify(ctx context.Context, req *VerificationRequest) (*VerificationResponse, error) {
	quoteBytes, err := hex.DecodeString(req.Quote)
	if err != nil {
		return &VerificationResponse{IsValid: false, Reason: fmt.Sprintf("malformed quote hex: %v", err)}, nil
	}

	quote, err := v.quoteVerifier.VerifyQuote(quoteBytes, v.PCCSURL)
	if err != nil {
		return &VerificationResponse{IsValid: false, Reason: fmt.Sprintf("Quote verification failed: %v", err)}, nil
	}

	details := &VerificationDetails{
		QuoteVerified: true,
		TCBStatus:     quote.TCBStatus,
		AdvisoryIDs:   quote.AdvisoryIDs,
	}

	var log_ []eventlog.Entry
	if err := json.Unmarshal([]byte(req.EventLog), &log_); err != nil {
		return &VerificationResponse{IsValid: false, Reason: fmt.Sprintf("malformed event log: %v", err), Details: details}, nil
	}

	if err := v.verifyOsImageHash(ctx, req.VmConfig, quote.Report, log_, req.Debug, details); err != nil {
		return &VerificationResponse{IsValid: false, Reason: fmt.Sprintf("OS image hash verification failed: %v", err), Details: details}, nil
	}

	appInfo := decodeAppInfo(quote.Report, log_)
	appInfo.OsImageHash = req.VmConfig.OsImageHash

	return &VerificationResponse{IsValid: true, AppInfo: appInfo, Details: details}, nil
}

// verifyOsImageHash resolves the claimed OS image bundle, computes (or
// loads from cache) its expected measurements, replays the guest's event
// log, and checks both RTMR3 and MRTD/RTMR0-2 against the quote.
func (v *CvmVerifier) verifyOsImageHash(ctx context.Context, vmConfig VmConfig, report attestation.Td10Report, log_ []eventlog.Entry, debug bool, details *VerificationDetails) error {
	imageDir, err := v.images.Resolve(ctx, vmConfig.OsImageHash)
	if err != nil {
		return fmt.Errorf("resolve OS image: %w", err)
	}

	meta, err := osimage.LoadMetadata(imageDir)
	if err != nil {
		return fmt.Errorf("load image metadata: %w", err)
	}

	machine := &mrengine.Machine{
		CPUCount:        vmConfig.CPUCount,
		MemorySizeMB:    vmConfig.MemorySizeMB,
		Firmware:        filepath.Join(imageDir, meta.Bios),
		Kernel:          filepath.Join(imageDir, meta.Kernel),
		Initrd:          filepath.Join(imageDir, meta.Initrd),
		KernelCmdline:   meta.Cmdline + " initrd=initrd",
		TwoPassAddPages: vmConfig.TwoPassAdd,
		PIC:             vmConfig.PIC,
		QemuVersion:     vmConfig.QemuVersion,
		PCIHole64Size:   vmConfig.PCIHole64Size,
		Hugepages:       vmConfig.Hugepages,
		NumGPUs:         vmConfig.NumGPUs,
		NumNvSwitches:   vmConfig.NumNvSwitches,
		HotplugOff:      vmConfig.HotplugOff,
		RootVerity:      true,
	}

	var measurements mrengine.TdxMeasurements
	var acpi *mrengine.AcpiTables
	var rtmrLogs *mrengine.RtmrLogs
	if debug {
		result, err := machine.MeasureWithLogs()
		if err != nil {
			return fmt.Errorf("compute measurements: %w", err)
		}
		measurements = result.Measurements
		acpi = result.AcpiTables
		rtmrLogs = &result.RtmrLogs
	} else {
		key, err := cache.Key(vmConfig)
		if err != nil {
			return fmt.Errorf("derive cache key: %w", err)
		}
		if cached, ok := v.measureCache.Load(key); ok {
			measurements = cached
		} else {
			measurements, err = machine.Measure()
			if err != nil {
				return fmt.Errorf("compute measurements: %w", err)
			}
			if err := v.measureCache.Store(key, measurements); err != nil {
				log.Warn().Err(err).Msg("failed to persist measurement cache entry")
			}
		}
	}

	if debug && acpi != nil {
		details.AcpiTables = &AcpiTablesDebug{
			Tables: hex.EncodeToString(acpi.Tables),
			Rsdp:   hex.EncodeToString(acpi.Rsdp),
			Loader: hex.EncodeToString(acpi.Loader),
		}
	}

	replay, err := eventlog.Replay(log_)
	if err != nil {
		return fmt.Errorf("replay event log: %w", err)
	}

	if !bytesEqual(replay.Rtmrs[3], report.Rtmr3) {
		return fmt.Errorf("RTMR3 mismatch: event log replay %x != quote %x", replay.Rtmrs[3], report.Rtmr3)
	}

	mismatches := checkMeasurements(measurements, report)
	if len(mismatches) == 0 {
		return nil
	}

	if debug && rtmrLogs != nil {
		details.RtmrDebug = attributeMismatches(mismatches, measurements, *rtmrLogs, report, replay, log_)
	}
	return fmt.Errorf("measurement mismatch: %v", mismatches)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkMeasurements compares the computed MRTD/RTMR0-2 against the
// quote's report, returning the names of whichever registers disagree.
func checkMeasurements(m mrengine.TdxMeasurements, report attestation.Td10Report) []string {
	var mismatches []string
	if !bytesEqual(m.Mrtd, report.MrTd) {
		mismatches = append(mismatches, "mrtd")
	}
	if !bytesEqual(m.Rtmr0, report.Rtmr0) {
		mismatches = append(mismatches, "rtmr0")
	}
	if !bytesEqual(m.Rtmr1, report.Rtmr1) {
		mismatches = append(mismatches, "rtmr1")
	}
	if !bytesEqual(m.Rtmr2, report.Rtmr2) {
		mismatches = append(mismatches, "rtmr2")
	}
	return mismatches
}

// attributeMismatches builds per-register mismatch attribution for
// RTMR0-2 by comparing the expected event sequence (computed locally)
// against which log entries the guest's own event log actually folded
// into each register. The expected register value is the locally
// computed one and the actual value is the quote's. MRTD has no event log
// to walk, so a mismatch there is reported as a whole-register diff with
// no event breakdown.
func attributeMismatches(registers []string, m mrengine.TdxMeasurements, logs mrengine.RtmrLogs, report attestation.Td10Report, replay *eventlog.ReplayResult, log_ []eventlog.Entry) []eventlog.Mismatch {
	var out []eventlog.Mismatch
	for _, reg := range registers {
		switch reg {
		case "rtmr0":
			out = append(out, eventlog.CollectMismatch("rtmr0", m.Rtmr0, report.Rtmr0, logs.Rtmr0, replay.EventIndices[0], log_))
		case "rtmr1":
			out = append(out, eventlog.CollectMismatch("rtmr1", m.Rtmr1, report.Rtmr1, logs.Rtmr1, replay.EventIndices[1], log_))
		case "rtmr2":
			out = append(out, eventlog.CollectMismatch("rtmr2", m.Rtmr2, report.Rtmr2, logs.Rtmr2, replay.EventIndices[2], log_))
		case "mrtd":
			out = append(out, eventlog.Mismatch{
				Register: "mrtd",
				Expected: hex.EncodeToString(m.Mrtd),
				Actual:   hex.EncodeToString(report.MrTd),
			})
		}
	}
	return out
}

// eventPayloadHex returns the hex-encoded event_payload of the first
// event log entry with the given name, or "" if none is present.
func eventPayloadHex(log []eventlog.Entry, event string) string {
	for _, e := range log {
		if e.Event == event {
			return e.EventPayload
		}
	}
	return ""
}

// decodeAppInfo builds the app identity surfaced in a successful
// verification response. AppID/ComposeHash/InstanceID are recorded by
// the guest as named event log entries ("app-id", "compose-hash",
// "instance-id") rather than folded into any RTMR on their own, so they
// are read directly off the event log. MrAggregated/MrSystem/DeviceID
// have no event-log event name of their own and are derived from the
// quote's report fields instead.
func decodeAppInfo(report attestation.Td10Report, log []eventlog.Entry) *AppInfo {
	return &AppInfo{
		AppID:        eventPayloadHex(log, "app-id"),
		ComposeHash:  eventPayloadHex(log, "compose-hash"),
		InstanceID:   eventPayloadHex(log, "instance-id"),
		MrAggregated: hex.EncodeToString(report.MrOwner),
		MrSystem:     hex.EncodeToString(report.MrConfigID),
		DeviceID:     hex.EncodeToString(report.MrOwnerConfig),
	}
}
