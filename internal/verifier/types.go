// Package verifier implements the HTTP and one-shot CLI surfaces that
// take a confidential-VM attestation quote and event log, replay the
// guest's boot measurements, and decide whether the reported identity
// matches what an honest dstack guest would have produced.
package verifier

import "github.com/dstack-tee/dstack-verifier/internal/eventlog"

// VmConfig is the guest configuration a VerificationRequest carries,
// mirroring the fields a dstack app manifest records: enough to
// reproduce the firmware/kernel/initrd measurements independently of the
// quote itself.
type VmConfig struct {
	CPUCount      uint8   `json:"cpu_count"`
	MemorySizeMB  uint64  `json:"memory_size_mb"`
	QemuVersion   *string `json:"qemu_version,omitempty"`
	PIC           *bool   `json:"pic,omitempty"`
	TwoPassAdd    *bool   `json:"two_pass_add_pages,omitempty"`
	PCIHole64Size *uint64 `json:"pci_hole64_size,omitempty"`
	Hugepages     bool    `json:"hugepages"`
	NumGPUs       uint32  `json:"num_gpus"`
	NumNvSwitches uint32  `json:"num_nvswitches"`
	HotplugOff    bool    `json:"hotplug_off"`
	RootVerity    bool    `json:"root_verity"`
	OsImageHash   string  `json:"os_image_hash"`
}

// VerificationRequest is the body of POST /verify: a hex-encoded DCAP
// quote, the guest's reported event log (as a JSON string, the way the
// guest's attestation agent returns it), and the VM configuration that
// should reproduce the quote's measurements.
type VerificationRequest struct {
	Quote    string   `json:"quote"`
	EventLog string   `json:"event_log"`
	VmConfig VmConfig `json:"vm_config"`
	Debug    bool     `json:"debug,omitempty"`
}

// AppInfo summarizes the application identity recorded in the guest's
// event log and the quote's report fields, surfaced to callers once the
// quote and OS image have both been validated.
type AppInfo struct {
	AppID           string `json:"app_id"`
	ComposeHash     string `json:"compose_hash"`
	InstanceID      string `json:"instance_id"`
	DeviceID        string `json:"device_id"`
	MrSystem        string `json:"mr_system"`
	MrAggregated    string `json:"mr_aggregated"`
	OsImageHash     string `json:"os_image_hash"`
	KeyProviderInfo string `json:"key_provider_info,omitempty"`
}

// AcpiTablesDebug surfaces the synthesized ACPI blobs used during a
// debug-mode measurement run, for offline comparison against a real
// QEMU-produced table set.
type AcpiTablesDebug struct {
	Tables string `json:"tables"`
	Rsdp   string `json:"rsdp"`
	Loader string `json:"loader"`
}

// VerificationDetails carries everything beyond the pass/fail verdict:
// quote verification metadata, and (debug mode only) the raw ACPI tables
// and per-register mismatch attribution.
type VerificationDetails struct {
	QuoteVerified bool                `json:"quote_verified"`
	TCBStatus     string              `json:"tcb_status,omitempty"`
	AdvisoryIDs   []string            `json:"advisory_ids,omitempty"`
	AcpiTables    *AcpiTablesDebug    `json:"acpi_tables,omitempty"`
	RtmrDebug     []eventlog.Mismatch `json:"rtmr_debug,omitempty"`
}

// VerificationResponse is the body of every POST /verify response,
// success or failure: the contract promises 2xx regardless, with the
// verdict carried in IsValid/Reason instead of the status code.
type VerificationResponse struct {
	IsValid bool                 `json:"is_valid"`
	Reason  string               `json:"reason,omitempty"`
	AppInfo *AppInfo             `json:"app_info,omitempty"`
	Details *VerificationDetails `json:"details,omitempty"`
}

// ErrorResponse is returned for requests that can't be parsed at all
// (malformed JSON body), as distinct from a request that parses but
// fails verification.
type ErrorResponse struct {
	Error   string  `json:"error"`
	Details *string `json:"details,omitempty"`
}
