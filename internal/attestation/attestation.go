// Package attestation wraps DCAP quote verification and TD report
// decoding behind a narrow interface, so the verifier pipeline never
// needs to know which collateral service or quote library is behind it.
package attestation

import (
	"fmt"

	"github.com/dstack-tee/dstack-verifier/internal/verifyerr"
)

// Td10ReportSize is the fixed size of a TDX 1.0 TDREPORT body.
const Td10ReportSize = 584

// Td10Report is the subset of a decoded TD10 report the verifier needs:
// the measurement registers and the 64 bytes of caller-supplied report
// data the quote was bound to.
type Td10Report struct {
	MrTd         []byte
	Rtmr0        []byte
	Rtmr1        []byte
	Rtmr2        []byte
	Rtmr3        []byte
	MrOwner      []byte
	MrConfigID   []byte
	MrOwnerConfig []byte
	ReportData   []byte
}

// Quote is a decoded DCAP quote: the report body plus verification
// metadata the DCAP quote-verification library produced.
type Quote struct {
	Report     Td10Report
	TCBStatus  string
	AdvisoryIDs []string
}

// Verifier checks a raw DCAP quote against Intel's collateral, the way a
// real deployment delegates to libsgx-dcap-quoteverify (or an
// equivalent remote attestation service) rather than re-implementing ECDSA
// chain validation locally.
type Verifier interface {
	VerifyQuote(quote []byte, pccsURL string) (*Quote, error)
}

// noopVerifier is a structural placeholder satisfying Verifier without
// linking a real DCAP collateral client; production builds substitute a
// real implementation. Using it unconfigured always fails closed.
type noopVerifier struct{}

// NewVerifier returns the default Verifier. Swap this out (or wrap it)
// in main() once a real DCAP client is wired to a specific collateral
// backend.
func NewVerifier() Verifier { return noopVerifier{} }

func (noopVerifier) VerifyQuote(quote []byte, pccsURL string) (*Quote, error) {
	if len(quote) < 48+Td10ReportSize {
		return nil, verifyerr.New(verifyerr.QuoteInvalid, "quote too short to contain a TD10 report")
	}
	report, err := DecodeTd10Report(quote[len(quote)-Td10ReportSize:])
	if err != nil {
		return nil, verifyerr.Wrap(verifyerr.QuoteInvalid, "decode TD10 report", err)
	}
	return nil, verifyerr.New(verifyerr.Internal, "no DCAP collateral backend configured, report body %x", report.MrTd[:4])
}

// DecodeTd10Report parses the fixed-layout TDX 1.0 report body (measurement
// registers followed by 64 bytes of report data) out of a quote's
// trailing bytes.
func DecodeTd10Report(body []byte) (Td10Report, error) {
	if len(body) < Td10ReportSize {
		return Td10Report{}, fmt.Errorf("attestation: TD report body too short: %d bytes", len(body))
	}

	// TDINFO_STRUCT field layout (relative to the start of TDINFO, which
	// itself starts at offset 48 within TDREPORT_STRUCT): attributes(8),
	// xfam(8), mrtd(48), mrconfigid(48), mrowner(48), mrownerconfig(48),
	// rtmr0(48), rtmr1(48), rtmr2(48), rtmr3(48), servtd_hash(48).
	const tdInfoOffset = 48
	field := func(off, size int) []byte {
		start := tdInfoOffset + off
		return append([]byte(nil), body[start:start+size]...)
	}

	report := Td10Report{
		MrTd:          field(16, 48),
		MrConfigID:    field(64, 48),
		MrOwner:       field(112, 48),
		MrOwnerConfig: field(160, 48),
		Rtmr0:         field(208, 48),
		Rtmr1:         field(256, 48),
		Rtmr2:         field(304, 48),
		Rtmr3:         field(352, 48),
	}
	report.ReportData = append([]byte(nil), body[Td10ReportSize-64:Td10ReportSize]...)
	return report, nil
}
