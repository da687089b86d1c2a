// Package verifyerr defines the logical error kinds shared by the
// measurement engine, the OS-image resolver and the verifier pipeline, so
// that a single switch at the HTTP/CLI boundary can turn any of them into
// the one-line `reason` string the API contract requires.
package verifyerr

import "fmt"

// Kind is one of the error kinds spec'd for the verifier pipeline.
type Kind string

const (
	BadFirmware         Kind = "bad_firmware"
	BadManifest         Kind = "bad_manifest"
	BadChecksum         Kind = "bad_checksum"
	DownloadFailed      Kind = "download_failed"
	BadEventLog         Kind = "bad_event_log"
	MeasurementMismatch Kind = "measurement_mismatch"
	QuoteInvalid        Kind = "quote_invalid"
	ConfigInvalid       Kind = "config_invalid"
	Internal            Kind = "internal"
)

// Error wraps an underlying cause with one of the logical kinds above.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under kind, prefixing it with msg.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return Internal
}

// As is a thin wrapper so callers don't need a second import of errors.As.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
