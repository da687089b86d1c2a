package mrengine

import "errors"

// Low-level decode errors. Callers that walk firmware images wrap these
// with verifyerr.BadFirmware once they know which artifact was at fault.
var (
	errInvalidGUID = errors.New("mrengine: malformed GUID string")
	errTruncated   = errors.New("mrengine: buffer truncated")
	errBadSection  = errors.New("mrengine: invalid TDVF section")
	errNoSignature = errors.New("mrengine: TDVF metadata signature not found")
)
