package conversions

import "errors"

var (
	ErrNotFound     = errors.New("conversion not found")
	ErrNotIdle      = errors.New("session is not idle")
	ErrNoSelection  = errors.New("no file selected")
	ErrInvalidInput = errors.New("invalid input")
	// ErrStalePhase is returned when a phase update finds the conversion in
	// a different phase than expected.
	ErrStalePhase = errors.New("stale phase")
)

// ErrDownloadFailed is returned when result bytes can be neither streamed
// nor signed.
var ErrDownloadFailed = errors.New("download failed")
