package container

import (
	"errors"
	"fmt"
)

// ErrFormat is matched by every header decoding failure.
var ErrFormat = errors.New("container: invalid format")

// Reasons reported in FormatError.
var (
	errBadMagic      = errors.New("bad magic")
	errNoTracks      = errors.New("track count is zero")
	errTooManyTracks = errors.New("track count out of range")
	errShort         = errors.New("short buffer")
	errUnknownKind   = errors.New("unknown kind tag")
	errInvalidTrack  = errors.New("invalid track descriptor")
)

// FormatError indicates a malformed container header. It records which
// field was being decoded.
type FormatError struct {
	Field string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("container: decode %s: %v", e.Field, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Is reports a match against ErrFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}
