package capture

import "errors"

// Sentinel errors for capture sessions.
var (
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	ErrUnsupportedCodec  = errors.New("capture: unsupported codec")
	ErrNoTracks          = errors.New("capture: no usable tracks")
)
