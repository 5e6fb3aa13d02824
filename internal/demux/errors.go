package demux

import "errors"

// Sentinel errors for demuxing. Header problems are reported as
// container.FormatError and match container.ErrFormat.
var (
	ErrNotOpen       = errors.New("demux: not open")
	ErrFrameTooLarge = errors.New("demux: frame exceeds maximum payload size")

	// ErrNoData may be returned by a Source to signal that no bytes are
	// available yet. Step reports it as StepNoData.
	ErrNoData = errors.New("demux: no data available")
)
