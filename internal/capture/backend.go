// Package capture opens capture sessions: it binds one video and one audio
// device through a Backend, maps their negotiated formats onto container
// tracks, and exposes the interleaved container stream as an io.Reader.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/zsiec/capmux/internal/media"
)

// Device is a named capture device of a single kind.
type Device struct {
	Name string     `json:"name"`
	Kind media.Kind `json:"kind"`
}

// Backend is the capture subsystem. Acquire initializes it for one session;
// closing the returned Graph releases it.
type Backend interface {
	Name() string
	Acquire(ctx context.Context) (Graph, error)
}

// Graph enumerates devices and binds them to pins for the lifetime of a
// session.
type Graph interface {
	Devices(kind media.Kind) ([]Device, error)
	Bind(ctx context.Context, dev Device) (Pin, error)
	Close() error
}

// Pin delivers raw samples from one bound device. NextSample must not
// block, and Close may be called while NextSample is in progress.
type Pin interface {
	MediaType() MediaType
	NextSample() (media.Sample, bool)
	Close() error
}

// ListDevices acquires the backend briefly and returns every device it
// reports, video first.
func ListDevices(ctx context.Context, b Backend) ([]Device, error) {
	g, err := b.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: acquire %s: %w", b.Name(), err)
	}

	var all []Device
	var errs []error
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		devs, err := g.Devices(kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("capture: list %s devices: %w", kind, err))
			continue
		}
		all = append(all, devs...)
	}
	if err := g.Close(); err != nil {
		errs = append(errs, err)
	}
	return all, errors.Join(errs...)
}

// PinSource adapts a bound Pin to media.FrameSource.
type PinSource struct {
	pin  Pin
	desc media.TrackDescriptor
}

// Descriptor returns the track descriptor fixed when the pin was bound.
func (s *PinSource) Descriptor() media.TrackDescriptor { return s.desc }

// NextSample polls the pin without blocking.
func (s *PinSource) NextSample() (media.Sample, bool) { return s.pin.NextSample() }
