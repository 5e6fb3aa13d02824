package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mux"
)

// Session is an open capture session. It owns the acquired graph and every
// bound pin, and serves the container stream through Read.
type Session struct {
	ID        string
	Selection Selection
	StartedAt time.Time

	log     *slog.Logger
	graph   Graph
	pins    []Pin
	devices []Device
	mux     *mux.Multiplexer
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

type openConfig struct {
	log     *slog.Logger
	muxOpts []func(*mux.Multiplexer)
}

// OpenOptLogger sets the session logger. If unset, slog.Default() is used.
func OpenOptLogger(log *slog.Logger) func(*openConfig) {
	return func(c *openConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// OpenOptMux passes options through to the session's multiplexer.
func OpenOptMux(opts ...func(*mux.Multiplexer)) func(*openConfig) {
	return func(c *openConfig) {
		c.muxOpts = append(c.muxOpts, opts...)
	}
}

// Open parses selection, acquires the backend and binds at most one video
// and one audio device. A kind whose device is missing or whose format is
// unsupported is skipped; Open fails only when no track could be bound,
// in which case everything acquired is released.
func Open(ctx context.Context, b Backend, selection string, opts ...func(*openConfig)) (*Session, error) {
	cfg := openConfig{log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	id := uuid.NewString()
	log := cfg.log.With("component", "capture", "session", id)

	sel, err := ParseSelection(selection, log)
	if err != nil {
		return nil, err
	}

	graph, err := b.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: acquire %s: %w", b.Name(), err)
	}

	s := &Session{
		ID:        id,
		Selection: sel,
		StartedAt: time.Now(),
		log:       log,
		graph:     graph,
	}

	var sources []media.FrameSource
	var trackErrs []error
	for _, want := range []struct {
		kind media.Kind
		name string
	}{
		{media.KindVideo, sel.Video},
		{media.KindAudio, sel.Audio},
	} {
		src, dev, err := s.openTrack(ctx, want.kind, want.name)
		if err != nil {
			log.Warn("track not opened", "kind", want.kind, "device", want.name, "error", err)
			trackErrs = append(trackErrs, err)
			continue
		}
		sources = append(sources, src)
		s.devices = append(s.devices, dev)
		log.Info("track opened", "kind", want.kind, "device", dev.Name, "track", src.desc.String())
	}

	if len(sources) == 0 {
		graph.Close()
		return nil, fmt.Errorf("capture: open %q: %w", selection, errors.Join(append([]error{ErrNoTracks}, trackErrs...)...))
	}

	muxCtx, cancel := context.WithCancel(ctx)
	m, err := mux.NewMultiplexer(muxCtx, sources, append([]func(*mux.Multiplexer){mux.MuxOptLogger(log)}, cfg.muxOpts...)...)
	if err != nil {
		cancel()
		s.releasePins()
		graph.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	s.mux = m
	s.cancel = cancel

	log.Info("session opened", "backend", b.Name(), "tracks", len(sources), "caching", sel.Caching)
	return s, nil
}

func (s *Session) openTrack(ctx context.Context, kind media.Kind, name string) (*PinSource, Device, error) {
	devs, err := s.graph.Devices(kind)
	if err != nil {
		return nil, Device{}, fmt.Errorf("%w: list %s devices: %w", ErrDeviceUnavailable, kind, err)
	}
	for _, d := range devs {
		s.log.Debug("found device", "kind", kind, "name", d.Name)
	}

	dev, ok := pickDevice(devs, name)
	if !ok {
		if name == "" {
			return nil, Device{}, fmt.Errorf("%w: no %s devices", ErrDeviceUnavailable, kind)
		}
		return nil, Device{}, fmt.Errorf("%w: %s device %q not found", ErrDeviceUnavailable, kind, name)
	}

	pin, err := s.graph.Bind(ctx, dev)
	if err != nil {
		return nil, Device{}, fmt.Errorf("%w: bind %q: %w", ErrDeviceUnavailable, dev.Name, err)
	}

	mt := pin.MediaType()
	if mt.Kind != kind {
		pin.Close()
		return nil, Device{}, fmt.Errorf("%w: %s device %q delivers %s", ErrUnsupportedCodec, kind, dev.Name, mt.Kind)
	}
	desc, err := Descriptor(mt)
	if err != nil {
		pin.Close()
		return nil, Device{}, err
	}

	s.pins = append(s.pins, pin)
	return &PinSource{pin: pin, desc: desc}, dev, nil
}

func pickDevice(devs []Device, name string) (Device, bool) {
	if len(devs) == 0 {
		return Device{}, false
	}
	if name == "" {
		return devs[0], true
	}
	for _, d := range devs {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Read serves the container stream. It returns at most one frame unit per
// call, after the container header on the first call. Once the session is
// closed, or the context it was opened with is cancelled, Read returns
// io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.mux.Read(p)
	if err != nil && errors.Is(err, context.Canceled) {
		return n, io.EOF
	}
	return n, err
}

// Tracks returns the session's track descriptors in container order.
func (s *Session) Tracks() []media.TrackDescriptor {
	return s.mux.Tracks()
}

// Devices returns the bound devices in container order.
func (s *Session) Devices() []Device {
	return s.devices
}

// Stats returns the multiplexer counters.
func (s *Session) Stats() mux.Stats {
	return s.mux.Stats()
}

// Close stops the multiplexer, releases every pin and then the graph.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		errs := []error{s.releasePins()}
		if err := s.graph.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: release graph: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("session closed", "uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	})
	return s.closeErr
}

func (s *Session) releasePins() error {
	var errs []error
	for _, p := range s.pins {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: release pin: %w", err))
		}
	}
	s.pins = nil
	return errors.Join(errs...)
}
