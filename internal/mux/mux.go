// Package mux interleaves several capture tracks into one container byte
// stream. The Multiplexer is pull-driven: each Read serves the container
// header once and then at most one frame unit, visiting tracks round-robin.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/capmux/internal/clock"
	"github.com/zsiec/capmux/internal/container"
	"github.com/zsiec/capmux/internal/media"
)

// DefaultRetryDelay is the back-off between attempts to fetch a sample
// from a track that has none ready.
const DefaultRetryDelay = 10 * time.Millisecond

// ErrNoTracks is returned when a Multiplexer is created without tracks.
var ErrNoTracks = errors.New("mux: no tracks")

// Stats is a point-in-time snapshot of multiplexer counters.
type Stats struct {
	Frames      int64 `json:"frames"`
	Bytes       int64 `json:"bytes"`
	EmptyPolls  int64 `json:"emptyPolls"`
	HeaderBytes int   `json:"headerBytes"`
}

// Multiplexer turns a fixed set of FrameSources into a container byte
// stream. It implements io.Reader and is not safe for concurrent use.
type Multiplexer struct {
	log    *slog.Logger
	ctx    context.Context
	tracks []media.FrameSource

	header    []byte
	headerPos int

	micro    [container.FrameHeaderSize]byte
	microPos int

	payload    []byte
	payloadPos int
	inFlight   bool

	cur      int
	awaiting bool

	retryDelay time.Duration
	maxIdle    int

	frames     atomic.Int64
	bytes      atomic.Int64
	emptyPolls atomic.Int64
}

// MuxOptRetryDelay sets the back-off used when a track has no sample ready.
func MuxOptRetryDelay(d time.Duration) func(*Multiplexer) {
	return func(m *Multiplexer) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// MuxOptMaxIdle bounds the number of consecutive empty fetch attempts within
// one Read. When the bound is hit Read returns whatever it has, possibly 0.
// Zero, the default, retries until data arrives or the context ends.
func MuxOptMaxIdle(n int) func(*Multiplexer) {
	return func(m *Multiplexer) {
		m.maxIdle = n
	}
}

// MuxOptLogger sets the logger. If unset, slog.Default() is used.
func MuxOptLogger(log *slog.Logger) func(*Multiplexer) {
	return func(m *Multiplexer) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMultiplexer creates a Multiplexer over tracks. The track order fixes
// each track's index in the container. ctx bounds every retry wait.
func NewMultiplexer(ctx context.Context, tracks []media.FrameSource, opts ...func(*Multiplexer)) (*Multiplexer, error) {
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}

	descs := make([]media.TrackDescriptor, len(tracks))
	for i, t := range tracks {
		descs[i] = t.Descriptor()
	}
	if err := container.Validate(descs); err != nil {
		return nil, fmt.Errorf("mux: %w", err)
	}

	m := &Multiplexer{
		log:        slog.Default(),
		ctx:        ctx,
		tracks:     tracks,
		header:     container.EncodeHeader(descs),
		cur:        len(tracks) - 1,
		retryDelay: DefaultRetryDelay,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "mux")
	m.log.Debug("multiplexer created", "tracks", len(tracks), "header_bytes", len(m.header))
	return m, nil
}

// Read fills p with container bytes. It returns as soon as one frame unit
// has been fully written, so a single call never spans two frames. When a
// track has no sample ready Read waits and retries that same track; it
// returns early with the bytes already written rather than wait while
// holding data. A cancelled context ends the wait with ctx.Err().
func (m *Multiplexer) Read(p []byte) (int, error) {
	n := 0
	idle := 0
	for n < len(p) {
		if m.headerPos < len(m.header) {
			c := copy(p[n:], m.header[m.headerPos:])
			m.headerPos += c
			n += c
			continue
		}

		if m.inFlight {
			if m.microPos < len(m.micro) {
				c := copy(p[n:], m.micro[m.microPos:])
				m.microPos += c
				n += c
				continue
			}
			if m.payloadPos < len(m.payload) {
				c := copy(p[n:], m.payload[m.payloadPos:])
				m.payloadPos += c
				n += c
				continue
			}
			m.finishFrame()
			if n > 0 {
				break
			}
		}

		if !m.awaiting {
			m.cur = (m.cur + 1) % len(m.tracks)
			m.awaiting = true
		}
		if m.fetch() {
			continue
		}

		m.emptyPolls.Add(1)
		idle++
		if n > 0 {
			break
		}
		if m.maxIdle > 0 && idle >= m.maxIdle {
			break
		}
		if err := m.wait(); err != nil {
			return n, err
		}
	}

	m.bytes.Add(int64(n))
	return n, nil
}

// fetch pulls the next sample from the current track and stages it as the
// in-flight frame.
func (m *Multiplexer) fetch() bool {
	s, ok := m.tracks[m.cur].NextSample()
	if !ok {
		return false
	}
	m.awaiting = false

	h := container.FrameHeader{
		Track: uint32(m.cur),
		Size:  uint32(len(s.Data)),
		Clock: clock.SampleClock(s.PTS, s.Captured),
	}
	h.Put(m.micro[:])
	m.microPos = 0
	m.payload = s.Data
	m.payloadPos = 0
	m.inFlight = true

	m.log.Debug("frame", "track", h.Track, "size", h.Size, "clock", h.Clock)
	return true
}

func (m *Multiplexer) finishFrame() {
	m.inFlight = false
	m.payload = nil
	m.payloadPos = 0
	m.frames.Add(1)
}

func (m *Multiplexer) wait() error {
	if err := m.ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(m.retryDelay)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tracks returns the descriptors in container order.
func (m *Multiplexer) Tracks() []media.TrackDescriptor {
	descs := make([]media.TrackDescriptor, len(m.tracks))
	for i, t := range m.tracks {
		descs[i] = t.Descriptor()
	}
	return descs
}

// Stats returns a snapshot of the multiplexer counters. It may be called
// concurrently with Read.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		Frames:      m.frames.Load(),
		Bytes:       m.bytes.Load(),
		EmptyPolls:  m.emptyPolls.Load(),
		HeaderBytes: len(m.header),
	}
}
