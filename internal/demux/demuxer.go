package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/capmux/internal/clock"
	"github.com/zsiec/capmux/internal/container"
	"github.com/zsiec/capmux/internal/media"
)

// Defaults for Demuxer options.
const (
	DefaultBufferSize   = 64 * 1024
	DefaultMaxPayload   = 64 << 20
	DefaultPollInterval = 10 * time.Millisecond
)

// Status is the outcome of a single Step.
type Status int

// Step outcomes.
const (
	// StepContinue means a frame unit was consumed.
	StepContinue Status = iota
	// StepNoData means a full micro-header is not available yet.
	StepNoData
	// StepEOF means the stream ended, possibly mid-frame.
	StepEOF
)

func (s Status) String() string {
	switch s {
	case StepContinue:
		return "continue"
	case StepNoData:
		return "no-data"
	case StepEOF:
		return "eof"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Source is the buffered byte stream a Demuxer reads from. *bufio.Reader
// satisfies it.
type Source interface {
	io.Reader
	Peek(n int) ([]byte, error)
	Discard(n int) (int, error)
}

// Sink receives the packets of one elementary stream.
type Sink interface {
	WritePacket(pkt media.Packet) error
}

// Registrar is implemented by the host to receive each elementary stream
// declared by the container header. A nil Sink is allowed; packets for that
// stream are then dropped.
type Registrar interface {
	AddStream(es *ElementaryStream) (Sink, error)
}

// ElementaryStream is one track of an open container as seen by the host.
// ID is the track index plus one.
type ElementaryStream struct {
	ID         int
	Index      int
	Descriptor media.TrackDescriptor
}

// Kind reports whether the stream is video or audio.
func (es *ElementaryStream) Kind() media.Kind {
	return es.Descriptor.Kind()
}

// Stats is a point-in-time snapshot of demuxer counters. ReferenceUs is
// the session clock reference in microseconds, valid when HasReference is
// set.
type Stats struct {
	Packets      int64 `json:"packets"`
	Bytes        int64 `json:"bytes"`
	Dropped      int64 `json:"dropped"`
	Unresolved   int64 `json:"unresolved"`
	ShortReads   int64 `json:"shortReads"`
	ReferenceUs  int64 `json:"referenceUs"`
	HasReference bool  `json:"hasReference"`
}

// Demuxer splits a container byte stream into packets, one elementary
// stream per declared track. Open and Step must be called from a single
// goroutine; Stats may be read concurrently.
type Demuxer struct {
	log *slog.Logger
	src Source
	reg Registrar

	streams []*ElementaryStream
	sinks   []Sink
	clk     *clock.Sync
	opened  bool

	bufSize      int
	maxPayload   uint32
	pollInterval time.Duration
	ptsDelay     time.Duration

	packets    atomic.Int64
	bytes      atomic.Int64
	dropped    atomic.Int64
	unresolved atomic.Int64
	shortReads atomic.Int64
	reference  atomic.Int64
	hasRef     atomic.Bool
}

// DemuxerOptPTSDelay adds a fixed presentation delay to every resolved
// timestamp.
func DemuxerOptPTSDelay(d time.Duration) func(*Demuxer) {
	return func(dm *Demuxer) {
		dm.ptsDelay = d
	}
}

// DemuxerOptMaxPayload rejects frame units whose declared payload exceeds
// n bytes. Zero disables the check.
func DemuxerOptMaxPayload(n uint32) func(*Demuxer) {
	return func(dm *Demuxer) {
		dm.maxPayload = n
	}
}

// DemuxerOptBufferSize sets the read buffer used when the input is not
// already a Source. It must hold the whole container header.
func DemuxerOptBufferSize(n int) func(*Demuxer) {
	return func(dm *Demuxer) {
		dm.bufSize = n
	}
}

// DemuxerOptPollInterval sets how long Run waits after StepNoData.
func DemuxerOptPollInterval(d time.Duration) func(*Demuxer) {
	return func(dm *Demuxer) {
		if d > 0 {
			dm.pollInterval = d
		}
	}
}

// NewDemuxer creates a Demuxer reading from r and registering streams with
// reg. If r is not already a Source it is wrapped in a bufio.Reader.
// If log is nil, slog.Default() is used.
func NewDemuxer(r io.Reader, reg Registrar, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:          log.With("component", "demux"),
		reg:          reg,
		bufSize:      DefaultBufferSize,
		maxPayload:   DefaultMaxPayload,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if src, ok := r.(Source); ok {
		d.src = src
	} else {
		d.src = bufio.NewReaderSize(r, d.bufSize)
	}
	return d
}

// Open detects the container header, registers one elementary stream per
// track and consumes the header bytes. It is a no-op once successful.
func (d *Demuxer) Open() error {
	if d.opened {
		return nil
	}

	prefix, _ := d.src.Peek(container.HeaderPrefixSize)
	n, err := container.PeekTrackCount(prefix)
	if err != nil {
		return fmt.Errorf("demux: open: %w", err)
	}

	size := container.HeaderSize(n)
	hdr, peekErr := d.src.Peek(size)
	tracks, err := container.DecodeHeader(hdr)
	if err != nil {
		if peekErr != nil {
			d.log.Debug("header peek failed", "want", size, "have", len(hdr), "error", peekErr)
		}
		return fmt.Errorf("demux: open: %w", err)
	}

	d.streams = make([]*ElementaryStream, len(tracks))
	d.sinks = make([]Sink, len(tracks))
	for i, t := range tracks {
		es := &ElementaryStream{ID: i + 1, Index: i, Descriptor: t}
		var sink Sink
		if d.reg != nil {
			sink, err = d.reg.AddStream(es)
			if err != nil {
				return fmt.Errorf("demux: register stream %d: %w", es.ID, err)
			}
		}
		d.streams[i] = es
		d.sinks[i] = sink
		d.log.Info("elementary stream", "id", es.ID, "track", t.String())
	}

	if _, err := d.src.Discard(size); err != nil {
		return fmt.Errorf("demux: consume header: %w", err)
	}

	d.clk = clock.NewSync(d.ptsDelay)
	d.opened = true
	d.log.Info("container opened", "tracks", len(tracks), "pts_delay", d.ptsDelay)
	return nil
}

// Step parses one frame unit and forwards it to its stream's sink. A
// missing micro-header yields StepNoData; a frame cut short by the end of
// the stream is discarded and yields StepEOF. Frames addressed to an
// unknown track are dropped and parsing continues.
func (d *Demuxer) Step() (Status, error) {
	if !d.opened {
		return StepEOF, ErrNotOpen
	}

	b, err := d.src.Peek(container.FrameHeaderSize)
	if len(b) < container.FrameHeaderSize {
		return classify(err)
	}
	h, err := container.ParseFrameHeader(b)
	if err != nil {
		return StepEOF, err
	}
	if d.maxPayload > 0 && h.Size > d.maxPayload {
		return StepEOF, fmt.Errorf("%w: %d bytes on track %d", ErrFrameTooLarge, h.Size, h.Track)
	}

	buf := make([]byte, container.FrameHeaderSize+int(h.Size))
	if _, err := io.ReadFull(d.src, buf); err != nil {
		d.shortReads.Add(1)
		d.log.Debug("short frame read", "track", h.Track, "size", h.Size, "error", err)
		return StepEOF, nil
	}
	payload := buf[container.FrameHeaderSize:]

	if h.Track >= uint32(len(d.streams)) {
		d.dropped.Add(1)
		d.log.Warn("frame for unknown track dropped", "track", h.Track, "size", h.Size)
		return StepContinue, nil
	}
	es := d.streams[h.Track]
	sink := d.sinks[h.Track]
	if sink == nil {
		d.dropped.Add(1)
		return StepContinue, nil
	}

	pts, ok := d.clk.Resolve(h.Clock)
	if ok {
		ref, _ := d.clk.Reference()
		d.reference.Store(ref)
		d.hasRef.Store(true)
	} else {
		d.unresolved.Add(1)
	}
	if err := sink.WritePacket(media.Packet{
		StreamID: es.ID,
		PTS:      pts,
		HasPTS:   ok,
		Data:     payload,
	}); err != nil {
		return StepEOF, fmt.Errorf("demux: stream %d: %w", es.ID, err)
	}

	d.packets.Add(1)
	d.bytes.Add(int64(h.Size))
	return StepContinue, nil
}

func classify(err error) (Status, error) {
	switch {
	case err == nil,
		errors.Is(err, ErrNoData),
		errors.Is(err, os.ErrDeadlineExceeded):
		return StepNoData, nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe):
		return StepEOF, nil
	default:
		return StepEOF, fmt.Errorf("demux: read: %w", err)
	}
}

// Run opens the container and steps until the stream ends, an error
// occurs, or ctx is cancelled. It backs off briefly after StepNoData.
func (d *Demuxer) Run(ctx context.Context) error {
	if err := d.Open(); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := d.Step()
		if err != nil {
			return err
		}
		switch st {
		case StepEOF:
			s := d.Stats()
			d.log.Info("end of stream", "packets", s.Packets, "dropped", s.Dropped, "bytes", s.Bytes)
			return nil
		case StepNoData:
			t := time.NewTimer(d.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// Streams returns the elementary streams registered by Open.
func (d *Demuxer) Streams() []*ElementaryStream {
	return d.streams
}

// Reference returns the session clock reference in microseconds, excluding
// the PTS delay. Hosts use it for pacing; it may be called concurrently
// with Step.
func (d *Demuxer) Reference() (int64, bool) {
	if !d.hasRef.Load() {
		return 0, false
	}
	return d.reference.Load(), true
}

// Stats returns a snapshot of the demuxer counters.
func (d *Demuxer) Stats() Stats {
	ref, ok := d.Reference()
	return Stats{
		Packets:      d.packets.Load(),
		Bytes:        d.bytes.Load(),
		Dropped:      d.dropped.Load(),
		Unresolved:   d.unresolved.Load(),
		ShortReads:   d.shortReads.Load(),
		ReferenceUs:  ref,
		HasReference: ok,
	}
}
