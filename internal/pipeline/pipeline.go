// Package pipeline runs the demux side of a single container stream,
// registering its elementary streams with an Output and forwarding every
// packet while collecting per-track telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/capmux/internal/demux"
	"github.com/zsiec/capmux/internal/media"
)

// Output is the subset of a packet consumer the pipeline needs. Accepting an
// interface keeps the pipeline testable with stubs.
type Output interface {
	AddTrack(es *demux.ElementaryStream) error
	WritePacket(pkt media.Packet) error
	Close() error
}

// TrackStats captures forwarding counters for one elementary stream.
type TrackStats struct {
	ID        int    `json:"id"`
	Kind      string `json:"kind"`
	Codec     string `json:"codec"`
	Format    string `json:"format"`
	Packets   int64  `json:"packets"`
	Bytes     int64  `json:"bytes"`
	FilledPTS int64  `json:"filledPts"`
	LastPTS   int64  `json:"lastPts"`
}

// StreamSnapshot is a point-in-time view of a pipeline's health.
type StreamSnapshot struct {
	Key       string       `json:"key"`
	Protocol  string       `json:"protocol"`
	Timestamp int64        `json:"timestamp"`
	UptimeMs  int64        `json:"uptimeMs"`
	Demux     demux.Stats  `json:"demux"`
	Tracks    []TrackStats `json:"tracks"`
}

// Pipeline bridges a single stream's Demuxer and Output. It implements
// demux.Registrar so every declared track is announced to the output
// before its first packet.
type Pipeline struct {
	log       *slog.Logger
	demuxer   *demux.Demuxer
	out       Output
	streamKey string
	startTime time.Time
	protocol  atomic.Value

	mu     sync.RWMutex
	tracks []*trackSink
}

// New creates a Pipeline that demuxes input and forwards packets to out.
// Demuxer options are passed through unchanged.
func New(streamKey string, input io.Reader, out Output, log *slog.Logger, opts ...func(*demux.Demuxer)) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:       log.With("component", "pipeline", "stream", streamKey),
		out:       out,
		streamKey: streamKey,
		startTime: time.Now(),
	}
	p.protocol.Store("")
	p.demuxer = demux.NewDemuxer(input, p, log.With("stream", streamKey), opts...)
	return p
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for the
// stream snapshot.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol.Store(proto)
}

// AddStream implements demux.Registrar.
func (p *Pipeline) AddStream(es *demux.ElementaryStream) (demux.Sink, error) {
	if err := p.out.AddTrack(es); err != nil {
		return nil, fmt.Errorf("pipeline: add track %d: %w", es.ID, err)
	}
	ts := &trackSink{es: es, out: p.out}
	p.mu.Lock()
	p.tracks = append(p.tracks, ts)
	p.mu.Unlock()
	p.log.Info("track registered", "id", es.ID, "track", es.Descriptor.String())
	return ts, nil
}

// Run demuxes until the stream ends or ctx is cancelled, then closes the
// output. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.demuxer.Run(ctx)
	if cerr := p.out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("pipeline: close output: %w", cerr)
	}

	snap := p.StreamSnapshot()
	p.log.Info("pipeline finished",
		"packets", snap.Demux.Packets, "dropped", snap.Demux.Dropped,
		"uptime_ms", snap.UptimeMs, "error", err)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StreamSnapshot returns a point-in-time snapshot of stream health.
func (p *Pipeline) StreamSnapshot() StreamSnapshot {
	p.mu.RLock()
	tracks := make([]TrackStats, len(p.tracks))
	for i, t := range p.tracks {
		tracks[i] = t.stats()
	}
	p.mu.RUnlock()

	proto, _ := p.protocol.Load().(string)
	return StreamSnapshot{
		Key:       p.streamKey,
		Protocol:  proto,
		Timestamp: time.Now().UnixMilli(),
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Demux:     p.demuxer.Stats(),
		Tracks:    tracks,
	}
}

// trackSink forwards one stream's packets. Packets whose timestamp could not
// be resolved inherit the stream's last known timestamp.
type trackSink struct {
	es  *demux.ElementaryStream
	out Output

	lastPTS atomic.Int64
	hasPTS  atomic.Bool
	packets atomic.Int64
	bytes   atomic.Int64
	filled  atomic.Int64
}

func (t *trackSink) WritePacket(pkt media.Packet) error {
	if pkt.HasPTS {
		t.lastPTS.Store(pkt.PTS)
		t.hasPTS.Store(true)
	} else if t.hasPTS.Load() {
		pkt.PTS = t.lastPTS.Load()
		pkt.HasPTS = true
		t.filled.Add(1)
	}

	if err := t.out.WritePacket(pkt); err != nil {
		return err
	}
	t.packets.Add(1)
	t.bytes.Add(int64(len(pkt.Data)))
	return nil
}

func (t *trackSink) stats() TrackStats {
	return TrackStats{
		ID:        t.es.ID,
		Kind:      t.es.Kind().String(),
		Codec:     t.es.Descriptor.Codec.String(),
		Format:    t.es.Descriptor.String(),
		Packets:   t.packets.Load(),
		Bytes:     t.bytes.Load(),
		FilledPTS: t.filled.Load(),
		LastPTS:   t.lastPTS.Load(),
	}
}
