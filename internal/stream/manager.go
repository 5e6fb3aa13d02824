// Package stream tracks the demux pipelines running for received container
// streams, providing create/remove/list operations used by the ingest
// callback and the status reporter.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/capmux/internal/pipeline"
)

// Snapshotter reports pipeline health. *pipeline.Pipeline implements it.
type Snapshotter interface {
	StreamSnapshot() pipeline.StreamSnapshot
}

// Stream represents a live container stream being demuxed.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time
	done      chan struct{}

	mu       sync.RWMutex
	pipeline Snapshotter
}

// SetPipeline attaches the pipeline serving this stream.
func (s *Stream) SetPipeline(p Snapshotter) {
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
}

// Snapshot returns the attached pipeline's snapshot, or false when no
// pipeline is attached yet.
func (s *Stream) Snapshot() (pipeline.StreamSnapshot, bool) {
	s.mu.RLock()
	p := s.pipeline
	s.mu.RUnlock()
	if p == nil {
		return pipeline.StreamSnapshot{}, false
	}
	return p.StreamSnapshot(), true
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream with this key already exists.
func (m *Manager) Create(key, protocol string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key, "protocol", protocol)
	return s, true
}

// Get returns the stream for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", key, "uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// List returns all active streams sorted by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Snapshots returns the pipeline snapshot of every stream that has one.
func (m *Manager) Snapshots() []pipeline.StreamSnapshot {
	var out []pipeline.StreamSnapshot
	for _, s := range m.List() {
		if snap, ok := s.Snapshot(); ok {
			out = append(out, snap)
		}
	}
	return out
}
