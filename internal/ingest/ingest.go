// Package ingest tracks container streams received over the network,
// coupling each transport connection with a pipe the demux pipeline reads
// from, plus connection metadata and counters.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamExists is returned when a key is registered twice.
var ErrStreamExists = errors.New("ingest: stream already registered")

// readBufferSize bounds a single transport read.
const readBufferSize = 64 * 1024

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an active ingest connection. Bytes copied in through ReadFrom
// are read by the demux pipeline from Reader, the other end of an
// internal pipe.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}
	closeOnce sync.Once

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Reader returns the pipeline side of the stream. It reports io.EOF once
// the stream is released.
func (s *Stream) Reader() io.Reader {
	return s.input
}

// Done is closed when the stream is released or unregistered. Transports
// close their connection on it so the host can end a publish.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.pw.Close()
		close(s.done)
	})
}

// ReadFrom copies r into the stream until r returns an error or the
// reading side of the pipe goes away. io.EOF from r is not an error.
func (s *Stream) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, readBufferSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.RecordRead(n)
			if _, werr := s.pw.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("ingest: pipe write: %w", werr)
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

// IngestStats returns a snapshot of connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key and hands each new stream to
// the onStream callback. It is the rendezvous point between the transports
// and the demux pipelines.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream)
}

// NewRegistry creates a Registry. The onStream callback is invoked
// asynchronously whenever a new stream is registered and reads the
// stream's bytes from s.Reader().
func NewRegistry(onStream func(s *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key. The returned Stream's ReadFrom feeds
// the pipe read by the pipeline. A key that is already active is rejected
// with ErrStreamExists.
func (r *Registry) Register(key, protocol string) (*Stream, error) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		pw.Close()
		return nil, fmt.Errorf("%w: %q", ErrStreamExists, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream)
	}

	return stream, nil
}

// Release removes s if it is still the active stream for its key, then
// closes its pipe and signals Done. A newer stream registered under the
// same key is left untouched.
func (r *Registry) Release(s *Stream) {
	r.mu.Lock()
	if cur, ok := r.streams[s.Key]; ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()
	s.close()
}

// Unregister removes the active stream for key, closing its pipe and
// signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.close()
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every active stream, sorted by key.
func (r *Registry) List() []IngestStats {
	r.mu.RLock()
	out := make([]IngestStats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.IngestStats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
