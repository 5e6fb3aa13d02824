package ingest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, err := r.Register("test-stream", "SRT")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if stream.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", stream.Key, "test-stream")
	}
	if stream.Protocol != "SRT" {
		t.Fatalf("got protocol %q, want %q", stream.Protocol, "SRT")
	}
	if stream.Reader() == nil {
		t.Fatal("reader is nil")
	}

	got, ok := r.Get("test-stream")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, err := r.Register("dup", "SRT"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register("dup", "QUIC"); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("got %v, want ErrStreamExists", err)
	}

	r.Unregister("dup")
	if _, err := r.Register("dup", "QUIC"); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("stream1", "WS")

	r.Unregister("stream1")

	if _, ok := r.Get("stream1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestRegistryUnregisterMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	// Should not panic.
	r.Unregister("nonexistent")
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("stream1", "SRT")
	r.Unregister("stream1")

	buf := make([]byte, 1)
	if _, err := stream.input.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	type call struct {
		key, protocol string
		data          []byte
	}
	got := make(chan call, 1)
	r := NewRegistry(func(s *Stream) {
		data, _ := io.ReadAll(s.Reader())
		got <- call{s.Key, s.Protocol, data}
	})

	stream, err := r.Register("cb-stream", "QUIC")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	n, err := stream.ReadFrom(strings.NewReader("container bytes"))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != 15 {
		t.Fatalf("ReadFrom copied %d bytes, want 15", n)
	}
	r.Unregister("cb-stream")

	select {
	case c := <-got:
		if c.key != "cb-stream" || c.protocol != "QUIC" || !bytes.Equal(c.data, []byte("container bytes")) {
			t.Fatalf("callback got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}
}

func TestRegistryReleaseKeepsNewerStream(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	old, _ := r.Register("cam", "SRT")
	r.Unregister("cam")

	newer, err := r.Register("cam", "QUIC")
	if err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}

	// The old transport releasing its stream late must not evict the newer one.
	r.Release(old)
	if got, ok := r.Get("cam"); !ok || got != newer {
		t.Fatal("Release of a stale stream removed the active one")
	}

	r.Release(newer)
	if _, ok := r.Get("cam"); ok {
		t.Fatal("stream still found after Release")
	}
	select {
	case <-newer.Done():
	default:
		t.Fatal("Done not closed after Release")
	}
	buf := make([]byte, 1)
	if _, err := newer.Reader().Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after Release, got %v", err)
	}

	// Releasing twice is harmless.
	r.Release(newer)
}

func TestStreamReadFromClosedPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", "SRT")
	stream.input.Close()

	if _, err := stream.ReadFrom(strings.NewReader("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("got %v, want ErrClosedPipe", err)
	}
}

func TestStreamRecordRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", "SRT")

	stream.RecordRead(100)
	stream.RecordRead(200)

	stats := stream.IngestStats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
}

func TestStreamSetRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _ := r.Register("s1", "SRT")

	stream.SetRemoteAddr("192.168.1.1:5000")

	if got := stream.IngestStats().RemoteAddr; got != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", got, "192.168.1.1:5000")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register("b", "SRT")
	r.Register("a", "WS")

	list := r.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].Protocol != "SRT" {
		t.Fatalf("got %+v", list)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "stream-" + string(rune('A'+n%26))
			r.Register(key, "SRT")
			r.Get(key)
			r.List()
			r.Unregister(key)
		}(i)
	}

	wg.Wait()
}
