package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/capmux/internal/container"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mux"
)

type fakePin struct {
	mt     MediaType
	mu     sync.Mutex
	queue  []media.Sample
	closed bool
}

func (p *fakePin) MediaType() MediaType { return p.mt }

func (p *fakePin) NextSample() (media.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return media.Sample{}, false
	}
	s := p.queue[0]
	p.queue = p.queue[1:]
	return s, true
}

func (p *fakePin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeBackend struct {
	devices map[media.Kind][]Device
	types   map[string]MediaType
	samples map[string][]media.Sample

	mu       sync.Mutex
	acquired int
	released int
	pins     []*fakePin
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Acquire(context.Context) (Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired++
	return &fakeGraph{b: b}, nil
}

type fakeGraph struct{ b *fakeBackend }

func (g *fakeGraph) Devices(kind media.Kind) ([]Device, error) {
	return g.b.devices[kind], nil
}

func (g *fakeGraph) Bind(_ context.Context, dev Device) (Pin, error) {
	g.b.mu.Lock()
	defer g.b.mu.Unlock()
	p := &fakePin{mt: g.b.types[dev.Name], queue: g.b.samples[dev.Name]}
	g.b.pins = append(g.b.pins, p)
	return p, nil
}

func (g *fakeGraph) Close() error {
	g.b.mu.Lock()
	defer g.b.mu.Unlock()
	g.b.released++
	return nil
}

func (b *fakeBackend) allPinsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pins {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			return false
		}
	}
	return true
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: map[media.Kind][]Device{
			media.KindVideo: {{Name: "Cam A", Kind: media.KindVideo}, {Name: "Cam B", Kind: media.KindVideo}},
			media.KindAudio: {{Name: "Mic", Kind: media.KindAudio}},
		},
		types: map[string]MediaType{
			"Cam A": {Kind: media.KindVideo, Subtype: SubtypeRGB24, Width: 320, Height: 240},
			"Cam B": {Kind: media.KindVideo, Subtype: "MJPG", Width: 640, Height: 480},
			"Mic":   {Kind: media.KindAudio, Subtype: SubtypePCM, SampleRate: 44100, Channels: 2, BitsPerSample: 16},
		},
		samples: map[string][]media.Sample{
			"Cam A": {{Data: []byte("video"), PTS: 10_000_000}},
			"Mic":   {{Data: []byte("audio"), Captured: 10_000_000}},
		},
	}
}

func TestParseSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Selection
	}{
		{"", Selection{}},
		{"dshow://", Selection{Scheme: "dshow"}},
		{"dshow://:vdev=USB Camera:adev=Line In", Selection{Scheme: "dshow", Video: "USB Camera", Audio: "Line In"}},
		{"dshow:adev=Mic", Selection{Scheme: "dshow", Audio: "Mic"}},
		{"vdev=Cam:caching=300", Selection{Video: "Cam", Caching: 300 * time.Millisecond}},
		{":vdev=Cam:size=large:adev=", Selection{Video: "Cam"}},
	}
	for _, tt := range tests {
		got, err := ParseSelection(tt.in, nil)
		if err != nil {
			t.Fatalf("ParseSelection(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseSelection(%q): got %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseSelection("caching=soon", nil); err == nil {
		t.Fatal("expected error for non-numeric caching")
	}
}

func TestFourCCFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mt   MediaType
		want string
	}{
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeRGB8}, "GREY"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeRGB555}, "RV15"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeRGB565}, "RV16"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeRGB24}, "RV24"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeRGB32}, "RV32"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeARGB32}, "RGBA"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeYUYV}, "YUYV"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeY411}, "I41N"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeY41P}, "I411"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeYUY2}, "YUY2"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeYVYU}, "YVYU"},
		{MediaType{Kind: media.KindVideo, Subtype: SubtypeYV12}, "YV12"},
		{MediaType{Kind: media.KindAudio, Subtype: SubtypePCM}, "araw"},
		{MediaType{Kind: media.KindAudio, Subtype: SubtypeIEEEFloat}, "fl32"},
	}
	for _, tt := range tests {
		got, err := FourCCFor(tt.mt)
		if err != nil {
			t.Fatalf("FourCCFor(%s): %v", tt.mt.Subtype, err)
		}
		if got.String() != tt.want {
			t.Errorf("FourCCFor(%s): got %q, want %q", tt.mt.Subtype, got, tt.want)
		}
	}

	for _, mt := range []MediaType{
		{Kind: media.KindVideo, Subtype: "MJPG"},
		{Kind: media.KindAudio, Subtype: SubtypeRGB24},
		{Kind: media.KindVideo, Subtype: SubtypePCM},
	} {
		if _, err := FourCCFor(mt); !errors.Is(err, ErrUnsupportedCodec) {
			t.Errorf("FourCCFor(%v): got %v, want ErrUnsupportedCodec", mt, err)
		}
	}
}

func TestOpenBindsFirstDevices(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	s, err := Open(context.Background(), b, "", OpenOptMux(mux.MuxOptMaxIdle(1)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.ID == "" {
		t.Fatal("session ID is empty")
	}
	tracks := s.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if tracks[0].Codec.String() != "RV24" || tracks[1].Codec.String() != "araw" {
		t.Fatalf("got %v", tracks)
	}
	if devs := s.Devices(); devs[0].Name != "Cam A" || devs[1].Name != "Mic" {
		t.Fatalf("got devices %v", devs)
	}

	buf := make([]byte, 1024)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got, err := container.DecodeHeader(buf[:n])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("header declares %d tracks", len(got))
	}
}

func TestOpenUnsupportedCodecFallsBackToAudio(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	s, err := Open(context.Background(), b, "vdev=Cam B")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	tracks := s.Tracks()
	if len(tracks) != 1 || tracks[0].Kind() != media.KindAudio {
		t.Fatalf("got %v, want audio only", tracks)
	}
	if !b.pins[0].closed {
		t.Fatal("rejected video pin was not released")
	}
}

func TestOpenNoTracks(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	_, err := Open(context.Background(), b, "vdev=Missing:adev=Nope")
	if !errors.Is(err, ErrNoTracks) {
		t.Fatalf("got %v, want ErrNoTracks", err)
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable in chain", err)
	}
	if b.acquired != 1 || b.released != 1 {
		t.Fatalf("acquired %d, released %d", b.acquired, b.released)
	}
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	s, err := Open(context.Background(), b, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if b.released != 1 {
		t.Fatalf("graph released %d times, want 1", b.released)
	}
	if !b.allPinsClosed() {
		t.Fatal("pins left open after Close")
	}
}

func TestSessionReadAfterClose(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.samples = nil
	s, err := Open(context.Background(), b, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 1024)
	s.Read(buf)
	s.Close()

	if _, err := s.Read(buf); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	devs, err := ListDevices(context.Background(), b)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devs) != 3 || devs[0].Kind != media.KindVideo || devs[2].Name != "Mic" {
		t.Fatalf("got %v", devs)
	}
	if b.released != 1 {
		t.Fatal("graph not released")
	}
}
