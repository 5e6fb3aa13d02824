package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/capmux/internal/container"
	"github.com/zsiec/capmux/internal/media"
)

var (
	videoDesc = media.TrackDescriptor{Codec: media.MakeFourCC("RV24"), Format: media.VideoFormat{Width: 4, Height: 2}}
	audioDesc = media.TrackDescriptor{Codec: media.MakeFourCC("araw"), Format: media.AudioFormat{Channels: 2, SampleRate: 44100, BitsPerSample: 16}}
)

// fakeSource serves queued samples, optionally after a number of misses.
// When endless is set it serves the same payload forever.
type fakeSource struct {
	desc    media.TrackDescriptor
	samples []media.Sample
	misses  int
	endless []byte
	calls   int
}

func (f *fakeSource) Descriptor() media.TrackDescriptor { return f.desc }

func (f *fakeSource) NextSample() (media.Sample, bool) {
	f.calls++
	if f.misses > 0 {
		f.misses--
		return media.Sample{}, false
	}
	if f.endless != nil {
		return media.Sample{Data: f.endless}, true
	}
	if len(f.samples) == 0 {
		return media.Sample{}, false
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, true
}

func newMux(t *testing.T, tracks ...media.FrameSource) *Multiplexer {
	t.Helper()
	m, err := NewMultiplexer(context.Background(), tracks, MuxOptRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("NewMultiplexer: %v", err)
	}
	return m
}

// readFrame consumes one Read and parses it as a single frame unit.
func readFrame(t *testing.T, m *Multiplexer, buf []byte) (container.FrameHeader, []byte) {
	t.Helper()
	n, err := m.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	h, err := container.ParseFrameHeader(buf[:n])
	if err != nil {
		t.Fatalf("ParseFrameHeader: %v", err)
	}
	if n != container.FrameHeaderSize+int(h.Size) {
		t.Fatalf("read %d bytes, want exactly one frame of %d", n, container.FrameHeaderSize+int(h.Size))
	}
	return h, buf[container.FrameHeaderSize:n]
}

func TestNewMultiplexerRejects(t *testing.T) {
	t.Parallel()

	if _, err := NewMultiplexer(context.Background(), nil); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("got %v, want ErrNoTracks", err)
	}
	bad := &fakeSource{desc: media.TrackDescriptor{Codec: media.MakeFourCC("XXXX")}}
	if _, err := NewMultiplexer(context.Background(), []media.FrameSource{bad}); !errors.Is(err, container.ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
}

func TestFirstReadCarriesHeaderAndOneFrame(t *testing.T) {
	t.Parallel()

	v := &fakeSource{desc: videoDesc, samples: []media.Sample{
		{Data: []byte("frame-1"), PTS: 10_000_000},
		{Data: []byte("frame-2"), PTS: 10_400_000},
	}}
	a := &fakeSource{desc: audioDesc, samples: []media.Sample{{Data: []byte("pcm"), Captured: 20_000_000}}}
	m := newMux(t, v, a)

	buf := make([]byte, 4096)
	n, err := m.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	hdrLen := container.HeaderSize(2)
	tracks, err := container.DecodeHeader(buf[:n])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if len(tracks) != 2 || tracks[0] != videoDesc || tracks[1] != audioDesc {
		t.Fatalf("got tracks %v", tracks)
	}

	h, err := container.ParseFrameHeader(buf[hdrLen:n])
	if err != nil {
		t.Fatalf("ParseFrameHeader: %v", err)
	}
	if h.Track != 0 || h.Size != 7 || h.Clock != 90000 {
		t.Fatalf("got %+v, want track 0 size 7 clock 90000", h)
	}
	if n != hdrLen+container.FrameHeaderSize+7 {
		t.Fatalf("got %d bytes, want header plus one frame", n)
	}

	h, payload := readFrame(t, m, buf)
	if h.Track != 1 || string(payload) != "pcm" {
		t.Fatalf("got track %d payload %q, want audio", h.Track, payload)
	}
	if h.Clock != 180000 {
		t.Fatalf("fallback clock: got %d, want 180000", h.Clock)
	}

	h, payload = readFrame(t, m, buf)
	if h.Track != 0 || string(payload) != "frame-2" || h.Clock != 93600 {
		t.Fatalf("got %+v %q", h, payload)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	t.Parallel()

	const k = 3
	tracks := make([]media.FrameSource, k)
	for i := range tracks {
		tracks[i] = &fakeSource{desc: videoDesc, endless: []byte{byte(i)}}
	}
	m := newMux(t, tracks...)

	buf := make([]byte, 256)
	if _, err := m.Read(buf[:container.HeaderSize(k)]); err != nil {
		t.Fatalf("Read header: %v", err)
	}

	for round := 0; round < 4; round++ {
		for want := 0; want < k; want++ {
			h, payload := readFrame(t, m, buf)
			if int(h.Track) != want || payload[0] != byte(want) {
				t.Fatalf("round %d: got track %d, want %d", round, h.Track, want)
			}
		}
	}
	if got := m.Stats().Frames; got != 4*k {
		t.Fatalf("frames: got %d, want %d", got, 4*k)
	}
}

func TestRetriesSameTrack(t *testing.T) {
	t.Parallel()

	v := &fakeSource{desc: videoDesc, misses: 3, samples: []media.Sample{{Data: []byte("late")}}}
	a := &fakeSource{desc: audioDesc, endless: []byte("a")}
	m := newMux(t, v, a)

	buf := make([]byte, 256)
	m.Read(buf[:container.HeaderSize(2)])

	h, payload := readFrame(t, m, buf)
	if h.Track != 0 || string(payload) != "late" {
		t.Fatalf("got track %d %q, want the waited-for video frame", h.Track, payload)
	}
	if a.calls != 0 {
		t.Fatalf("audio polled %d times while video was pending", a.calls)
	}
	if v.calls != 4 {
		t.Fatalf("video polled %d times, want 4", v.calls)
	}
	if got := m.Stats().EmptyPolls; got != 3 {
		t.Fatalf("empty polls: got %d, want 3", got)
	}
}

func TestSmallBuffersReassemble(t *testing.T) {
	t.Parallel()

	v := &fakeSource{desc: videoDesc, samples: []media.Sample{
		{Data: bytes.Repeat([]byte{0xAA}, 37), PTS: 1000},
		{Data: bytes.Repeat([]byte{0xBB}, 11), PTS: 2000},
	}}
	a := &fakeSource{desc: audioDesc, samples: []media.Sample{{Data: bytes.Repeat([]byte{0xCC}, 5), PTS: 1500}}}
	m, err := NewMultiplexer(context.Background(), []media.FrameSource{v, a}, MuxOptMaxIdle(1))
	if err != nil {
		t.Fatalf("NewMultiplexer: %v", err)
	}

	var out bytes.Buffer
	buf := make([]byte, 5)
	for {
		n, err := m.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		out.Write(buf[:n])
	}

	want := container.EncodeHeader([]media.TrackDescriptor{videoDesc, audioDesc})
	want = container.FrameHeader{Track: 0, Size: 37, Clock: 9}.Append(want)
	want = append(want, bytes.Repeat([]byte{0xAA}, 37)...)
	want = container.FrameHeader{Track: 1, Size: 5, Clock: 13}.Append(want)
	want = append(want, bytes.Repeat([]byte{0xCC}, 5)...)
	want = container.FrameHeader{Track: 0, Size: 11, Clock: 18}.Append(want)
	want = append(want, bytes.Repeat([]byte{0xBB}, 11)...)

	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %x\nwant %x", out.Bytes(), want)
	}
}

func TestZeroLengthPayload(t *testing.T) {
	t.Parallel()

	v := &fakeSource{desc: videoDesc, samples: []media.Sample{{}, {Data: []byte("x")}}}
	m := newMux(t, v)

	buf := make([]byte, 256)
	m.Read(buf[:container.HeaderSize(1)])

	h, payload := readFrame(t, m, buf)
	if h.Size != 0 || len(payload) != 0 {
		t.Fatalf("got %+v, want empty frame", h)
	}
	h, payload = readFrame(t, m, buf)
	if h.Size != 1 || string(payload) != "x" {
		t.Fatalf("got %+v %q", h, payload)
	}
}

func TestHeaderReturnedWithoutWaiting(t *testing.T) {
	t.Parallel()

	m := newMux(t, &fakeSource{desc: videoDesc})

	buf := make([]byte, 256)
	n, err := m.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != container.HeaderSize(1) {
		t.Fatalf("got %d bytes, want header only (%d)", n, container.HeaderSize(1))
	}
}

func TestMaxIdleReturnsZero(t *testing.T) {
	t.Parallel()

	src := &fakeSource{desc: videoDesc}
	m, err := NewMultiplexer(context.Background(), []media.FrameSource{src},
		MuxOptRetryDelay(time.Millisecond), MuxOptMaxIdle(3))
	if err != nil {
		t.Fatalf("NewMultiplexer: %v", err)
	}
	buf := make([]byte, 256)
	m.Read(buf)

	n, err := m.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", n, err)
	}
	if src.calls != 4 {
		t.Fatalf("got %d polls, want 4", src.calls)
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m, err := NewMultiplexer(ctx, []media.FrameSource{&fakeSource{desc: videoDesc}}, MuxOptRetryDelay(time.Hour))
	if err != nil {
		t.Fatalf("NewMultiplexer: %v", err)
	}
	buf := make([]byte, 256)
	m.Read(buf)

	done := make(chan error, 1)
	go func() {
		_, err := m.Read(buf)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after cancel")
	}
}

func TestMultiplexerIsReader(t *testing.T) {
	t.Parallel()

	var _ io.Reader = (*Multiplexer)(nil)

	m := newMux(t, &fakeSource{desc: audioDesc, endless: []byte("pcm")})
	if got := m.Tracks(); len(got) != 1 || got[0] != audioDesc {
		t.Fatalf("got %v", got)
	}
}
