// Package synth is an in-process capture backend that produces a moving
// RGB24 colour-bar pattern and a PCM sine tone. Each bound pin is fed by a
// producer goroutine through a bounded queue, the same way a hardware
// capture callback hands samples to a polling reader.
package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/media"
)

// Config describes the devices and formats the backend exposes.
type Config struct {
	VideoDevices []string
	AudioDevices []string

	VideoSubtype capture.Subtype
	Width        uint32
	Height       uint32
	FPS          int

	AudioSubtype  capture.Subtype
	SampleRate    uint32
	Channels      uint32
	ToneHz        float64
	ChunkDuration time.Duration

	// QueueDepth bounds each pin's pending samples; the oldest are dropped
	// when a reader falls behind.
	QueueDepth int
}

// DefaultConfig returns a 320x240 25 fps camera and a 44.1 kHz stereo
// microphone.
func DefaultConfig() Config {
	return Config{
		VideoDevices:  []string{"Synthetic Camera"},
		AudioDevices:  []string{"Synthetic Microphone"},
		VideoSubtype:  capture.SubtypeRGB24,
		Width:         320,
		Height:        240,
		FPS:           25,
		AudioSubtype:  capture.SubtypePCM,
		SampleRate:    44100,
		Channels:      2,
		ToneHz:        440,
		ChunkDuration: 20 * time.Millisecond,
		QueueDepth:    8,
	}
}

// Backend is a synthetic capture subsystem.
type Backend struct {
	cfg Config
	log *slog.Logger

	active atomic.Int32
}

// New creates a Backend. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 20 * time.Millisecond
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	return &Backend{cfg: cfg, log: log.With("component", "synth")}
}

// Name returns "synth".
func (b *Backend) Name() string { return "synth" }

// Active reports how many graphs are currently acquired.
func (b *Backend) Active() int { return int(b.active.Load()) }

// Acquire returns a graph whose clock starts now.
func (b *Backend) Acquire(ctx context.Context) (capture.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.active.Add(1)
	b.log.Debug("graph acquired", "active", b.active.Load())
	return &graph{b: b, start: time.Now()}, nil
}

type graph struct {
	b     *Backend
	start time.Time

	mu     sync.Mutex
	pins   []*pin
	closed bool
}

func (g *graph) Devices(kind media.Kind) ([]capture.Device, error) {
	var names []string
	switch kind {
	case media.KindVideo:
		names = g.b.cfg.VideoDevices
	case media.KindAudio:
		names = g.b.cfg.AudioDevices
	default:
		return nil, fmt.Errorf("synth: unknown kind %s", kind)
	}
	devs := make([]capture.Device, len(names))
	for i, n := range names {
		devs[i] = capture.Device{Name: n, Kind: kind}
	}
	return devs, nil
}

func (g *graph) Bind(ctx context.Context, dev capture.Device) (capture.Pin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("synth: graph closed")
	}

	found := false
	devs, _ := g.Devices(dev.Kind)
	for _, d := range devs {
		if d.Name == dev.Name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("synth: no %s device %q", dev.Kind, dev.Name)
	}

	cfg := g.b.cfg
	p := &pin{
		queue: make(chan media.Sample, cfg.QueueDepth),
		done:  make(chan struct{}),
		start: g.start,
	}
	var produce func(n int64) []byte
	var interval time.Duration
	var stamp func(n int64) int64

	switch dev.Kind {
	case media.KindVideo:
		p.mt = capture.MediaType{Kind: media.KindVideo, Subtype: cfg.VideoSubtype, Width: cfg.Width, Height: cfg.Height}
		interval = time.Second / time.Duration(cfg.FPS)
		produce = func(n int64) []byte { return ColorBars(int(cfg.Width), int(cfg.Height), int(n)) }
		// Video reports its own timestamps; audio leaves them to the
		// capture clock.
		stamp = func(n int64) int64 { return n * 10_000_000 / int64(cfg.FPS) }
	case media.KindAudio:
		p.mt = capture.MediaType{Kind: media.KindAudio, Subtype: cfg.AudioSubtype, SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitsPerSample: 16}
		interval = cfg.ChunkDuration
		frames := int(int64(cfg.SampleRate) * int64(cfg.ChunkDuration) / int64(time.Second))
		produce = func(n int64) []byte {
			return Tone(cfg.ToneHz, int(cfg.SampleRate), int(cfg.Channels), int(n)*frames, frames)
		}
		stamp = func(int64) int64 { return 0 }
	}

	p.wg.Add(1)
	go p.run(interval, produce, stamp)
	g.pins = append(g.pins, p)
	g.b.log.Debug("pin bound", "device", dev.Name, "kind", dev.Kind, "interval", interval)
	return p, nil
}

func (g *graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pins := g.pins
	g.pins = nil
	g.mu.Unlock()

	for _, p := range pins {
		p.Close()
	}
	g.b.active.Add(-1)
	g.b.log.Debug("graph released", "active", g.b.active.Load())
	return nil
}

type pin struct {
	mt    capture.MediaType
	queue chan media.Sample
	done  chan struct{}
	start time.Time
	wg    sync.WaitGroup

	closeOnce sync.Once
	dropped   atomic.Int64
}

func (p *pin) MediaType() capture.MediaType { return p.mt }

func (p *pin) NextSample() (media.Sample, bool) {
	select {
	case s := <-p.queue:
		return s, true
	default:
		return media.Sample{}, false
	}
}

func (p *pin) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

// run produces one sample per tick until the pin is closed.
func (p *pin) run(interval time.Duration, produce func(int64) []byte, stamp func(int64) int64) {
	defer p.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for n := int64(0); ; n++ {
		s := media.Sample{
			Data:     produce(n),
			PTS:      stamp(n),
			Captured: int64(time.Since(p.start) / 100),
		}
		p.push(s)

		select {
		case <-p.done:
			return
		case <-t.C:
		}
	}
}

func (p *pin) push(s media.Sample) {
	for {
		select {
		case p.queue <- s:
			return
		default:
		}
		select {
		case <-p.queue:
			p.dropped.Add(1)
		default:
		}
	}
}

// ColorBars renders eight vertical RGB24 bars scrolled by frame pixels.
func ColorBars(width, height, frame int) []byte {
	bars := [8][3]byte{
		{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
		{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {0, 0, 0},
	}
	buf := make([]byte, width*height*3)
	if width == 0 {
		return buf
	}
	row := make([]byte, width*3)
	for x := 0; x < width; x++ {
		c := bars[((x+frame)%width)*8/width]
		copy(row[x*3:], c[:])
	}
	for y := 0; y < height; y++ {
		copy(buf[y*width*3:], row)
	}
	return buf
}

// Tone renders frames of interleaved signed 16-bit little-endian PCM,
// starting at sample offset.
func Tone(hz float64, rate, channels, offset, frames int) []byte {
	buf := make([]byte, frames*channels*2)
	if rate == 0 {
		return buf
	}
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*hz*float64(offset+i)/float64(rate)) * 0.3 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[(i*channels+c)*2:], uint16(v))
		}
	}
	return buf
}
