package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zsiec/capmux/internal/demux"
	"github.com/zsiec/capmux/internal/media"
)

// LogOutput logs every track and, at debug level, every packet.
type LogOutput struct {
	log *slog.Logger
}

// NewLogOutput creates a LogOutput. If log is nil, slog.Default() is used.
func NewLogOutput(log *slog.Logger) *LogOutput {
	if log == nil {
		log = slog.Default()
	}
	return &LogOutput{log: log.With("component", "log-output")}
}

func (o *LogOutput) AddTrack(es *demux.ElementaryStream) error {
	o.log.Info("track", "id", es.ID, "kind", es.Kind(), "codec", es.Descriptor.Codec.String(), "format", es.Descriptor.String())
	return nil
}

func (o *LogOutput) WritePacket(pkt media.Packet) error {
	o.log.Debug("packet", "stream", pkt.StreamID, "size", len(pkt.Data), "pts", pkt.PTS, "has_pts", pkt.HasPTS)
	return nil
}

func (o *LogOutput) Close() error { return nil }

// TrackIndex is one entry of the index file written by DirOutput.
type TrackIndex struct {
	ID            int    `json:"id"`
	Kind          string `json:"kind"`
	Codec         string `json:"codec"`
	File          string `json:"file"`
	Width         uint32 `json:"width,omitempty"`
	Height        uint32 `json:"height,omitempty"`
	SampleRate    uint32 `json:"sampleRate,omitempty"`
	Channels      uint32 `json:"channels,omitempty"`
	BitsPerSample uint32 `json:"bitsPerSample,omitempty"`
	BlockAlign    uint32 `json:"blockAlign,omitempty"`
	ByteRate      uint32 `json:"byteRate,omitempty"`
	Packets       int64  `json:"packets"`
	FirstPTS      int64  `json:"firstPts"`
	LastPTS       int64  `json:"lastPts"`
}

// DirOutput writes each stream's raw payload to its own file under a
// directory and an index.json describing the tracks on Close.
type DirOutput struct {
	dir    string
	prefix string

	mu     sync.Mutex
	files  map[int]*dirTrack
	order  []int
	closed bool
}

type dirTrack struct {
	f     *os.File
	w     *bufio.Writer
	index TrackIndex
	seen  bool
}

// NewDirOutput creates dir if needed. File names start with prefix.
func NewDirOutput(dir, prefix string) (*DirOutput, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create output dir: %w", err)
	}
	return &DirOutput{
		dir:    dir,
		prefix: sanitize(prefix),
		files:  make(map[int]*dirTrack),
	}, nil
}

func (o *DirOutput) AddTrack(es *demux.ElementaryStream) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("pipeline: output closed")
	}

	codec := strings.TrimSpace(es.Descriptor.Codec.String())
	name := fmt.Sprintf("%s-%d-%s.%s", o.prefix, es.ID, es.Kind(), strings.ToLower(sanitize(codec)))
	f, err := os.Create(filepath.Join(o.dir, name))
	if err != nil {
		return fmt.Errorf("pipeline: create track file: %w", err)
	}

	idx := TrackIndex{ID: es.ID, Kind: es.Kind().String(), Codec: codec, File: name}
	switch fm := es.Descriptor.Format.(type) {
	case media.VideoFormat:
		idx.Width, idx.Height = fm.Width, fm.Height
	case media.AudioFormat:
		idx.SampleRate, idx.Channels, idx.BitsPerSample = fm.SampleRate, fm.Channels, fm.BitsPerSample
		idx.BlockAlign, idx.ByteRate = fm.BlockAlign(), fm.ByteRate()
	}

	o.files[es.ID] = &dirTrack{f: f, w: bufio.NewWriter(f), index: idx}
	o.order = append(o.order, es.ID)
	return nil
}

func (o *DirOutput) WritePacket(pkt media.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.files[pkt.StreamID]
	if !ok {
		return fmt.Errorf("pipeline: no track %d", pkt.StreamID)
	}
	if _, err := t.w.Write(pkt.Data); err != nil {
		return fmt.Errorf("pipeline: write track %d: %w", pkt.StreamID, err)
	}
	t.index.Packets++
	if pkt.HasPTS {
		if !t.seen {
			t.index.FirstPTS = pkt.PTS
			t.seen = true
		}
		t.index.LastPTS = pkt.PTS
	}
	return nil
}

// Close flushes every track file and writes index.json.
func (o *DirOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	var errs []error
	index := make([]TrackIndex, 0, len(o.order))
	for _, id := range o.order {
		t := o.files[id]
		if err := t.w.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := t.f.Close(); err != nil {
			errs = append(errs, err)
		}
		index = append(index, t.index)
	}

	b, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		errs = append(errs, err)
	} else if err := os.WriteFile(filepath.Join(o.dir, o.prefix+"-index.json"), b, 0o644); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MultiOutput fans every call out to several outputs, stopping at the
// first error.
type MultiOutput []Output

func (m MultiOutput) AddTrack(es *demux.ElementaryStream) error {
	for _, o := range m {
		if err := o.AddTrack(es); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiOutput) WritePacket(pkt media.Packet) error {
	for _, o := range m {
		if err := o.WritePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every output and joins their errors.
func (m MultiOutput) Close() error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
