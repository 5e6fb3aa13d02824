// Package media defines the track, sample, and packet types that flow
// between capture sources, the multiplexer, and the demuxer.
package media

import "fmt"

// Kind identifies whether a track carries video or audio.
type Kind int

// Track kinds.
const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FourCC is a four-character codec tag such as "RV24" or "araw".
type FourCC [4]byte

// MakeFourCC builds a FourCC from s, truncating or space-padding to four bytes.
func MakeFourCC(s string) FourCC {
	f := FourCC{' ', ' ', ' ', ' '}
	copy(f[:], s)
	return f
}

func (f FourCC) String() string {
	return string(f[:])
}

// TrackFormat holds the kind-specific fields of a track. It is implemented
// by VideoFormat and AudioFormat only.
type TrackFormat interface {
	Kind() Kind
	isTrackFormat()
}

// VideoFormat describes an uncompressed video track.
type VideoFormat struct {
	Width  uint32
	Height uint32
}

// Kind returns KindVideo.
func (VideoFormat) Kind() Kind   { return KindVideo }
func (VideoFormat) isTrackFormat() {}

// AudioFormat describes an uncompressed audio track.
type AudioFormat struct {
	Channels      uint32
	SampleRate    uint32
	BitsPerSample uint32
}

// Kind returns KindAudio.
func (AudioFormat) Kind() Kind   { return KindAudio }
func (AudioFormat) isTrackFormat() {}

// BlockAlign is the size in bytes of one sample frame across all channels.
func (a AudioFormat) BlockAlign() uint32 {
	return a.BitsPerSample * a.Channels / 8
}

// ByteRate is the average number of payload bytes per second.
func (a AudioFormat) ByteRate() uint32 {
	return a.BlockAlign() * a.SampleRate
}

// TrackDescriptor declares one track of a container: its codec tag and
// kind-specific format. Descriptors are immutable once a container is open.
type TrackDescriptor struct {
	Codec  FourCC
	Format TrackFormat
}

// Kind reports the track kind, or 0 when Format is unset.
func (d TrackDescriptor) Kind() Kind {
	if d.Format == nil {
		return 0
	}
	return d.Format.Kind()
}

func (d TrackDescriptor) String() string {
	switch f := d.Format.(type) {
	case VideoFormat:
		return fmt.Sprintf("video %s %dx%d", d.Codec, f.Width, f.Height)
	case AudioFormat:
		return fmt.Sprintf("audio %s %dch %dHz %dbit", d.Codec, f.Channels, f.SampleRate, f.BitsPerSample)
	default:
		return fmt.Sprintf("unknown %s", d.Codec)
	}
}

// Sample is one raw unit pulled from a capture source. Timestamps are in
// 100 ns ticks; zero means the value was not reported.
type Sample struct {
	Data []byte
	// PTS is the timestamp reported by the source itself.
	PTS int64
	// Captured is the local capture time recorded when the sample arrived.
	Captured int64
}

// FrameSource yields raw samples for a single track. NextSample never
// blocks: ok is false when no sample is currently available.
type FrameSource interface {
	Descriptor() TrackDescriptor
	NextSample() (s Sample, ok bool)
}

// Packet is a demuxed payload addressed to one elementary stream. PTS is
// in microseconds and only meaningful when HasPTS is true.
type Packet struct {
	StreamID int
	PTS      int64
	HasPTS   bool
	Data     []byte
}
