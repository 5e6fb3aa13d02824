// Package container encodes and decodes the capture container format: a
// header declaring every track, followed by frame units that each carry a
// 16-byte micro-header and an opaque payload.
//
// Header layout (all integers big-endian):
//
//	magic ".dsh" | track_count u32 | track_count × 20-byte record
//
// Each record is kind_tag[4] ("vids" or "auds"), codec fourcc[4] and three
// u32 fields: width, height, 0 for video; sample rate, channels, bits per
// sample for audio.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/capmux/internal/media"
)

// Wire sizes.
const (
	HeaderPrefixSize = 8
	RecordSize       = 20
	FrameHeaderSize  = 16
)

// MaxTracks bounds the declared track count. A session carries one video
// and one audio track; the bound keeps a corrupt count from sizing a huge
// header read.
const MaxTracks = 1024

// Magic opens every container stream.
const Magic = ".dsh"

var (
	tagVideo = [4]byte{'v', 'i', 'd', 's'}
	tagAudio = [4]byte{'a', 'u', 'd', 's'}
)

// HeaderSize returns the encoded header length for count tracks.
func HeaderSize(count int) int {
	return HeaderPrefixSize + RecordSize*count
}

// Validate checks that tracks can be encoded: between one and MaxTracks
// tracks, and every descriptor carries a video or audio format.
func Validate(tracks []media.TrackDescriptor) error {
	if len(tracks) == 0 {
		return &FormatError{Field: "track_count", Err: errNoTracks}
	}
	if len(tracks) > MaxTracks {
		return &FormatError{Field: "track_count", Err: fmt.Errorf("%w: %d > %d", errTooManyTracks, len(tracks), MaxTracks)}
	}
	for i, t := range tracks {
		switch t.Format.(type) {
		case media.VideoFormat, media.AudioFormat:
		default:
			return &FormatError{Field: fmt.Sprintf("track[%d]", i), Err: errInvalidTrack}
		}
	}
	return nil
}

// EncodeHeader serializes the container header for tracks. Descriptors
// without a known format are encoded as zeroed records; use Validate first.
func EncodeHeader(tracks []media.TrackDescriptor) []byte {
	b := make([]byte, 0, HeaderSize(len(tracks)))
	b = append(b, Magic...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(tracks)))
	for _, t := range tracks {
		b = appendRecord(b, t)
	}
	return b
}

func appendRecord(b []byte, t media.TrackDescriptor) []byte {
	var tag [4]byte
	var f0, f1, f2 uint32
	switch f := t.Format.(type) {
	case media.VideoFormat:
		tag, f0, f1 = tagVideo, f.Width, f.Height
	case media.AudioFormat:
		tag, f0, f1, f2 = tagAudio, f.SampleRate, f.Channels, f.BitsPerSample
	}
	b = append(b, tag[:]...)
	b = append(b, t.Codec[:]...)
	b = binary.BigEndian.AppendUint32(b, f0)
	b = binary.BigEndian.AppendUint32(b, f1)
	return binary.BigEndian.AppendUint32(b, f2)
}

// PeekTrackCount validates the 8-byte header prefix and returns the
// declared track count.
func PeekTrackCount(b []byte) (int, error) {
	if len(b) < HeaderPrefixSize {
		return 0, &FormatError{Field: "magic", Err: errShort}
	}
	if string(b[:4]) != Magic {
		return 0, &FormatError{Field: "magic", Err: errBadMagic}
	}
	n := binary.BigEndian.Uint32(b[4:8])
	if n == 0 {
		return 0, &FormatError{Field: "track_count", Err: errNoTracks}
	}
	if n > MaxTracks {
		return 0, &FormatError{Field: "track_count", Err: fmt.Errorf("%w: %d > %d", errTooManyTracks, n, MaxTracks)}
	}
	return int(n), nil
}

// DecodeHeader parses the container header at the start of b. Bytes past
// the header are ignored. Every failure matches ErrFormat.
func DecodeHeader(b []byte) ([]media.TrackDescriptor, error) {
	n, err := PeekTrackCount(b)
	if err != nil {
		return nil, err
	}
	if len(b) < HeaderSize(n) {
		return nil, &FormatError{
			Field: "tracks",
			Err:   fmt.Errorf("%w: have %d bytes, need %d", errShort, len(b), HeaderSize(n)),
		}
	}

	tracks := make([]media.TrackDescriptor, n)
	for i := range tracks {
		off := HeaderPrefixSize + i*RecordSize
		t, err := decodeRecord(b[off : off+RecordSize])
		if err != nil {
			return nil, &FormatError{Field: fmt.Sprintf("track[%d]", i), Err: err}
		}
		tracks[i] = t
	}
	return tracks, nil
}

func decodeRecord(r []byte) (media.TrackDescriptor, error) {
	var t media.TrackDescriptor
	copy(t.Codec[:], r[4:8])
	f0 := binary.BigEndian.Uint32(r[8:12])
	f1 := binary.BigEndian.Uint32(r[12:16])
	f2 := binary.BigEndian.Uint32(r[16:20])

	switch [4]byte(r[:4]) {
	case tagVideo:
		t.Format = media.VideoFormat{Width: f0, Height: f1}
	case tagAudio:
		t.Format = media.AudioFormat{SampleRate: f0, Channels: f1, BitsPerSample: f2}
	default:
		return t, fmt.Errorf("%w %q", errUnknownKind, r[:4])
	}
	return t, nil
}
