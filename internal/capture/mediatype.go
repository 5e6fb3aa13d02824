package capture

import (
	"fmt"

	"github.com/zsiec/capmux/internal/media"
)

// Subtype names the raw sample layout a capture pin delivers.
type Subtype string

// Subtypes understood by the capture layer. Anything else is rejected with
// ErrUnsupportedCodec.
const (
	SubtypeRGB8      Subtype = "RGB8"
	SubtypeRGB555    Subtype = "RGB555"
	SubtypeRGB565    Subtype = "RGB565"
	SubtypeRGB24     Subtype = "RGB24"
	SubtypeRGB32     Subtype = "RGB32"
	SubtypeARGB32    Subtype = "ARGB32"
	SubtypeYUYV      Subtype = "YUYV"
	SubtypeY411      Subtype = "Y411"
	SubtypeY41P      Subtype = "Y41P"
	SubtypeYUY2      Subtype = "YUY2"
	SubtypeYVYU      Subtype = "YVYU"
	SubtypeYV12      Subtype = "YV12"
	SubtypePCM       Subtype = "PCM"
	SubtypeIEEEFloat Subtype = "IEEE_FLOAT"
)

var videoFourCC = map[Subtype]string{
	SubtypeRGB8:   "GREY",
	SubtypeRGB555: "RV15",
	SubtypeRGB565: "RV16",
	SubtypeRGB24:  "RV24",
	SubtypeRGB32:  "RV32",
	SubtypeARGB32: "RGBA",
	SubtypeYUYV:   "YUYV",
	SubtypeY411:   "I41N",
	SubtypeY41P:   "I411",
	SubtypeYUY2:   "YUY2",
	SubtypeYVYU:   "YVYU",
	SubtypeYV12:   "YV12",
}

var audioFourCC = map[Subtype]string{
	SubtypePCM:       "araw",
	SubtypeIEEEFloat: "fl32",
}

// MediaType is the format negotiated on a capture pin.
type MediaType struct {
	Kind    media.Kind
	Subtype Subtype

	Width  uint32
	Height uint32

	SampleRate    uint32
	Channels      uint32
	BitsPerSample uint32
}

// FourCCFor maps a negotiated media type to its container codec tag.
func FourCCFor(mt MediaType) (media.FourCC, error) {
	var table map[Subtype]string
	switch mt.Kind {
	case media.KindVideo:
		table = videoFourCC
	case media.KindAudio:
		table = audioFourCC
	}
	tag, ok := table[mt.Subtype]
	if !ok {
		return media.FourCC{}, fmt.Errorf("%w: %s subtype %q", ErrUnsupportedCodec, mt.Kind, mt.Subtype)
	}
	return media.MakeFourCC(tag), nil
}

// Descriptor builds the container track descriptor for mt.
func Descriptor(mt MediaType) (media.TrackDescriptor, error) {
	fourcc, err := FourCCFor(mt)
	if err != nil {
		return media.TrackDescriptor{}, err
	}
	d := media.TrackDescriptor{Codec: fourcc}
	if mt.Kind == media.KindVideo {
		d.Format = media.VideoFormat{Width: mt.Width, Height: mt.Height}
	} else {
		d.Format = media.AudioFormat{
			Channels:      mt.Channels,
			SampleRate:    mt.SampleRate,
			BitsPerSample: mt.BitsPerSample,
		}
	}
	return d, nil
}
