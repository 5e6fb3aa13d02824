package container

import (
	"encoding/binary"
	"fmt"
)

// FrameHeader is the micro-header preceding every payload. Clock is in
// 90 kHz ticks; zero means the timestamp is unknown.
type FrameHeader struct {
	Track uint32
	Size  uint32
	Clock uint64
}

// Put writes h into the first FrameHeaderSize bytes of b.
func (h FrameHeader) Put(b []byte) {
	_ = b[FrameHeaderSize-1]
	binary.BigEndian.PutUint32(b[0:4], h.Track)
	binary.BigEndian.PutUint32(b[4:8], h.Size)
	binary.BigEndian.PutUint64(b[8:16], h.Clock)
}

// Append appends the encoded header to b.
func (h FrameHeader) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.Track)
	b = binary.BigEndian.AppendUint32(b, h.Size)
	return binary.BigEndian.AppendUint64(b, h.Clock)
}

// ParseFrameHeader decodes a micro-header from the start of b.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, &FormatError{
			Field: "frame_header",
			Err:   fmt.Errorf("%w: have %d bytes, need %d", errShort, len(b), FrameHeaderSize),
		}
	}
	return FrameHeader{
		Track: binary.BigEndian.Uint32(b[0:4]),
		Size:  binary.BigEndian.Uint32(b[4:8]),
		Clock: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}
