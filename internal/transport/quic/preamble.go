// Package quic carries container streams over QUIC. A publisher opens one
// bidirectional stream per connection, writes a stream-key preamble (a
// QUIC varint length followed by the key bytes) and then the container
// bytes. The server reads the preamble and registers the rest of the
// stream with the ingest registry.
package quic

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Protocol is the name recorded on ingest streams received over QUIC.
const Protocol = "QUIC"

// maxKeyLen bounds the stream key carried in the preamble.
const maxKeyLen = 1024

var errKeyTooLong = errors.New("quic: stream key too long")

// AppendPreamble appends the stream-key preamble for key to b.
func AppendPreamble(b []byte, key string) []byte {
	b = quicvarint.Append(b, uint64(len(key)))
	return append(b, key...)
}

// reader is what ReadPreamble needs: byte-wise access for the varint and
// bulk reads for the key. *bufio.Reader satisfies it.
type reader interface {
	io.Reader
	io.ByteReader
}

// ReadPreamble reads a stream-key preamble from r. An empty key maps to
// "default".
func ReadPreamble(r reader) (string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return "", fmt.Errorf("quic: read key length: %w", err)
	}
	if n > maxKeyLen {
		return "", fmt.Errorf("%w: %d bytes", errKeyTooLong, n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("quic: read key: %w", err)
	}
	if len(key) == 0 {
		return "default", nil
	}
	return string(key), nil
}
