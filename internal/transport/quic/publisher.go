package quic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/capmux/internal/certs"
)

// Publisher pushes a container stream to a capmux QUIC listener.
type Publisher struct {
	log         *slog.Logger
	addr        string
	streamKey   string
	fingerprint string
}

// NewPublisher creates a Publisher for addr. A non-empty fingerprint pins
// the listener certificate (SHA-256, hex). If log is nil, slog.Default()
// is used.
func NewPublisher(addr, streamKey, fingerprint string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:         log.With("component", "quic-publisher", "stream_key", streamKey),
		addr:        addr,
		streamKey:   streamKey,
		fingerprint: fingerprint,
	}
}

// Publish dials the listener, sends the preamble and copies src until it
// ends, a write fails, or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, src io.Reader) error {
	tlsConf, err := certs.ClientConfig(p.fingerprint)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, p.addr, tlsConf, &quic.Config{MaxIdleTimeout: maxIdleTimeout})
	if err != nil {
		return fmt.Errorf("quic: dial %s: %w", p.addr, err)
	}
	defer conn.CloseWithError(codeOK, "")

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("quic: open stream: %w", err)
	}
	p.log.Info("connected", "addr", p.addr)

	stop := context.AfterFunc(ctx, func() { str.CancelWrite(0) })
	defer stop()

	if _, err := str.Write(AppendPreamble(nil, p.streamKey)); err != nil {
		return fmt.Errorf("quic: write preamble: %w", err)
	}
	n, err := io.Copy(str, src)
	p.log.Info("publish ended", "bytes", n, "error", err)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("quic: write: %w", err)
	}
	return str.Close()
}
