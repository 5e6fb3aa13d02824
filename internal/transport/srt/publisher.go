package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// ChunkSize is the largest payload written per SRT message.
const ChunkSize = 1316

const dialTimeout = 10 * time.Second

// Publisher pushes a container stream to a remote SRT listener.
type Publisher struct {
	log       *slog.Logger
	addr      string
	streamKey string
}

// NewPublisher creates a Publisher for addr. The stream ID sent to the
// listener is "live/<streamKey>". If log is nil, slog.Default() is used.
func NewPublisher(addr, streamKey string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:       log.With("component", "srt-publisher", "stream_key", streamKey),
		addr:      addr,
		streamKey: streamKey,
	}
}

// Publish dials the listener and copies src to it until src ends, a write
// fails, or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, src io.Reader) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = "live/" + p.streamKey

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(p.addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", p.addr, res.err)
		}
		conn = res.conn
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("srt: dial %s timed out after %s", p.addr, dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
	defer conn.Close()
	p.log.Info("connected", "addr", p.addr)

	n, err := copyChunked(ctx, conn, src, ChunkSize)
	p.log.Info("publish ended", "bytes", n, "error", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// copyChunked copies src to dst writing at most size bytes per Write.
// io.EOF from src ends the copy without error.
func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("srt: write: %w", werr)
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}
