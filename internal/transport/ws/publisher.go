package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeChunkSize = 64 * 1024
	closeWait      = time.Second
)

// Publisher pushes a container stream to a capmux WebSocket endpoint.
type Publisher struct {
	log *slog.Logger
	url string
}

// NewPublisher creates a Publisher for baseURL (ws:// or wss://, without
// the publish path). If log is nil, slog.Default() is used.
func NewPublisher(baseURL, streamKey string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log: log.With("component", "ws-publisher", "stream_key", streamKey),
		url: baseURL + "/publish/" + url.PathEscape(streamKey),
	}
}

// Publish dials the endpoint and sends src as binary messages until src
// ends, a write fails, or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, src io.Reader) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", p.url, err)
	}
	defer conn.Close()
	p.log.Info("connected", "url", p.url)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, writeChunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ws: write: %w", err)
			}
			total += int64(n)
		}
		if rerr != nil {
			p.log.Info("publish ended", "bytes", total, "error", rerr)
			if ctx.Err() != nil || errors.Is(rerr, context.Canceled) {
				return nil
			}
			if !errors.Is(rerr, io.EOF) {
				return rerr
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		}
	}
}
