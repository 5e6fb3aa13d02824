// Package ws carries container streams over WebSocket. Publishers connect
// to /publish/{key} and send the container bytes as binary messages; text
// messages are ignored.
package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zsiec/capmux/internal/ingest"
)

// Protocol is the name recorded on ingest streams received over WebSocket.
const Protocol = "WS"

// PublishPath is the route pattern publishers connect to.
const PublishPath = "/publish/{key}"

// Handler upgrades publish requests and feeds them to the ingest registry.
type Handler struct {
	log      *slog.Logger
	registry *ingest.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler. If log is nil, slog.Default() is used.
func NewHandler(registry *ingest.Registry, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log.With("component", "ws-server"),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			// Publishers are not browsers.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register installs the publish route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+PublishPath, h)
}

// ServeHTTP handles one publish connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		key = "default"
	}
	if _, busy := h.registry.Get(key); busy {
		http.Error(w, "stream key in use", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "stream_key", key, "error", err)
		return
	}
	defer conn.Close()

	stream, err := h.registry.Register(key, Protocol)
	if err != nil {
		h.log.Warn("rejecting publish", "stream_key", key, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "stream key in use"))
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	h.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())

	go func() {
		<-stream.Done()
		conn.Close()
	}()

	if _, err := stream.ReadFrom(&messageReader{conn: conn}); err != nil {
		h.log.Debug("read error", "stream_key", key, "error", err)
	}

	stats := stream.IngestStats()
	h.registry.Release(stream)
	h.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "uptime_ms", stats.UptimeMs)
}

// messageReader flattens the binary messages of a connection into a byte
// stream. A normal close ends it with io.EOF.
type messageReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			typ, r, err := m.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			m.cur = r
		}
		n, err := m.cur.Read(p)
		if errors.Is(err, io.EOF) {
			m.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}
