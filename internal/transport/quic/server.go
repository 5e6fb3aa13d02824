package quic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/capmux/internal/certs"
	"github.com/zsiec/capmux/internal/ingest"
)

const (
	preambleTimeout = 5 * time.Second
	maxIdleTimeout  = 30 * time.Second
	readBufferSize  = 64 * 1024
)

// Application error codes sent when closing a connection.
const (
	codeOK       quic.ApplicationErrorCode = 0
	codeRejected quic.ApplicationErrorCode = 1
)

// Server accepts QUIC publish connections.
type Server struct {
	log      *slog.Logger
	addr     string
	cert     *certs.CertInfo
	registry *ingest.Registry
}

// NewServer creates a QUIC server listening on addr with the given
// certificate. If log is nil, slog.Default() is used.
func NewServer(addr string, cert *certs.CertInfo, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "quic-server"),
		addr:     addr,
		cert:     cert,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.cert.ServerConfig(), &quic.Config{
		MaxIdleTimeout: maxIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("quic: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "fingerprint", s.cert.FingerprintHex())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()

	acceptCtx, cancel := context.WithTimeout(ctx, preambleTimeout)
	str, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		s.log.Debug("no stream opened", "remote", remote, "error", err)
		conn.CloseWithError(codeRejected, "no stream")
		return
	}

	str.SetReadDeadline(time.Now().Add(preambleTimeout))
	br := bufio.NewReaderSize(str, readBufferSize)
	key, err := ReadPreamble(br)
	if err != nil {
		s.log.Warn("bad preamble", "remote", remote, "error", err)
		conn.CloseWithError(codeRejected, "bad preamble")
		return
	}
	str.SetReadDeadline(time.Time{})

	stream, err := s.registry.Register(key, Protocol)
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", key, "error", err)
		conn.CloseWithError(codeRejected, "stream key in use")
		return
	}
	stream.SetRemoteAddr(remote)
	s.log.Info("publish", "stream_key", key, "remote", remote)

	stop := context.AfterFunc(ctx, func() { conn.CloseWithError(codeOK, "shutdown") })
	defer stop()
	go func() {
		<-stream.Done()
		conn.CloseWithError(codeOK, "")
	}()

	if _, err := stream.ReadFrom(br); err != nil && ctx.Err() == nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}
	stats := stream.IngestStats()
	s.registry.Release(stream)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "uptime_ms", stats.UptimeMs)
}
