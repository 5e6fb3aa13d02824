package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/certs"
	"github.com/zsiec/capmux/internal/demux"
	"github.com/zsiec/capmux/internal/ingest"
	"github.com/zsiec/capmux/internal/pipeline"
	"github.com/zsiec/capmux/internal/stream"
	quictransport "github.com/zsiec/capmux/internal/transport/quic"
	srttransport "github.com/zsiec/capmux/internal/transport/srt"
	wstransport "github.com/zsiec/capmux/internal/transport/ws"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive container streams over SRT, QUIC and WebSocket",
		Long: `Listen for published container streams and demux each one. An empty
address disables that transport. With --out-dir every stream's tracks are
written to files prefixed with the stream key.`,
		Example: `  capmux serve --out-dir ./recordings
  CAPMUX_QUIC_ADDR= capmux serve --srt-addr :7000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("srt-addr", ":6000", "SRT listen address")
	flags.String("quic-addr", ":6001", "QUIC listen address")
	flags.String("ws-addr", ":6002", "WebSocket listen address")
	flags.String("out-dir", "", "Write every stream's tracks under this directory")
	flags.Int("caching", 0, "PTS delay in milliseconds")
	flags.Duration("status-interval", 10*time.Second, "Interval between stream status logs (0 disables)")

	return cmd
}

type server struct {
	log      *slog.Logger
	mgr      *stream.Manager
	registry *ingest.Registry
	outDir   string
	delay    time.Duration
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &server{
		log:    slog.Default(),
		mgr:    stream.NewManager(nil),
		outDir: v.GetString("out-dir"),
		delay:  cachingDelay(),
	}

	srtAddr, quicAddr, wsAddr := v.GetString("srt-addr"), v.GetString("quic-addr"), v.GetString("ws-addr")
	if srtAddr == "" && quicAddr == "" && wsAddr == "" {
		return errors.New("every transport is disabled")
	}
	s.log.Info("capmux starting", "version", version, "srt", srtAddr, "quic", quicAddr, "ws", wsAddr)

	g, ctx := errgroup.WithContext(ctx)

	// The registry callback captures the errgroup context so pipelines stop
	// when any listener fails.
	s.registry = ingest.NewRegistry(func(in *ingest.Stream) {
		s.handleNewStream(ctx, in)
	})

	if srtAddr != "" {
		srv := srttransport.NewServer(srtAddr, s.registry, nil)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if quicAddr != "" {
		cert, err := certs.Generate(0)
		if err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
		s.log.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv := quictransport.NewServer(quicAddr, cert, s.registry, nil)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if wsAddr != "" {
		mux := http.NewServeMux()
		wstransport.NewHandler(s.registry, nil).Register(mux)
		httpSrv := &http.Server{Addr: wsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			s.log.Info("WebSocket server listening", "addr", wsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("WebSocket server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if interval := v.GetDuration("status-interval"); interval > 0 {
		g.Go(func() error {
			s.reportStatus(ctx, interval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Error("server error", "error", err)
		return err
	}
	return nil
}

func (s *server) handleNewStream(ctx context.Context, in *ingest.Stream) {
	key := in.Key
	st, ok := s.claim(ctx, key, in.Protocol)
	if !ok {
		s.registry.Release(in)
		return
	}
	defer s.mgr.Remove(key)

	out, err := buildOutput(s.streamDir(), key, s.log)
	if err != nil {
		s.log.Error("output setup failed", "stream", key, "error", err)
		s.registry.Release(in)
		return
	}

	p := pipeline.New(key, in.Reader(), out, s.log, demux.DemuxerOptPTSDelay(s.delay))
	p.SetProtocol(in.Protocol)
	st.SetPipeline(p)

	if err := p.Run(ctx); err != nil {
		s.log.Error("pipeline error", "stream", key, "error", err)
	}
	// Closing the ingest stream ends the publisher's connection if it is
	// still sending.
	s.registry.Release(in)
	s.log.Info("stream ended", "key", key)
}

// claim creates the managed stream for key. A reconnecting publisher can
// arrive while the previous pipeline for the same key is still draining, so
// claim waits for that stream to be removed instead of dropping the new one.
func (s *server) claim(ctx context.Context, key, protocol string) (*stream.Stream, bool) {
	for {
		st, created := s.mgr.Create(key, protocol)
		if created {
			return st, true
		}
		old, ok := s.mgr.Get(key)
		if !ok {
			continue
		}
		s.log.Info("waiting for previous stream", "key", key)
		select {
		case <-old.Done():
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *server) streamDir() string {
	if s.outDir == "" {
		return ""
	}
	return filepath.Join(s.outDir, time.Now().UTC().Format("20060102"))
}

func (s *server) reportStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ingests := s.registry.List()
			for _, snap := range s.mgr.Snapshots() {
				attrs := []any{
					"key", snap.Key,
					"protocol", snap.Protocol,
					"uptime_ms", snap.UptimeMs,
					"packets", snap.Demux.Packets,
					"bytes", snap.Demux.Bytes,
					"dropped", snap.Demux.Dropped,
				}
				if snap.Demux.HasReference {
					attrs = append(attrs, "clock_us", snap.Demux.ReferenceUs)
				}
				for _, in := range ingests {
					if in.Key == snap.Key {
						attrs = append(attrs, "remote", in.RemoteAddr, "received", in.BytesReceived)
					}
				}
				s.log.Info("stream status", attrs...)
			}
		}
	}
}
