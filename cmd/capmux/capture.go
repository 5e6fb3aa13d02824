package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/capture/synth"
)

func NewCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture devices into a container stream",
		Long: `Open a capture session for the given selection and write the interleaved
container stream to a file, stdout, or a remote capmux server.`,
		Example: `  capmux capture -o out.dsh --duration 5s
  capmux capture -s 'dshow://:vdev=Synthetic Camera:caching=300' -o -
  capmux capture --publish srt://localhost:6000 --key cam1
  capmux capture --publish quic://localhost:6001 --key cam1 --fingerprint <hex>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringP("selection", "s", "dshow://", "Capture selection (scheme://:vdev=NAME:adev=NAME:caching=MS)")
	flags.StringP("output", "o", "", "Output file, or - for stdout")
	flags.String("publish", "", "Publish target (srt://, quic://, ws:// or wss://)")
	flags.String("key", "", "Stream key when publishing (default: the session ID)")
	flags.String("fingerprint", "", "SHA-256 fingerprint pinning the QUIC server certificate")
	flags.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	addSynthFlags(flags)

	return cmd
}

func runCapture(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := v.GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	output, target := v.GetString("output"), v.GetString("publish")
	if output == "" && target == "" {
		return errors.New("one of --output or --publish is required")
	}

	log := slog.Default()
	backend := synth.New(synthConfig(), log)
	session, err := capture.Open(ctx, backend, v.GetString("selection"), capture.OpenOptLogger(log))
	if err != nil {
		return err
	}
	defer session.Close()

	for _, t := range session.Tracks() {
		log.Info("track", "format", t.String())
	}

	var dst func(ctx context.Context, src io.Reader) error
	if target != "" {
		key := v.GetString("key")
		if key == "" {
			key = session.ID
		}
		pub, err := newPublisher(target, key, v.GetString("fingerprint"), log)
		if err != nil {
			return err
		}
		dst = pub.Publish
	} else {
		w, closeFn, err := openOutput(output)
		if err != nil {
			return err
		}
		defer closeFn()
		dst = func(ctx context.Context, src io.Reader) error {
			_, err := io.Copy(w, src)
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := dst(ctx, session)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return session.Close()
	})

	start := time.Now()
	err = g.Wait()
	stats := session.Stats()
	log.Info("capture finished",
		"session", session.ID,
		"frames", stats.Frames,
		"bytes", stats.Bytes,
		"empty_polls", stats.EmptyPolls,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return err
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}
