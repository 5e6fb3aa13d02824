package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/capmux/internal/demux"
	"github.com/zsiec/capmux/internal/pipeline"
)

func NewDemuxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demux [file|-]",
		Short: "Demux a container stream into per-track files",
		Long: `Read a container stream from a file or stdin, register its tracks and
forward every frame. With --out-dir each track's payload is written to its own
file next to a JSON index.`,
		Example: `  capmux demux out.dsh --out-dir ./tracks
  capmux capture -o - | capmux demux - --caching 300`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runDemux(cmd.Context(), path)
		},
	}

	flags := cmd.Flags()
	flags.String("out-dir", "", "Write per-track payload files and an index here")
	flags.Int("caching", 0, "PTS delay in milliseconds")

	return cmd
}

func runDemux(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var in io.Reader = os.Stdin
	key := "stdin"
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
		key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	log := slog.Default()
	out, err := buildOutput(v.GetString("out-dir"), key, log)
	if err != nil {
		return err
	}

	p := pipeline.New(key, in, out, log, demux.DemuxerOptPTSDelay(cachingDelay()))
	p.SetProtocol("file")
	err = p.Run(ctx)

	printSnapshot(os.Stdout, p.StreamSnapshot())
	return err
}

// buildOutput returns a log output, plus a directory output when dir is set.
func buildOutput(dir, prefix string, log *slog.Logger) (pipeline.Output, error) {
	if dir == "" {
		return pipeline.NewLogOutput(log), nil
	}
	d, err := pipeline.NewDirOutput(dir, prefix)
	if err != nil {
		return nil, err
	}
	return pipeline.MultiOutput{pipeline.NewLogOutput(log), d}, nil
}
