package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zsiec/capmux/internal/clock"
	"github.com/zsiec/capmux/internal/container"
	"github.com/zsiec/capmux/internal/media"
)

func NewProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe [file|-]",
		Short: "Print the tracks of a container stream",
		Long: `Decode the container header and list its tracks. With --frames the whole
stream is scanned and per-track frame counts and clock ranges are reported.`,
		Example: `  capmux probe out.dsh
  capmux probe out.dsh --frames`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runProbe(os.Stdout, in, v.GetBool("frames"))
		},
	}

	cmd.Flags().Bool("frames", false, "Scan every frame and report per-track totals")

	return cmd
}

// frameTotals accumulates the scanned frames of one track.
type frameTotals struct {
	Frames  int64
	Bytes   int64
	Unknown int64
	First   uint64
	Last    uint64
}

func runProbe(w io.Writer, in io.Reader, frames bool) error {
	br := bufio.NewReaderSize(in, container.HeaderSize(container.MaxTracks))
	tracks, err := readHeader(br)
	if err != nil {
		return err
	}
	printTracks(w, tracks)
	if !frames {
		return nil
	}

	totals, stray, err := scanFrames(br, len(tracks))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerColor.Sprint("ID\tFRAMES\tBYTES\tUNKNOWN CLOCK\tFIRST (us)\tLAST (us)"))
	for i, t := range totals {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", i+1, t.Frames, t.Bytes, t.Unknown,
			clock.ToMicros(t.First), clock.ToMicros(t.Last))
	}
	tw.Flush()
	if stray > 0 {
		faint.Fprintf(w, "%d frames reference undeclared tracks\n", stray)
	}
	return nil
}

func readHeader(br *bufio.Reader) ([]media.TrackDescriptor, error) {
	prefix, err := br.Peek(container.HeaderPrefixSize)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	count, err := container.PeekTrackCount(prefix)
	if err != nil {
		return nil, err
	}
	size := container.HeaderSize(count)
	hdr, err := br.Peek(size)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	tracks, err := container.DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := br.Discard(size); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return tracks, nil
}

// scanFrames walks the frame units after the header. A truncated final
// frame ends the scan without error.
func scanFrames(br *bufio.Reader, ntracks int) ([]frameTotals, int64, error) {
	totals := make([]frameTotals, ntracks)
	var stray int64
	var micro [container.FrameHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, micro[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return totals, stray, nil
			}
			return nil, 0, err
		}
		fh, err := container.ParseFrameHeader(micro[:])
		if err != nil {
			return nil, 0, err
		}
		if _, err := br.Discard(int(fh.Size)); err != nil {
			if errors.Is(err, io.EOF) {
				return totals, stray, nil
			}
			return nil, 0, err
		}
		if int(fh.Track) >= ntracks {
			stray++
			continue
		}
		t := &totals[fh.Track]
		t.Frames++
		t.Bytes += int64(fh.Size)
		if fh.Clock == 0 {
			t.Unknown++
			continue
		}
		if t.First == 0 {
			t.First = fh.Clock
		}
		t.Last = fh.Clock
	}
}
