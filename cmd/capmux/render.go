package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/pipeline"
)

var (
	headerColor = color.New(color.Bold)
	videoColor  = color.New(color.FgCyan)
	audioColor  = color.New(color.FgGreen)
	faint       = color.New(color.Faint)
)

func kindColor(kind string) *color.Color {
	if kind == media.KindAudio.String() {
		return audioColor
	}
	return videoColor
}

// formatDetail renders the kind-specific fields of a track format.
func formatDetail(f media.TrackFormat) string {
	switch f := f.(type) {
	case media.VideoFormat:
		return fmt.Sprintf("%dx%d", f.Width, f.Height)
	case media.AudioFormat:
		return fmt.Sprintf("%d Hz, %d ch, %d bit (align %d, %d B/s)",
			f.SampleRate, f.Channels, f.BitsPerSample, f.BlockAlign(), f.ByteRate())
	default:
		return ""
	}
}

func printTracks(w io.Writer, tracks []media.TrackDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerColor.Sprint("ID\tKIND\tCODEC\tFORMAT"))
	for i, t := range tracks {
		kind := t.Kind().String()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, kindColor(kind).Sprint(kind),
			strings.TrimSpace(t.Codec.String()), formatDetail(t.Format))
	}
	tw.Flush()
}

func printSnapshot(w io.Writer, snap pipeline.StreamSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerColor.Sprint("ID\tKIND\tCODEC\tFORMAT\tPACKETS\tBYTES\tFILLED\tLAST PTS"))
	for _, t := range snap.Tracks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n", t.ID, kindColor(t.Kind).Sprint(t.Kind),
			t.Codec, t.Format, t.Packets, t.Bytes, t.FilledPTS, t.LastPTS)
	}
	tw.Flush()
	d := snap.Demux
	faint.Fprintf(w, "%d packets, %d bytes, %d dropped, %d unresolved, %d short reads\n",
		d.Packets, d.Bytes, d.Dropped, d.Unresolved, d.ShortReads)
	if d.HasReference {
		faint.Fprintf(w, "clock reference %s\n", time.Duration(d.ReferenceUs)*time.Microsecond)
	}
}
