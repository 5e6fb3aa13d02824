package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/capture/synth"
)

func NewDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := synth.New(synthConfig(), nil)
			devs, err := capture.ListDevices(cmd.Context(), backend)
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				faint.Fprintln(os.Stdout, "No capture devices found.")
				return nil
			}
			for i, d := range devs {
				kind := d.Kind.String()
				fmt.Printf("%d. %s %s\n", i+1, kindColor(kind).Sprint(d.Name), faint.Sprintf("(%s, %s)", kind, backend.Name()))
			}
			return nil
		},
	}
	addSynthFlags(cmd.Flags())
	return cmd
}
