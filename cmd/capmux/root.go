package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "capmux",
	Short: "Capture devices into a .dsh container stream",
	Long: `capmux binds one video and one audio capture device, interleaves their
frames into the .dsh container and writes or publishes the stream. It can also
receive container streams over SRT, QUIC and WebSocket and demux them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
		setupLogging()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if show, _ := cmd.Flags().GetBool("version"); show {
			fmt.Printf("capmux version %s\n", version)
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewCaptureCommand())
	rootCmd.AddCommand(NewDemuxCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewDevicesCommand())
}
