package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/capmux/internal/capture/synth"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("debug", false)
	v.SetDefault("srt-addr", ":6000")
	v.SetDefault("quic-addr", ":6001")
	v.SetDefault("ws-addr", ":6002")
	v.SetDefault("caching", 0)
	v.SetDefault("status-interval", 10*time.Second)

	// CAPMUX_SRT_ADDR, CAPMUX_CACHING, ...
	v.SetEnvPrefix("capmux")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindEnv("debug", "CAPMUX_DEBUG", "DEBUG")
}

// bindFlags binds the flags of the command being run, so keys shared by
// several commands resolve to the invoked command's flags.
func bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err == nil {
			err = v.BindPFlag(f.Name, f)
		}
	})
	return err
}

func setupLogging() {
	level := slog.LevelInfo
	if v.GetBool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// cachingDelay returns the configured caching in milliseconds as a duration.
func cachingDelay() time.Duration {
	ms := v.GetInt("caching")
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// synthConfig builds the synthetic backend configuration from the synth
// flags.
func synthConfig() synth.Config {
	cfg := synth.DefaultConfig()
	if n := v.GetInt("fps"); n > 0 {
		cfg.FPS = n
	}
	if n := v.GetUint32("width"); n > 0 {
		cfg.Width = n
	}
	if n := v.GetUint32("height"); n > 0 {
		cfg.Height = n
	}
	if n := v.GetUint32("sample-rate"); n > 0 {
		cfg.SampleRate = n
	}
	if n := v.GetUint32("channels"); n > 0 {
		cfg.Channels = n
	}
	return cfg
}

func addSynthFlags(flags *pflag.FlagSet) {
	def := synth.DefaultConfig()
	flags.Int("fps", def.FPS, "Synthetic camera frame rate")
	flags.Uint32("width", def.Width, "Synthetic camera width")
	flags.Uint32("height", def.Height, "Synthetic camera height")
	flags.Uint32("sample-rate", def.SampleRate, "Synthetic microphone sample rate")
	flags.Uint32("channels", def.Channels, "Synthetic microphone channel count")
}
