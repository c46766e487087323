package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/facesync/internal/config"
	"github.com/kdimtricp/facesync/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

type watchOptions struct {
	APIURL         string
	Simple         bool
	PollInterval   time.Duration
	Timeout        time.Duration
	// ReloadInterval is how often a live playlist is refetched.
	ReloadInterval time.Duration
	AutoResync     bool
	Retries        int
	ExitOnEnd      bool
	LogLevel       string
	Development    bool
}

func newRootCmd() *cobra.Command {
	opts := watchOptions{}

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow an HLS stream and print the faces detected at the playhead",
		Version: Version,
		Long: `watch asks the facesync backend for its stream, plays it headlessly,
starts face analysis and prints the face boxes active at the current playback
position once results arrive. For live streams it reports whether playback is
at the live edge.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			return opts.resolve(cmd.Flags().Changed)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.LogLevel, opts.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()

			v, err := newViewer(opts, cmd.OutOrStdout(), logger)
			if err != nil {
				return err
			}
			return v.run(cmd.Context())
		},
	}

	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := cmd.Flags()
	flags.StringVar(&opts.APIURL, "api", "http://localhost:5000", "Backend base URL (env FACESYNC_API_URL)")
	flags.BoolVar(&opts.Simple, "simple", false, "Use the on-demand /api/start_stream endpoint (env FACESYNC_SIMPLE)")
	flags.DurationVar(&opts.PollInterval, "poll-interval", time.Second, "Face data poll interval (env FACESYNC_POLL_INTERVAL)")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Give up polling for face data after this long (env FACESYNC_TIMEOUT)")
	flags.DurationVar(&opts.ReloadInterval, "reload-interval", 2*time.Second, "Live playlist reload interval")
	flags.BoolVar(&opts.AutoResync, "resync", false, "Jump back to the live edge whenever playback falls behind")
	flags.IntVar(&opts.Retries, "retries", 0, "Retry a failed or timed out analysis this many times")
	flags.BoolVar(&opts.ExitOnEnd, "exit-on-end", true, "Exit when a recorded stream finishes playing")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.BoolVar(&opts.Development, "dev", false, "Human readable logs (env LOG_DEVELOPMENT)")

	return cmd
}

// resolve fills every option whose flag was not given explicitly from the
// environment.
func (o *watchOptions) resolve(changed func(flag string) bool) error {
	env, err := config.LoadWatch()
	if err != nil {
		return err
	}
	if !changed("api") {
		o.APIURL = env.APIURL
	}
	if !changed("simple") {
		o.Simple = env.Simple
	}
	if !changed("poll-interval") {
		o.PollInterval = env.PollInterval
	}
	if !changed("timeout") {
		o.Timeout = env.Timeout
	}
	if !changed("log-level") {
		o.LogLevel = env.LogLevel
	}
	if !changed("dev") {
		o.Development = env.LogDevelopment
	}
	if o.PollInterval <= 0 || o.Timeout <= 0 {
		return fmt.Errorf("poll interval and timeout must be positive")
	}
	return nil
}
