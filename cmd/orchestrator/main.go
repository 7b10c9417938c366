// Command orchestrator runs the stream session orchestrator: the HTTP and
// signaling API, the transcode supervisor, the cleanup scheduler and the
// peer transport negotiator in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"stream-orchestrator/internal/config"
	"stream-orchestrator/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err = applyFlags(cfg, args, stderr)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Writer: stderr,
	})

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// applyFlags lets command-line flags override environment settings. Flag
// defaults are the environment values, so unset flags change nothing.
func applyFlags(cfg config.Config, args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or text)")
	fs.StringVar(&cfg.OutputRoot, "output-root", cfg.OutputRoot, "directory holding per-stream HLS output")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "ffmpeg executable")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum concurrent sessions")
	fs.DurationVar(&cfg.MaxDuration, "max-stream-duration", cfg.MaxDuration, "stop live sessions older than this (0 disables)")
	fs.DurationVar(&cfg.CleanupDelay, "cleanup-delay", cfg.CleanupDelay, "delay before removing ended session output")
	fs.StringVar(&cfg.DefaultQuality, "default-quality", cfg.DefaultQuality, "quality preset used when the source width is unknown")
	fs.StringVar(&cfg.LadderFile, "ladder-file", cfg.LadderFile, "YAML file overriding the quality presets")
	fs.StringVar(&cfg.RTC.AnnouncedIP, "rtc-announced-ip", cfg.RTC.AnnouncedIP, "IP advertised in ICE candidates")
	fs.IntVar(&cfg.RTC.MinPort, "rtc-min-port", cfg.RTC.MinPort, "lowest media port")
	fs.IntVar(&cfg.RTC.MaxPort, "rtc-max-port", cfg.RTC.MaxPort, "highest media port")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address for session notifications")
	fs.StringVar(&cfg.Postgres.DSN, "postgres-dsn", cfg.Postgres.DSN, "Postgres connection string for session history")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
