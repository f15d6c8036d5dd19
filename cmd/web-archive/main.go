// Command web-archive is a deduplicating storage server for captured
// web traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/web-archive/server"
	"github.com/wolfeidau/web-archive/telemetry"
)

var version = "dev"

type cli struct {
	Address      string           `help:"Address to listen on." default:":8080"`
	Storage      string           `help:"Storage directory path." default:"./archive"`
	CacheSize    int              `help:"Hot cache capacity in entries." default:"1000"`
	LogLevel     string           `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat    string           `help:"Log format (text, json)." default:"text" enum:"text,json"`
	OTLP         string           `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	Prometheus   bool             `help:"Enable the Prometheus /metrics endpoint."`
	FlushEvery   time.Duration    `help:"Session flush interval." default:"30s"`
	FlushAfter   int              `help:"Session flush record threshold." default:"50"`
	CompactEvery time.Duration    `help:"Compaction interval." default:"1h"`
	Retention    time.Duration    `help:"Idle age past which sessions are sealed." default:"24h"`
	Grace        time.Duration    `help:"Grace window before zero-reference content may be swept." default:"168h"`
	Version      kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("web-archive"),
		kong.Description("Deduplicating storage server for captured web traffic."),
		kong.Vars{"version": version},
	)

	kctx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "web-archive",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLP,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(ctx, server.Config{
		Address:              flags.Address,
		StoragePath:          flags.Storage,
		CacheEntries:         flags.CacheSize,
		SessionFlushInterval: flags.FlushEvery,
		SessionFlushRecords:  flags.FlushAfter,
		CompactInterval:      flags.CompactEvery,
		RetentionAge:         flags.Retention,
		GraceWindow:          flags.Grace,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started", "address", srv.Address(), "version", version)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
