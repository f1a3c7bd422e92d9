// Command sentineld is the host-security telemetry agent binary. It loads a
// YAML configuration file, wires together the correlation engine (pre-exec
// queue, process table, correlator, acquisition pipeline, recovery service,
// worker pool), the kernel-feed and audit-feed sources, the tamper-evident
// audit log and durable outbox, the optional Postgres mirror, and the
// health/metrics and REST API HTTP listeners, then shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripwire/sentineld/internal/config"
	"github.com/tripwire/sentineld/internal/daemon"
)

func main() {
	configPath := flag.String("config", "/etc/sentineld/config.yaml", "path to the sentineld YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
		slog.String("api_addr", cfg.API.Addr),
	)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	d.Stop()

	logger.Info("sentineld exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
