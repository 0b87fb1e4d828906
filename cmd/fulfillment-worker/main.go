package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/dispatch"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fulfillment worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("fulfillment worker stopped gracefully")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiLog, apiLogFile, err := logger.OpenAPILog(cfg.Log.APILogPath)
	if err != nil {
		return err
	}
	defer apiLogFile.Close()

	var recorder audit.Recorder = audit.NewLogRecorder(apiLog)
	if cfg.Audit.Sink == "clickhouse" {
		ch, err := audit.NewClickHouseRecorder(ctx, cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to initialize clickhouse audit sink: %w", err)
		}
		defer ch.Close()
		recorder = audit.Multi{recorder, ch}
	}

	upstream := dispatch.NewUpstreamClient(cfg.Upstream.URL, cfg.Upstream.Service, cfg.Upstream.Timeout)

	consumer, err := dispatch.NewConsumer(cfg.RabbitMQ, upstream, recorder, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Info("fulfillment worker starting",
		"queue", cfg.RabbitMQ.Queue,
		"upstream", cfg.Upstream.URL,
	)

	return consumer.Start(ctx)
}
