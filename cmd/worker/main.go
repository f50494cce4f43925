package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"render-dispatcher/internal/config"
	"render-dispatcher/internal/telemetry"
	workerproc "render-dispatcher/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Fall back to the hostname so restarts keep the same worker record.
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	client := workerproc.NewClient(cfg.APIURL, cfg.WorkerToken, nil)
	processor := workerproc.NewProcessor(client, workerproc.Options{
		WorkerID:          workerID,
		DisplayName:       workerID,
		Providers:         cfg.WorkerProviders,
		MaxConcurrency:    cfg.WorkerMaxConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	imageHandler := workerproc.NewImageHandler(30*time.Second, 0)
	processor.RegisterHandler("image-transform", imageHandler.Handle)
	processor.RegisterHandler("thumbnail", workerproc.NewThumbnailHandler(300).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "worker_id", workerID, "providers", cfg.WorkerProviders,
		"max_concurrency", cfg.WorkerMaxConcurrency, "heartbeat_interval", cfg.HeartbeatInterval)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
