package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "render-dispatcher/internal/api"
	"render-dispatcher/internal/catalog"
	"render-dispatcher/internal/config"
	"render-dispatcher/internal/dispatch"
	"render-dispatcher/internal/events"
	"render-dispatcher/internal/gateway"
	"render-dispatcher/internal/lease"
	"render-dispatcher/internal/ledger"
	"render-dispatcher/internal/ratelimit"
	"render-dispatcher/internal/storage"
	"render-dispatcher/internal/store"
	"render-dispatcher/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("render-dispatcher-api", os.Stdout)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	pool, err := store.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.RunCentralMigrations(ctx, pool); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	signer, err := storage.NewS3Signer(ctx, storage.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
		Buckets:   cfg.S3Buckets,
	})
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NatsURL != "" {
		nats, err := events.NewNatsPublisher(cfg.NatsURL, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		publisher = nats
	}

	resolver := store.NewPostgresResolver(pool, cfg.AutoProvisionTenants)
	registry := dispatch.NewPostgresRegistry(pool)
	effects := catalog.NewCachedCatalog(catalog.NewPostgresCatalog(pool), rdb, cfg.CatalogCacheTTL)
	l := ledger.New()

	gw := gateway.New(resolver, registry, effects, l, logger)
	leases := lease.NewManager(resolver, registry, effects, signer, l, publisher, lease.Options{
		LeaseTTL:    cfg.LeaseTTL,
		PresignTTL:  cfg.PresignTTL,
		MaxAttempts: cfg.MaxAttempts,
		AutoApprove: cfg.AutoApproveWorkers,
		OutputDisk:  cfg.OutputDisk,
		ReaperBatch: cfg.ReaperBatchSize,
	}, logger)
	limiter := ratelimit.NewTenantBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	go func() {
		if err := leases.RunReaper(ctx, cfg.ReaperInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper stopped", "error", err)
		}
	}()

	server := api.New(resolver, gw, leases, limiter, cfg.WorkerToken, logger).WithAdmin(l, cfg.AdminToken)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
