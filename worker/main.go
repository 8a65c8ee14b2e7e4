package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/bus"
	"expense-reports/pkg/config"
	"expense-reports/pkg/database"
	"expense-reports/pkg/mq"
	"expense-reports/pkg/notify"
	"expense-reports/pkg/observability"
	"expense-reports/pkg/report"
	"expense-reports/pkg/worker"
)

const drainTimeout = 30 * time.Second

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		slog.Error("the worker process needs STORE_BACKEND=postgres; memory mode runs the pool inside the api")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.Worker.RetryPolicy())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	busClient, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		slog.Error("failed to connect to nats", "error", err)
		return
	}
	defer busClient.Close()

	var artifacts artifact.Store
	if cfg.ArtifactBackend == config.ArtifactsS3 {
		artifacts, err = artifact.NewS3Store(ctx, cfg.S3)
	} else {
		artifacts, err = artifact.NewFileStore(cfg.ReportsDir)
	}
	if err != nil {
		slog.Error("failed to open artifact store", "error", err)
		return
	}

	waker, err := mqClient.NewWaker(ctx, cfg.Worker.Concurrency, logger)
	if err != nil {
		slog.Error("failed to start consuming wake-ups", "error", err)
		return
	}

	store := dbClient.Store()
	pool := worker.New(store,
		report.NewGenerator(dbClient.Expenses(), artifacts),
		notify.NewBusNotifier(busClient),
		worker.Config{
			Slots:        cfg.Worker.Concurrency,
			LeaseTTL:     cfg.Worker.LeaseTTL,
			PollInterval: cfg.Worker.PollInterval,
			JobTimeout:   cfg.Worker.JobTimeout,
		},
		logger,
		worker.WithWaker(waker),
		worker.WithRetrier(mqClient),
	)

	observability.StartMetricsServer(cfg.MetricsAddrOr(":9091"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.RunReaper(ctx, store, cfg.Worker.LeaseTTL, mqClient, logger)
	}()

	slog.Info("worker started. waiting for jobs...", "concurrency", cfg.Worker.Concurrency)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, draining in-flight jobs...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker stopped gracefully")
	case <-time.After(drainTimeout):
		// Leases on unfinished jobs expire and the reaper elsewhere picks them up.
		slog.Warn("drain timed out, exiting with jobs in flight")
	}
}
