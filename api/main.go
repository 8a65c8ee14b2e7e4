package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/auth"
	"expense-reports/pkg/bus"
	"expense-reports/pkg/config"
	"expense-reports/pkg/database"
	"expense-reports/pkg/expense"
	"expense-reports/pkg/httpapi"
	"expense-reports/pkg/job"
	"expense-reports/pkg/memstore"
	"expense-reports/pkg/notify"
	"expense-reports/pkg/observability"
	"expense-reports/pkg/report"
	"expense-reports/pkg/reporting"
	"expense-reports/pkg/retention"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	artifacts, err := openArtifacts(ctx, cfg)
	if err != nil {
		slog.Error("failed to open artifact store", "error", err)
		return
	}

	hub := notify.NewHub(logger)

	var (
		store   job.Store
		health  func(context.Context) error
		svcOpts = []reporting.Option{reporting.WithMaxAttempts(cfg.Worker.MaxAttempts)}
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.Worker.RetryPolicy())
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			return
		}
		defer dbClient.Close()

		// In a real deployment migrations would own this. For now we ensure the schema exists.
		if err := dbClient.InitSchema(ctx); err != nil {
			slog.Error("failed to initialize schema", "error", err)
			return
		}
		store = dbClient.Store()
		health = dbClient.Ping

		// Workers run in their own process and reach connected users through NATS.
		busClient, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			return
		}
		defer busClient.Close()
		bridge := notify.NewBridge(hub, logger)
		if err := bridge.Start(busClient); err != nil {
			slog.Error("failed to subscribe to notifications", "error", err)
			return
		}
		defer bridge.Stop()

	case config.BackendMemory:
		// Single-process mode: the pool runs here and talks to the hub directly.
		mem := memstore.New(cfg.Worker.RetryPolicy())
		store = mem
		expenses := expense.NewMemorySource()
		seedDemo(expenses)

		waker := worker.NewChanWaker(cfg.Worker.Concurrency)
		svcOpts = append(svcOpts, reporting.WithEnqueueHook(func(string) { waker.Notify() }))
		pool := worker.New(mem, report.NewGenerator(expenses, artifacts), hub, worker.Config{
			Slots:        cfg.Worker.Concurrency,
			LeaseTTL:     cfg.Worker.LeaseTTL,
			PollInterval: cfg.Worker.PollInterval,
			JobTimeout:   cfg.Worker.JobTimeout,
		}, logger, worker.WithWaker(waker), worker.WithRetrier(waker))

		wg.Add(2)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			worker.RunReaper(ctx, mem, cfg.Worker.LeaseTTL, waker, logger)
		}()
		slog.Warn("running with in-memory store; jobs do not survive restarts")
	}

	sched := retention.NewScheduler(logger)
	if err := sched.AddRetention(cfg.Retention.SweepSchedule,
		retention.NewSweeper(artifacts, cfg.Retention.ArtifactMaxAge, logger),
		retention.NewPurger(store, cfg.Retention.PurgePolicy(), logger),
	); err != nil {
		slog.Error("invalid sweep schedule", "schedule", cfg.Retention.SweepSchedule, "error", err)
		return
	}
	sched.Start()

	limiter := httpapi.NewRateLimiter(cfg.SubmitRatePerSec, cfg.SubmitBurst)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	server := httpapi.NewServer(httpapi.Deps{
		Reports:   reporting.NewService(store, logger, svcOpts...),
		Artifacts: artifacts,
		Hub:       hub,
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Limiter:   limiter,
		Health:    health,
		Logger:    logger,
	})

	observability.StartMetricsServer(cfg.MetricsAddrOr(":8081"))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("API server starting", "addr", cfg.APIAddr, "store", cfg.StoreBackend, "artifacts", cfg.ArtifactBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		slog.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	sched.Stop(shutdownCtx)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("api stopped gracefully")
	case <-time.After(drainTimeout):
		// Unfinished jobs keep their lease only until it expires.
		slog.Warn("drain timed out, exiting with jobs in flight")
	}
}

func openArtifacts(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	if cfg.ArtifactBackend == config.ArtifactsS3 {
		return artifact.NewS3Store(ctx, cfg.S3)
	}
	return artifact.NewFileStore(cfg.ReportsDir)
}

func seedDemo(src *expense.MemorySource) {
	alice := expense.Participant{ID: "1", Name: "Alice"}
	bob := expense.Participant{ID: "2", Name: "Bob"}
	carol := expense.Participant{ID: "3", Name: "Carol"}
	src.AddUser(expense.User{ID: alice.ID, Name: alice.Name, Email: "alice@example.com"})
	src.AddUser(expense.User{ID: bob.ID, Name: bob.Name, Email: "bob@example.com"})
	src.AddUser(expense.User{ID: carol.ID, Name: carol.Name, Email: "carol@example.com"})

	now := time.Now().UTC()
	src.AddExpense(expense.Expense{ID: 1, Description: "Groceries", Amount: 42.5, Date: now.AddDate(0, 0, -12),
		Payer: alice, Participants: []expense.Participant{alice, bob, carol}})
	src.AddExpense(expense.Expense{ID: 2, Description: "Train tickets", Amount: 88, Date: now.AddDate(0, 0, -5),
		Payer: bob, Participants: []expense.Participant{alice, bob}})
	src.AddExpense(expense.Expense{ID: 3, Description: "Dinner", Amount: 60, Date: now.AddDate(0, 0, -1),
		Payer: carol, Participants: []expense.Participant{alice, carol}})
}
