package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expense-reports/pkg/config"
	"expense-reports/pkg/database"
	"expense-reports/pkg/mq"
	"expense-reports/pkg/observability"
)

// The publisher relays committed outbox rows to RabbitMQ so that workers wake
// up as soon as a report job is stored.
func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, 2, cfg.Worker.RetryPolicy())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("publisher stopped")
			return
		case <-ticker.C:
			processOutbox(ctx, dbClient, mqClient, logger)
		}
	}
}

func processOutbox(ctx context.Context, db *database.Client, mqClient *mq.Client, logger *slog.Logger) {
	messages, err := db.FetchOutboxMessages(ctx, 100)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return
	}
	for _, m := range messages {
		if err := mqClient.Publish(ctx, m.Exchange, m.RoutingKey, m.Payload); err != nil {
			logger.Error("failed to publish from outbox", "error", err, "report_id", m.JobID)
			return // keep ordering; retry on the next tick
		}
		if err := db.DeleteOutboxMessage(ctx, m.ID); err != nil {
			// Republishing later only produces a duplicate wake-up.
			logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		logger.Debug("published wake-up from outbox", "report_id", m.JobID, "age", time.Since(m.CreatedAt))
	}
}
