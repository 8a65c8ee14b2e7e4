package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"expense-reports/pkg/job"
)

type Client struct {
	pool   *pgxpool.Pool
	policy job.RetryPolicy
}

func New(ctx context.Context, databaseURL string, maxConns int, policy job.RetryPolicy) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = job.DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = job.DefaultRetryPolicy().BaseDelay
	}
	return &Client{pool: pool, policy: policy}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// InitSchema creates the report tables and the expense read model. Safe to
// run on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    DO $$ BEGIN
        CREATE TYPE report_job_status AS ENUM ('WAITING', 'ACTIVE', 'COMPLETED', 'FAILED');
    EXCEPTION WHEN duplicate_object THEN NULL;
    END $$;

    CREATE TABLE IF NOT EXISTS users (
        id    TEXT PRIMARY KEY,
        name  TEXT NOT NULL,
        email TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS expenses (
        id          BIGSERIAL PRIMARY KEY,
        description TEXT NOT NULL,
        amount      DOUBLE PRECISION NOT NULL,
        date        TIMESTAMPTZ NOT NULL,
        payer_id    TEXT NOT NULL REFERENCES users(id)
    );
    CREATE TABLE IF NOT EXISTS expense_participants (
        expense_id BIGINT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
        user_id    TEXT NOT NULL REFERENCES users(id),
        PRIMARY KEY (expense_id, user_id)
    );

    CREATE TABLE IF NOT EXISTS report_jobs (
        id               TEXT PRIMARY KEY,
        owner_id         TEXT NOT NULL,
        start_date       TIMESTAMPTZ,
        end_date         TIMESTAMPTZ,
        status           report_job_status NOT NULL DEFAULT 'WAITING',
        progress         INTEGER NOT NULL DEFAULT 0,
        result_path      TEXT,
        generated_at     TIMESTAMPTZ,
        failure_reason   TEXT,
        attempts         INTEGER NOT NULL DEFAULT 0,
        max_attempts     INTEGER NOT NULL DEFAULT 3,
        available_at     TIMESTAMPTZ DEFAULT NOW(),
        lease_token      UUID,
        lease_expires_at TIMESTAMPTZ,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        finished_at      TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_report_jobs_ready ON report_jobs (status, available_at);
    CREATE INDEX IF NOT EXISTS idx_report_jobs_lease ON report_jobs (lease_expires_at) WHERE status = 'ACTIVE';

    -- Outbox table for transactional outbox pattern
    CREATE TABLE IF NOT EXISTS report_job_outbox (
        id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        job_id      TEXT NOT NULL REFERENCES report_jobs(id) ON DELETE CASCADE,
        exchange    TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload     TEXT NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// OutboxMessage represents a row in the report_job_outbox table.
type OutboxMessage struct {
	ID         string
	JobID      string
	Exchange   string
	RoutingKey string
	Payload    string
	CreatedAt  time.Time
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (c *Client) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	query := `SELECT id, job_id, exchange, routing_key, payload, created_at FROM report_job_outbox ORDER BY created_at LIMIT $1`
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.JobID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (c *Client) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM report_job_outbox WHERE id = $1`, id)
	return err
}
