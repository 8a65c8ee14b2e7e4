package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"expense-reports/pkg/job"
	"expense-reports/pkg/mq"
)

// Store adapts Client to job.Store.
type Store struct{ c *Client }

func (c *Client) Store() *Store { return &Store{c: c} }

var _ job.Store = (*Store)(nil)

// The report_job_status enum is upper case; job.Status never leaks it.
func statusFromDB(s string) (job.Status, error) {
	switch s {
	case "WAITING":
		return job.StatusWaiting, nil
	case "ACTIVE":
		return job.StatusActive, nil
	case "COMPLETED":
		return job.StatusCompleted, nil
	case "FAILED":
		return job.StatusFailed, nil
	}
	return "", fmt.Errorf("unknown report job status %q", s)
}

const jobColumns = `id, owner_id, start_date, end_date, status::text, progress,
    result_path, generated_at, failure_reason, attempts, max_attempts,
    available_at, lease_token::text, lease_expires_at, created_at, updated_at, finished_at`

// scanJob populates a Job from jobColumns. The order must match exactly.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                               job.Job
		status                          string
		resultPath, failure, leaseToken *string
		generatedAt                     *time.Time
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Filter.Start, &j.Filter.End, &status, &j.Progress,
		&resultPath, &generatedAt, &failure, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &leaseToken, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if j.Status, err = statusFromDB(status); err != nil {
		return nil, err
	}
	if resultPath != nil {
		j.Result = &job.Result{Path: *resultPath}
		if generatedAt != nil {
			j.Result.GeneratedAt = *generatedAt
		}
	}
	if failure != nil {
		j.FailureReason = *failure
	}
	if leaseToken != nil {
		j.LeaseToken = *leaseToken
	}
	return &j, nil
}

// Enqueue inserts the job and its outbox message in a single transaction.
// An existing report id short-circuits to the stored row.
func (s *Store) Enqueue(ctx context.Context, req job.EnqueueRequest) (*job.Job, bool, error) {
	if req.ReportID == "" || req.OwnerID == "" {
		return nil, false, fmt.Errorf("report id and owner id are required: %w", job.ErrInvalidArgument)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.c.policy.MaxAttempts
	}

	tx, err := s.c.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	insertJob := `INSERT INTO report_jobs (id, owner_id, start_date, end_date, max_attempts)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO NOTHING
        RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, insertJob,
		req.ReportID, req.OwnerID, req.Filter.Start, req.Filter.End, maxAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, req.ReportID))
		if err != nil {
			return nil, false, err
		}
		return existing, false, tx.Commit(ctx)
	}
	if err != nil {
		return nil, false, err
	}

	insertOutbox := `INSERT INTO report_job_outbox (job_id, exchange, routing_key, payload) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertOutbox, j.ID, mq.ReportsExchange, mq.RoutingKeyGenerate, j.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// claimSQL takes the oldest eligible job. SKIP LOCKED lets concurrent workers
// pass over a row another worker is claiming instead of blocking on it.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM report_jobs
    WHERE available_at <= NOW()
      AND (status = 'WAITING' OR (status = 'FAILED' AND attempts < max_attempts))
    ORDER BY created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE report_jobs j
SET status           = 'ACTIVE',
    attempts         = j.attempts + 1,
    progress         = 0,
    available_at     = NULL,
    lease_token      = $1,
    lease_expires_at = NOW() + ($2::bigint * interval '1 millisecond'),
    updated_at       = NOW()
FROM candidate
WHERE j.id = candidate.id
RETURNING ` + jobColumnsQualified

const jobColumnsQualified = `j.id, j.owner_id, j.start_date, j.end_date, j.status::text, j.progress,
    j.result_path, j.generated_at, j.failure_reason, j.attempts, j.max_attempts,
    j.available_at, j.lease_token::text, j.lease_expires_at, j.created_at, j.updated_at, j.finished_at`

func (s *Store) Dequeue(ctx context.Context, ttl time.Duration) (*job.Job, *job.Lease, error) {
	token := job.NewLeaseToken()
	j, err := scanJob(s.c.pool.QueryRow(ctx, claimSQL, token, ttl.Milliseconds()))
	if err != nil {
		// No eligible row. This is the normal idle state, not an error.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	lease := &job.Lease{ReportID: j.ID, Token: token, Attempt: j.Attempts}
	if j.LeaseExpiresAt != nil {
		lease.ExpiresAt = *j.LeaseExpiresAt
	}
	return j, lease, nil
}

// leaseGuard is appended to every lease-carrying write; $1 is the id and $2
// the token.
const leaseGuard = ` WHERE id = $1 AND lease_token = $2 AND status = 'ACTIVE' AND lease_expires_at > NOW()`

func (s *Store) RenewLease(ctx context.Context, l *job.Lease, ttl time.Duration) error {
	var expires time.Time
	err := s.c.pool.QueryRow(ctx,
		`UPDATE report_jobs SET lease_expires_at = NOW() + ($3::bigint * interval '1 millisecond')`+leaseGuard+
			` RETURNING lease_expires_at`,
		l.ReportID, l.Token, ttl.Milliseconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.ErrStaleLease
	}
	if err != nil {
		return err
	}
	l.ExpiresAt = expires
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, l *job.Lease, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress %d out of range: %w", percent, job.ErrInvalidArgument)
	}
	tag, err := s.c.pool.Exec(ctx,
		`UPDATE report_jobs SET progress = GREATEST(progress, $3), updated_at = NOW()`+leaseGuard,
		l.ReportID, l.Token, percent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrStaleLease
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, l *job.Lease, res job.Result) error {
	tag, err := s.c.pool.Exec(ctx, `
        UPDATE report_jobs SET
            status           = 'COMPLETED',
            progress         = 100,
            result_path      = $3,
            generated_at     = $4,
            failure_reason   = NULL,
            lease_token      = NULL,
            lease_expires_at = NULL,
            finished_at      = NOW(),
            updated_at       = NOW()`+leaseGuard,
		l.ReportID, l.Token, res.Path, res.GeneratedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrStaleLease
	}
	return nil
}

// failSet moves a row to FAILED. $3 is the reason, $4 the permanent flag and
// $5 the base backoff in milliseconds.
const failSet = `
    status           = 'FAILED',
    failure_reason   = $3,
    lease_token      = NULL,
    lease_expires_at = NULL,
    updated_at       = NOW(),
    available_at     = CASE WHEN $4 OR attempts >= max_attempts THEN NULL
                            ELSE NOW() + LEAST($5::double precision * power(2, attempts - 1), 3600000) * interval '1 millisecond'
                       END,
    finished_at      = CASE WHEN $4 OR attempts >= max_attempts THEN NOW() ELSE NULL END`

func (s *Store) Fail(ctx context.Context, l *job.Lease, reason string, permanent bool) (*job.Job, error) {
	j, err := scanJob(s.c.pool.QueryRow(ctx,
		`UPDATE report_jobs SET`+failSet+leaseGuard+` RETURNING `+jobColumns,
		l.ReportID, l.Token, reason, permanent, s.c.policy.BaseDelay.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrStaleLease
	}
	return j, err
}

func (s *Store) Get(ctx context.Context, reportID string) (*job.Job, error) {
	j, err := scanJob(s.c.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, reportID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	return j, err
}

// ReclaimExpired fails active rows whose lease ran out. LIMIT bounds the work
// per call; the reaper runs again on its next tick.
func (s *Store) ReclaimExpired(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.c.pool.Query(ctx, `
        WITH orphans AS (
            SELECT id, lease_token FROM report_jobs
            WHERE status = 'ACTIVE' AND lease_expires_at < NOW()
            ORDER BY lease_expires_at
            LIMIT 500
            FOR UPDATE SKIP LOCKED
        )
        UPDATE report_jobs j SET`+failSetQualified+`
        FROM orphans
        WHERE j.id = orphans.id
        RETURNING `+jobColumnsQualified,
		"lease expired", false, s.c.policy.BaseDelay.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// failSetQualified is failSet with parameters shifted to $1..$3 and columns
// qualified for use in UPDATE ... FROM.
const failSetQualified = `
    status           = 'FAILED',
    failure_reason   = $1,
    lease_token      = NULL,
    lease_expires_at = NULL,
    updated_at       = NOW(),
    available_at     = CASE WHEN $2 OR j.attempts >= j.max_attempts THEN NULL
                            ELSE NOW() + LEAST($3::double precision * power(2, j.attempts - 1), 3600000) * interval '1 millisecond'
                       END,
    finished_at      = CASE WHEN $2 OR j.attempts >= j.max_attempts THEN NOW() ELSE NULL END`

func (s *Store) Purge(ctx context.Context, p job.PurgePolicy) (int64, error) {
	var total int64
	tag, err := s.c.pool.Exec(ctx, `
        WITH ranked AS (
            SELECT id, finished_at, row_number() OVER (ORDER BY finished_at DESC) AS rn
            FROM report_jobs WHERE status = 'COMPLETED'
        )
        DELETE FROM report_jobs WHERE id IN (
            SELECT id FROM ranked
            WHERE ($1::bigint > 0 AND finished_at < NOW() - ($1::bigint * interval '1 second'))
               OR ($2::bigint > 0 AND rn > $2::bigint)
        )`, int64(p.CompletedRetention.Seconds()), p.CompletedKeep)
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	total += tag.RowsAffected()

	if p.FailedRetention > 0 {
		tag, err = s.c.pool.Exec(ctx, `
            DELETE FROM report_jobs
            WHERE status = 'FAILED' AND available_at IS NULL
              AND finished_at < NOW() - ($1::bigint * interval '1 second')`,
			int64(p.FailedRetention.Seconds()))
		if err != nil {
			return total, fmt.Errorf("purge failed jobs: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
