package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Ledger statuses.
const (
	LedgerProcessing = "processing"
	LedgerCompleted  = "completed"
	LedgerFailed     = "failed"
)

// LedgerRepo is the idempotency ledger: one row per (event_id, worker).
// Workers claim an event before processing it and mark the outcome in
// the same transaction as their state mutations. In-process caching of
// ledger state is forbidden: the table is the source of truth.
type LedgerRepo struct {
	q sqlx.ExtContext
}

// NewLedgerRepo creates a repository over a handle or transaction.
func NewLedgerRepo(q sqlx.ExtContext) *LedgerRepo {
	return &LedgerRepo{q: q}
}

// Claim atomically records that the worker is processing the event.
// Returns false when another claim exists: a completed row (duplicate
// delivery) or a live processing row (another consumer owns it, or a
// crash left it for the reaper). Failed rows are re-claimable.
func (r *LedgerRepo) Claim(ctx context.Context, eventID, workerName string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO event_processing (event_id, worker_name, status, started_at)
		VALUES ($1, $2, 'processing', now())
		ON CONFLICT (event_id, worker_name) DO UPDATE
		SET status = 'processing', started_at = now(),
		    retry_count = event_processing.retry_count + 1
		WHERE event_processing.status = 'failed'`,
		eventID, workerName,
	)
	if err != nil {
		return false, fmt.Errorf("claim event %s for %s: %w", eventID, workerName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return affected > 0, nil
}

// Complete marks the claim completed.
func (r *LedgerRepo) Complete(ctx context.Context, eventID, workerName string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE event_processing
		SET status = 'completed', finished_at = now(), error = NULL
		WHERE event_id = $1 AND worker_name = $2`,
		eventID, workerName,
	)
	if err != nil {
		return fmt.Errorf("complete event %s for %s: %w", eventID, workerName, err)
	}
	return nil
}

// Fail marks the claim failed with a reason. The row stays re-claimable.
func (r *LedgerRepo) Fail(ctx context.Context, eventID, workerName, reason string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE event_processing
		SET status = 'failed', finished_at = now(), error = $3
		WHERE event_id = $1 AND worker_name = $2`,
		eventID, workerName, reason,
	)
	if err != nil {
		return fmt.Errorf("fail event %s for %s: %w", eventID, workerName, err)
	}
	return nil
}

// RecordFailure upserts a failed row for the event and returns the new
// retry count. Used by workers after their transaction rolled back (the
// claim row vanished with it).
func (r *LedgerRepo) RecordFailure(ctx context.Context, eventID, workerName, reason string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.q, &count, `
		INSERT INTO event_processing (event_id, worker_name, status, retry_count, error, started_at, finished_at)
		VALUES ($1, $2, 'failed', 1, $3, now(), now())
		ON CONFLICT (event_id, worker_name) DO UPDATE
		SET status = 'failed', retry_count = event_processing.retry_count + 1,
		    error = EXCLUDED.error, finished_at = now()
		RETURNING retry_count`,
		eventID, workerName, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("record failure of event %s for %s: %w", eventID, workerName, err)
	}
	return count, nil
}

// RetryCount returns how many times a claim has been retried.
func (r *LedgerRepo) RetryCount(ctx context.Context, eventID, workerName string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.q, &count, `
		SELECT retry_count FROM event_processing
		WHERE event_id = $1 AND worker_name = $2`,
		eventID, workerName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry count of event %s: %w", eventID, err)
	}
	return count, nil
}

// ReapStale reopens processing rows older than the grace window. A crash
// between claim and outcome leaves the row in processing forever; the
// reaper flips it to failed so the broker's redelivery can re-claim it.
// Returns how many rows were reopened.
func (r *LedgerRepo) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE event_processing
		SET status = 'failed', error = 'reaped: stale processing row', finished_at = now()
		WHERE status = 'processing' AND started_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("reap stale ledger rows: %w", err)
	}
	return res.RowsAffected()
}
