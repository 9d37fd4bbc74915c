package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// Dead-letter statuses.
const (
	DLQPending   = "pending"
	DLQRetrying  = "retrying"
	DLQDiscarded = "discarded"
	DLQSucceeded = "succeeded"
)

// DeadLetterEvent is an event that exhausted its processing retries.
// It waits for an admin decision; there is no automatic retry.
type DeadLetterEvent struct {
	ID          int64          `db:"id"`
	TenantID    string         `db:"tenant_id"`
	EventID     string         `db:"event_id"`
	EventType   string         `db:"event_type"`
	ExceptionID string         `db:"exception_id"`
	WorkerName  string         `db:"worker_name"`
	Payload     models.JSONMap `db:"payload"`
	Error       string         `db:"error"`
	Status      string         `db:"status"`
	RetryCount  int            `db:"retry_count"`
	CreatedAt   time.Time      `db:"created_at"`
	RetriedAt   *time.Time     `db:"retried_at"`
	DiscardedAt *time.Time     `db:"discarded_at"`
	DiscardedBy *string        `db:"discarded_by"`
}

// DLQRepo persists dead-lettered events.
type DLQRepo struct {
	q sqlx.ExtContext
}

// NewDLQRepo creates a repository over a handle or transaction.
func NewDLQRepo(q sqlx.ExtContext) *DLQRepo {
	return &DLQRepo{q: q}
}

// Add records an event that exhausted its retries.
func (r *DLQRepo) Add(ctx context.Context, d *DeadLetterEvent) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO dead_letter_event (
			tenant_id, event_id, event_type, exception_id, worker_name, payload, error, status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)`,
		d.TenantID, d.EventID, d.EventType, d.ExceptionID, d.WorkerName, d.Payload, d.Error, d.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter for event %s: %w", d.EventID, err)
	}
	return nil
}

// ListPending returns pending dead letters for a tenant, oldest first.
func (r *DLQRepo) ListPending(ctx context.Context, tenantID string, limit int) ([]DeadLetterEvent, error) {
	var out []DeadLetterEvent
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT id, tenant_id, event_id, event_type, exception_id, worker_name, payload, error,
		       status, retry_count, created_at, retried_at, discarded_at, discarded_by
		FROM dead_letter_event
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	return out, nil
}

// MarkRetrying stamps a dead letter as republished by an admin.
func (r *DLQRepo) MarkRetrying(ctx context.Context, tenantID string, id int64) error {
	return r.setStatus(ctx, tenantID, id, DLQRetrying, `retried_at = now()`)
}

// MarkSucceeded closes a dead letter after its retry completed.
func (r *DLQRepo) MarkSucceeded(ctx context.Context, tenantID string, id int64) error {
	return r.setStatus(ctx, tenantID, id, DLQSucceeded, ``)
}

// Discard terminally discards a dead letter, recording who did it.
func (r *DLQRepo) Discard(ctx context.Context, tenantID string, id int64, discardedBy string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE dead_letter_event
		SET status = 'discarded', discarded_at = now(), discarded_by = $3
		WHERE tenant_id = $1 AND id = $2 AND status IN ('pending', 'retrying')`,
		tenantID, id, discardedBy,
	)
	if err != nil {
		return fmt.Errorf("discard dead letter %d: %w", id, err)
	}
	return checkAffected(res, id)
}

func (r *DLQRepo) setStatus(ctx context.Context, tenantID string, id int64, status, extra string) error {
	query := `UPDATE dead_letter_event SET status = $3`
	if extra != "" {
		query += ", " + extra
	}
	query += ` WHERE tenant_id = $1 AND id = $2 AND status NOT IN ('discarded', 'succeeded')`

	res, err := r.q.ExecContext(ctx, query, tenantID, id, status)
	if err != nil {
		return fmt.Errorf("set dead letter %d to %s: %w", id, status, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dead letter %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
