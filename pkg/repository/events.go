package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
)

// EventRepo persists the append-only exception event log.
type EventRepo struct {
	q sqlx.ExtContext
}

// NewEventRepo creates a repository over a handle or transaction.
func NewEventRepo(q sqlx.ExtContext) *EventRepo {
	return &EventRepo{q: q}
}

// AppendIfNew inserts an event row, ignoring duplicates by event_id.
// Returns true when the row was inserted, false when it already existed.
// Rows are never updated or deleted outside TTL cleanup.
func (r *EventRepo) AppendIfNew(ctx context.Context, e *events.CanonicalEvent) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO exception_event (
			event_id, exception_id, tenant_id, event_type,
			actor_type, actor_id, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.ExceptionID, e.TenantID, e.EventType,
		e.ActorType, e.ActorID, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", e.EventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", e.EventID, err)
	}
	return affected > 0, nil
}

// ListForException returns the timeline for one exception, oldest first.
func (r *EventRepo) ListForException(ctx context.Context, tenantID, exceptionID string) ([]events.CanonicalEvent, error) {
	rows, err := r.q.QueryxContext(ctx, `
		SELECT event_id, exception_id, tenant_id, event_type,
		       actor_type, actor_id, payload, created_at
		FROM exception_event
		WHERE tenant_id = $1 AND exception_id = $2
		ORDER BY created_at ASC, event_id ASC`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", exceptionID, err)
	}
	defer rows.Close()

	var out []events.CanonicalEvent
	for rows.Next() {
		var e events.CanonicalEvent
		var payload models.JSONMap
		if err := rows.Scan(
			&e.EventID, &e.ExceptionID, &e.TenantID, &e.EventType,
			&e.ActorType, &e.ActorID, &payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Payload = payload
		e.CorrelationID = e.ExceptionID
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasEvent reports whether an event of the given type exists for the
// exception with payload fields matching every entry of match. Used for
// semantic duplicate detection on top of event_id dedup (e.g. a
// PlaybookStepCompleted for a specific step_order).
func (r *EventRepo) HasEvent(ctx context.Context, tenantID, exceptionID, eventType string, match models.JSONMap) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM exception_event
			WHERE tenant_id = $1 AND exception_id = $2 AND event_type = $3
			AND payload @> $4
		)`
	if match == nil {
		match = models.JSONMap{}
	}

	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists, query, tenantID, exceptionID, eventType, match)
	if err != nil {
		return false, fmt.Errorf("check event %s for %s: %w", eventType, exceptionID, err)
	}
	return exists, nil
}

// CountSince returns how many events of a type a tenant emitted within
// the window. Used by the volume and recurrence alert rules.
func (r *EventRepo) CountSince(ctx context.Context, tenantID, eventType string, windowMinutes int) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.q, &count, `
		SELECT COUNT(*) FROM exception_event
		WHERE tenant_id = $1 AND event_type = $2
		AND created_at > now() - make_interval(mins => $3)`,
		tenantID, eventType, windowMinutes,
	)
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", eventType, err)
	}
	return count, nil
}
