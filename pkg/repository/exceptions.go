package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// ExceptionRepo persists exceptions.
type ExceptionRepo struct {
	q sqlx.ExtContext
}

// NewExceptionRepo creates a repository over a handle or transaction.
func NewExceptionRepo(q sqlx.ExtContext) *ExceptionRepo {
	return &ExceptionRepo{q: q}
}

// Create inserts a new exception. Returns ErrAlreadyExists when the
// (tenant_id, exception_id) pair is taken.
func (r *ExceptionRepo) Create(ctx context.Context, e *models.Exception) error {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO exception (
			exception_id, tenant_id, source_system, exception_type,
			severity, resolution_status, raw_payload, normalized_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, exception_id) DO NOTHING`,
		e.ExceptionID, e.TenantID, e.SourceSystem, e.ExceptionType,
		e.Severity, e.ResolutionStatus, e.RawPayload, e.NormalizedContext,
	)
	if err != nil {
		return fmt.Errorf("insert exception %s: %w", e.ExceptionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert exception %s: %w", e.ExceptionID, err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get loads one exception for a tenant.
func (r *ExceptionRepo) Get(ctx context.Context, tenantID, exceptionID string) (*models.Exception, error) {
	var e models.Exception
	err := sqlx.GetContext(ctx, r.q, &e, `
		SELECT exception_id, tenant_id, source_system, exception_type,
		       severity, resolution_status, raw_payload, normalized_context,
		       current_playbook_id, current_step, created_at, updated_at
		FROM exception
		WHERE tenant_id = $1 AND exception_id = $2`,
		tenantID, exceptionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exception %s: %w", exceptionID, err)
	}
	return &e, nil
}

// ExceptionUpdate carries the mutable exception fields. Nil pointers
// leave the column unchanged; SetPlaybook/SetStep distinguish "clear"
// from "leave alone".
type ExceptionUpdate struct {
	Severity         *models.Severity
	ExceptionType    *string
	ResolutionStatus *models.ResolutionStatus

	SetPlaybook       bool
	CurrentPlaybookID *int64
	SetStep           bool
	CurrentStep       *int
}

// Update applies the non-nil fields of u to the exception row.
func (r *ExceptionRepo) Update(ctx context.Context, tenantID, exceptionID string, u ExceptionUpdate) error {
	query := `UPDATE exception SET updated_at = now()`
	args := []any{tenantID, exceptionID}
	idx := 3

	if u.Severity != nil {
		query += fmt.Sprintf(", severity = $%d", idx)
		args = append(args, *u.Severity)
		idx++
	}
	if u.ExceptionType != nil {
		query += fmt.Sprintf(", exception_type = $%d", idx)
		args = append(args, *u.ExceptionType)
		idx++
	}
	if u.ResolutionStatus != nil {
		query += fmt.Sprintf(", resolution_status = $%d", idx)
		args = append(args, *u.ResolutionStatus)
		idx++
	}
	if u.SetPlaybook {
		query += fmt.Sprintf(", current_playbook_id = $%d", idx)
		args = append(args, u.CurrentPlaybookID)
		idx++
	}
	if u.SetStep {
		query += fmt.Sprintf(", current_step = $%d", idx)
		args = append(args, u.CurrentStep)
		idx++
	}

	query += ` WHERE tenant_id = $1 AND exception_id = $2`

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update exception %s: %w", exceptionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update exception %s: %w", exceptionID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenOlderThan returns exceptions still pending approval or action,
// oldest first. Used by the approval-queue aging alert rule.
func (r *ExceptionRepo) ListOpenOlderThan(ctx context.Context, tenantID string, limit int) ([]models.Exception, error) {
	var out []models.Exception
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT exception_id, tenant_id, source_system, exception_type,
		       severity, resolution_status, raw_payload, normalized_context,
		       current_playbook_id, current_step, created_at, updated_at
		FROM exception
		WHERE tenant_id = $1 AND resolution_status IN ('OPEN', 'IN_PROGRESS')
		ORDER BY created_at ASC
		LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list open exceptions: %w", err)
	}
	return out, nil
}
