package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// ExecutionRepo persists tool execution records. Status transitions are
// monotonic (REQUESTED → RUNNING → SUCCEEDED|FAILED); the guarded UPDATE
// refuses to move a row out of a terminal status.
type ExecutionRepo struct {
	q sqlx.ExtContext
}

// NewExecutionRepo creates a repository over a handle or transaction.
func NewExecutionRepo(q sqlx.ExtContext) *ExecutionRepo {
	return &ExecutionRepo{q: q}
}

// Create inserts a new execution record in REQUESTED status.
func (r *ExecutionRepo) Create(ctx context.Context, e *models.ToolExecution) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tool_execution (
			id, tenant_id, tool_id, exception_id, status,
			requested_by_actor_type, requested_by_actor_id, input_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TenantID, e.ToolID, e.ExceptionID, e.Status,
		e.RequestedByActorType, e.RequestedByActorID, e.InputPayload,
	)
	if err != nil {
		return fmt.Errorf("insert tool execution %s: %w", e.ID, err)
	}
	return nil
}

// Get loads one execution record for a tenant.
func (r *ExecutionRepo) Get(ctx context.Context, tenantID, executionID string) (*models.ToolExecution, error) {
	var e models.ToolExecution
	err := sqlx.GetContext(ctx, r.q, &e, `
		SELECT id, tenant_id, tool_id, exception_id, status,
		       requested_by_actor_type, requested_by_actor_id,
		       input_payload, output_payload, error_message,
		       created_at, updated_at
		FROM tool_execution
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, executionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool execution %s: %w", executionID, err)
	}
	return &e, nil
}

// UpdateStatus transitions an execution to the given status, recording
// output or error. The WHERE clause excludes terminal rows so a late or
// duplicate writer cannot overwrite a final result; such an attempt
// returns ErrTerminalStatus.
func (r *ExecutionRepo) UpdateStatus(
	ctx context.Context,
	tenantID, executionID string,
	status models.ToolExecutionStatus,
	output models.JSONMap,
	errorMessage *string,
) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE tool_execution
		SET status = $3, output_payload = $4, error_message = $5, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		AND status NOT IN ('SUCCEEDED', 'FAILED')`,
		tenantID, executionID, status, output, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("update tool execution %s to %s: %w", executionID, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool execution %s: %w", executionID, err)
	}
	if affected == 0 {
		// Either the row is missing or it already reached a terminal status.
		existing, getErr := r.Get(ctx, tenantID, executionID)
		if getErr != nil {
			return getErr
		}
		if existing.Status.Terminal() {
			return ErrTerminalStatus
		}
		return ErrNotFound
	}
	return nil
}

// IsCompleted reports whether the execution already reached a terminal
// status. Used by the tool worker's duplicate-event check.
func (r *ExecutionRepo) IsCompleted(ctx context.Context, tenantID, executionID string) (bool, error) {
	e, err := r.Get(ctx, tenantID, executionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Status.Terminal(), nil
}
