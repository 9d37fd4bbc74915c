package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// ToolRepo persists tool definitions and per-tenant enablement.
type ToolRepo struct {
	q sqlx.ExtContext
}

// NewToolRepo creates a repository over a handle or transaction.
func NewToolRepo(q sqlx.ExtContext) *ToolRepo {
	return &ToolRepo{q: q}
}

// Create inserts a tool definition. A nil tenantID registers a global tool.
func (r *ToolRepo) Create(ctx context.Context, t *models.ToolDefinition) (int64, error) {
	var toolID int64
	err := sqlx.GetContext(ctx, r.q, &toolID, `
		INSERT INTO tool_definition (tenant_id, name, type, config)
		VALUES ($1, $2, $3, $4)
		RETURNING tool_id`,
		t.TenantID, t.Name, t.Type, t.Config,
	)
	if err != nil {
		return 0, fmt.Errorf("insert tool %s: %w", t.Name, err)
	}
	return toolID, nil
}

// Get returns the tool if it is visible to the tenant: either global
// (NULL tenant) or owned by the tenant. Not-visible and not-found are
// both ErrNotFound; GetAnyTenant distinguishes them for error messages.
func (r *ToolRepo) Get(ctx context.Context, tenantID string, toolID int64) (*models.ToolDefinition, error) {
	var t models.ToolDefinition
	err := sqlx.GetContext(ctx, r.q, &t, `
		SELECT tool_id, tenant_id, name, type, config, created_at
		FROM tool_definition
		WHERE tool_id = $1 AND (tenant_id IS NULL OR tenant_id = $2)`,
		toolID, tenantID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %d: %w", toolID, err)
	}
	return &t, nil
}

// GetAnyTenant loads a tool regardless of owner. Only used to produce a
// precise scope-violation message; callers must not act on the result.
func (r *ToolRepo) GetAnyTenant(ctx context.Context, toolID int64) (*models.ToolDefinition, error) {
	var t models.ToolDefinition
	err := sqlx.GetContext(ctx, r.q, &t, `
		SELECT tool_id, tenant_id, name, type, config, created_at
		FROM tool_definition
		WHERE tool_id = $1`,
		toolID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %d: %w", toolID, err)
	}
	return &t, nil
}

// IsEnabled reports whether the tool is enabled for the tenant. A missing
// enablement row means enabled.
func (r *ToolRepo) IsEnabled(ctx context.Context, tenantID string, toolID int64) (bool, error) {
	var enabled bool
	err := sqlx.GetContext(ctx, r.q, &enabled, `
		SELECT enabled FROM tool_enablement
		WHERE tenant_id = $1 AND tool_id = $2`,
		tenantID, toolID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check enablement of tool %d: %w", toolID, err)
	}
	return enabled, nil
}

// SetEnabled upserts the enablement row for a tenant/tool pair.
func (r *ToolRepo) SetEnabled(ctx context.Context, tenantID string, toolID int64, enabled bool) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tool_enablement (tenant_id, tool_id, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, tool_id)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
		tenantID, toolID, enabled,
	)
	if err != nil {
		return fmt.Errorf("set enablement of tool %d: %w", toolID, err)
	}
	return nil
}
