package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// GovernanceRepo appends governance audit events for admin actions
// (tool enable/disable, dead-letter retry/discard). Append-only.
type GovernanceRepo struct {
	q sqlx.ExtContext
}

// NewGovernanceRepo creates a repository over a handle or transaction.
func NewGovernanceRepo(q sqlx.ExtContext) *GovernanceRepo {
	return &GovernanceRepo{q: q}
}

// Append records one admin action.
func (r *GovernanceRepo) Append(ctx context.Context, tenantID string, actor models.Actor, action, subject string, detail models.JSONMap) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO governance_audit_event (tenant_id, actor_type, actor_id, action, subject, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tenantID, actor.Type, actor.ID, action, subject, detail,
	)
	if err != nil {
		return fmt.Errorf("append governance audit event %s: %w", action, err)
	}
	return nil
}
