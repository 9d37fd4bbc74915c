package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/models"
)

// PlaybookRepo persists playbooks and their steps.
type PlaybookRepo struct {
	q sqlx.ExtContext
}

// NewPlaybookRepo creates a repository over a handle or transaction.
func NewPlaybookRepo(q sqlx.ExtContext) *PlaybookRepo {
	return &PlaybookRepo{q: q}
}

// Create inserts a playbook and its ordered steps, returning the new id.
func (r *PlaybookRepo) Create(ctx context.Context, p *models.Playbook, steps []models.PlaybookStep) (int64, error) {
	var playbookID int64
	err := sqlx.GetContext(ctx, r.q, &playbookID, `
		INSERT INTO playbook (tenant_id, name, version, exception_type, conditions, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING playbook_id`,
		p.TenantID, p.Name, p.Version, p.ExceptionType, p.Conditions, p.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("insert playbook %s: %w", p.Name, err)
	}

	for _, step := range steps {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO playbook_step (playbook_id, step_order, name, action_type, params)
			VALUES ($1, $2, $3, $4, $5)`,
			playbookID, step.StepOrder, step.Name, step.ActionType, step.Params,
		)
		if err != nil {
			return 0, fmt.Errorf("insert step %d of playbook %d: %w", step.StepOrder, playbookID, err)
		}
	}
	return playbookID, nil
}

// Get loads one playbook scoped to the tenant.
func (r *PlaybookRepo) Get(ctx context.Context, tenantID string, playbookID int64) (*models.Playbook, error) {
	var p models.Playbook
	err := sqlx.GetContext(ctx, r.q, &p, `
		SELECT playbook_id, tenant_id, name, version, exception_type, conditions, priority, created_at
		FROM playbook
		WHERE tenant_id = $1 AND playbook_id = $2`,
		tenantID, playbookID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get playbook %d: %w", playbookID, err)
	}
	return &p, nil
}

// ListCandidates returns every playbook for the tenant, the matcher's
// candidate set.
func (r *PlaybookRepo) ListCandidates(ctx context.Context, tenantID string) ([]models.Playbook, error) {
	var out []models.Playbook
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT playbook_id, tenant_id, name, version, exception_type, conditions, priority, created_at
		FROM playbook
		WHERE tenant_id = $1
		ORDER BY priority DESC, playbook_id DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list playbooks for tenant %s: %w", tenantID, err)
	}
	return out, nil
}

// Steps returns the ordered steps of a playbook the tenant owns.
func (r *PlaybookRepo) Steps(ctx context.Context, tenantID string, playbookID int64) ([]models.PlaybookStep, error) {
	var out []models.PlaybookStep
	err := sqlx.SelectContext(ctx, r.q, &out, `
		SELECT s.step_id, s.playbook_id, s.step_order, s.name, s.action_type, s.params
		FROM playbook_step s
		JOIN playbook p ON p.playbook_id = s.playbook_id
		WHERE p.tenant_id = $1 AND s.playbook_id = $2
		ORDER BY s.step_order ASC`,
		tenantID, playbookID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps of playbook %d: %w", playbookID, err)
	}
	return out, nil
}
