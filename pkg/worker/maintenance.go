package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/observability"
	"github.com/redress-io/redress/pkg/repository"
)

// Maintenance runs the background jobs that keep the pipeline healthy:
// the idempotency-ledger reaper, periodic alert evaluation, and event
// retention cleanup per tenant TTL policy.
type Maintenance struct {
	db        *sqlx.DB
	evaluator *observability.Evaluator // may be nil
	registry  *config.PackRegistry

	staleAfter time.Duration
	cron       *cron.Cron
	log        *slog.Logger
}

// NewMaintenance creates the maintenance scheduler. staleAfter is the
// grace window before a processing ledger row counts as abandoned.
func NewMaintenance(db *sqlx.DB, evaluator *observability.Evaluator, registry *config.PackRegistry, staleAfter time.Duration) *Maintenance {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Maintenance{
		db:         db,
		evaluator:  evaluator,
		registry:   registry,
		staleAfter: staleAfter,
		cron:       cron.New(),
		log:        slog.Default().With("component", "maintenance"),
	}
}

// Start schedules the jobs and starts the cron runner.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc("@every 1m", func() { m.reap(ctx) }); err != nil {
		return err
	}
	if m.evaluator != nil {
		if _, err := m.cron.AddFunc("@every 1m", func() { m.evaluator.EvaluateAll(ctx) }); err != nil {
			return err
		}
	}
	if _, err := m.cron.AddFunc("@every 1h", func() { m.enforceRetention(ctx) }); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info("Maintenance jobs scheduled", "stale_after", m.staleAfter)
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (m *Maintenance) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.log.Info("Maintenance stopped")
}

func (m *Maintenance) reap(ctx context.Context) {
	ledger := repository.NewLedgerRepo(m.db)
	reopened, err := ledger.ReapStale(ctx, m.staleAfter)
	if err != nil {
		m.log.Error("Ledger reap failed", "error", err)
		return
	}
	if reopened > 0 {
		m.log.Warn("Reopened stale ledger rows", "count", reopened)
	}
}

// enforceRetention deletes exception events past each tenant's TTL.
// Event deletion happens nowhere else: the log is append-only.
func (m *Maintenance) enforceRetention(ctx context.Context) {
	var tenants []string
	if err := m.db.SelectContext(ctx, &tenants,
		`SELECT DISTINCT tenant_id FROM exception_event`); err != nil {
		m.log.Error("Retention scan failed", "error", err)
		return
	}

	for _, tenantID := range tenants {
		ttlDays := 90
		if policy, err := m.registry.TenantPolicyAny(tenantID); err == nil &&
			policy.Retention != nil && policy.Retention.DataTTLDays > 0 {
			ttlDays = policy.Retention.DataTTLDays
		}

		res, err := m.db.ExecContext(ctx, `
			DELETE FROM exception_event
			WHERE tenant_id = $1 AND created_at < now() - make_interval(days => $2)`,
			tenantID, ttlDays)
		if err != nil {
			m.log.Error("Retention delete failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if deleted, _ := res.RowsAffected(); deleted > 0 {
			m.log.Info("Retention cleanup", "tenant_id", tenantID, "deleted", deleted, "ttl_days", ttlDays)
		}
	}
}
