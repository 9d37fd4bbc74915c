// Package observability provides per-tenant counters, alert rule
// evaluation, and the append-only audit logger.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/redress-io/redress/pkg/models"
)

// TenantMetrics is a snapshot of one tenant's recent activity.
type TenantMetrics struct {
	TenantID           string
	ExceptionsInWindow int
	CriticalRecurrence map[string]int // exception_type → count in window
	OldestPendingAge   time.Duration
	ViolationCount     int
}

// Collector tracks per-tenant counters in memory and mirrors them to
// prometheus. Safe for concurrent use.
type Collector struct {
	window time.Duration

	mu         sync.Mutex
	exceptions map[string][]time.Time            // tenant → raise timestamps
	criticals  map[string]map[string][]time.Time // tenant → type → timestamps
	pending    map[string]map[string]time.Time   // tenant → exception id → pending since
	violations map[string]int                    // tenant → count

	exceptionsTotal *prometheus.CounterVec
	violationsTotal *prometheus.CounterVec
	pendingGauge    *prometheus.GaugeVec
}

// NewCollector creates a collector with the given rolling window.
func NewCollector(window time.Duration, reg prometheus.Registerer) *Collector {
	if window <= 0 {
		window = time.Hour
	}
	c := &Collector{
		window:     window,
		exceptions: make(map[string][]time.Time),
		criticals:  make(map[string]map[string][]time.Time),
		pending:    make(map[string]map[string]time.Time),
		violations: make(map[string]int),
		exceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redress_exceptions_total",
			Help: "Exceptions raised, by tenant and severity.",
		}, []string{"tenant_id", "severity"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redress_violations_total",
			Help: "Guardrail violations, by tenant, kind, and severity.",
		}, []string{"tenant_id", "kind", "severity"}),
		pendingGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redress_pending_approvals",
			Help: "Exceptions waiting for human approval, by tenant.",
		}, []string{"tenant_id"}),
	}
	if reg != nil {
		reg.MustRegister(c.exceptionsTotal, c.violationsTotal, c.pendingGauge)
	}
	return c
}

// RecordException notes a raised exception.
func (c *Collector) RecordException(tenantID string, severity models.Severity, exceptionType string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.exceptions[tenantID] = append(pruneOld(c.exceptions[tenantID], now, c.window), now)
	if severity == models.SeverityCritical {
		if c.criticals[tenantID] == nil {
			c.criticals[tenantID] = make(map[string][]time.Time)
		}
		c.criticals[tenantID][exceptionType] =
			append(pruneOld(c.criticals[tenantID][exceptionType], now, c.window), now)
	}
	c.exceptionsTotal.WithLabelValues(tenantID, string(severity)).Inc()
}

// RecordPendingApproval notes an exception entering the approval queue.
func (c *Collector) RecordPendingApproval(tenantID, exceptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[tenantID] == nil {
		c.pending[tenantID] = make(map[string]time.Time)
	}
	c.pending[tenantID][exceptionID] = time.Now()
	c.pendingGauge.WithLabelValues(tenantID).Set(float64(len(c.pending[tenantID])))
}

// ResolvePendingApproval removes an exception from the approval queue.
func (c *Collector) ResolvePendingApproval(tenantID, exceptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending[tenantID], exceptionID)
	c.pendingGauge.WithLabelValues(tenantID).Set(float64(len(c.pending[tenantID])))
}

// RecordViolation counts a guardrail violation.
func (c *Collector) RecordViolation(tenantID string, kind models.ViolationKind, severity models.Severity) {
	c.mu.Lock()
	c.violations[tenantID]++
	c.mu.Unlock()
	c.violationsTotal.WithLabelValues(tenantID, string(kind), string(severity)).Inc()
}

// Snapshot returns the tenant's current metrics.
func (c *Collector) Snapshot(tenantID string) TenantMetrics {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.exceptions[tenantID] = pruneOld(c.exceptions[tenantID], now, c.window)

	recurrence := make(map[string]int)
	for exceptionType, times := range c.criticals[tenantID] {
		pruned := pruneOld(times, now, c.window)
		c.criticals[tenantID][exceptionType] = pruned
		if len(pruned) > 0 {
			recurrence[exceptionType] = len(pruned)
		}
	}

	var oldest time.Duration
	for _, since := range c.pending[tenantID] {
		if age := now.Sub(since); age > oldest {
			oldest = age
		}
	}

	return TenantMetrics{
		TenantID:           tenantID,
		ExceptionsInWindow: len(c.exceptions[tenantID]),
		CriticalRecurrence: recurrence,
		OldestPendingAge:   oldest,
		ViolationCount:     c.violations[tenantID],
	}
}

// Tenants returns every tenant the collector has seen.
func (c *Collector) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	for t := range c.exceptions {
		seen[t] = true
	}
	for t := range c.pending {
		seen[t] = true
	}
	for t := range c.violations {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

func pruneOld(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(times); i++ {
		if times[i].After(cutoff) {
			break
		}
	}
	return times[i:]
}
