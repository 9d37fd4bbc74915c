package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/models"
)

func TestHighExceptionVolumeRule(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	rules := []AlertRule{
		{RuleType: RuleHighExceptionVolume, Enabled: true, Threshold: 3, WindowMinutes: 60, Severity: "HIGH"},
	}
	evaluator := NewEvaluator(collector, nil, nil, rules)

	for i := 0; i < 2; i++ {
		collector.RecordException("t1", models.SeverityMedium, "X")
	}
	assert.Empty(t, evaluator.Evaluate(context.Background(), "t1"))

	collector.RecordException("t1", models.SeverityMedium, "X")
	alerts := evaluator.Evaluate(context.Background(), "t1")
	require.Len(t, alerts, 1)
	assert.Equal(t, RuleHighExceptionVolume, alerts[0].RuleType)
}

func TestRepeatedCriticalRule(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	rules := []AlertRule{
		{RuleType: RuleRepeatedCritical, Enabled: true, Threshold: 2, WindowMinutes: 60, Severity: "CRITICAL"},
	}
	evaluator := NewEvaluator(collector, nil, nil, rules)

	collector.RecordException("t1", models.SeverityCritical, "LedgerMismatch")
	assert.Empty(t, evaluator.Evaluate(context.Background(), "t1"))

	collector.RecordException("t1", models.SeverityCritical, "LedgerMismatch")
	alerts := evaluator.Evaluate(context.Background(), "t1")
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "LedgerMismatch")
}

func TestCircuitBreakerOpenRule(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	open := false
	breakers := func() map[string]bool {
		return map[string]bool{"t1/5": open, "t2/7": false}
	}
	rules := []AlertRule{
		{RuleType: RuleCircuitBreakerOpen, Enabled: true, Severity: "HIGH"},
	}
	evaluator := NewEvaluator(collector, breakers, nil, rules)

	// Make the tenant known to the collector (EvaluateAll only visits known
	// tenants); Evaluate below is called for t1 directly.
	collector.RecordException("t1", models.SeverityLow, "X")

	assert.Empty(t, evaluator.Evaluate(context.Background(), "t1"))

	open = true
	alerts := evaluator.Evaluate(context.Background(), "t1")
	require.Len(t, alerts, 1)
	assert.Equal(t, RuleCircuitBreakerOpen, alerts[0].RuleType)
	assert.Contains(t, alerts[0].Message, "t1/5")
}

func TestBreakerOfOtherTenantDoesNotAlert(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	breakers := func() map[string]bool {
		return map[string]bool{"t2/7": true}
	}
	rules := []AlertRule{{RuleType: RuleCircuitBreakerOpen, Enabled: true, Severity: "HIGH"}}
	evaluator := NewEvaluator(collector, breakers, nil, rules)

	collector.RecordException("t1", models.SeverityLow, "X")
	assert.Empty(t, evaluator.Evaluate(context.Background(), "t1"))
}

func TestApprovalQueueAgingRule(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	rules := []AlertRule{
		{RuleType: RuleApprovalQueueAging, Enabled: true, Threshold: 0, Severity: "MEDIUM"},
	}
	evaluator := NewEvaluator(collector, nil, nil, rules)

	collector.RecordPendingApproval("t1", "exc-1")
	time.Sleep(5 * time.Millisecond)

	alerts := evaluator.Evaluate(context.Background(), "t1")
	require.Len(t, alerts, 1)
	assert.Equal(t, RuleApprovalQueueAging, alerts[0].RuleType)

	collector.ResolvePendingApproval("t1", "exc-1")
}

func TestAlertDeduplicationAndResolve(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	rules := []AlertRule{
		{RuleType: RuleHighExceptionVolume, Enabled: true, Threshold: 1, WindowMinutes: 60, Severity: "HIGH"},
	}
	evaluator := NewEvaluator(collector, nil, nil, rules)

	collector.RecordException("t1", models.SeverityLow, "X")
	first := evaluator.Evaluate(context.Background(), "t1")
	require.Len(t, first, 1)

	// Still firing: deduplicated per (tenant, rule type).
	assert.Empty(t, evaluator.Evaluate(context.Background(), "t1"))
	assert.Len(t, evaluator.Active("t1"), 1)

	require.NoError(t, evaluator.Acknowledge(first[0].AlertID, "oncall"))
	require.NoError(t, evaluator.Resolve(first[0].AlertID))
	assert.Empty(t, evaluator.Active("t1"))

	// After resolve, the rule can fire again.
	again := evaluator.Evaluate(context.Background(), "t1")
	assert.Len(t, again, 1)
}

func TestCollectorWindowPruning(t *testing.T) {
	collector := NewCollector(10*time.Millisecond, nil)
	collector.RecordException("t1", models.SeverityCritical, "X")

	time.Sleep(20 * time.Millisecond)
	metrics := collector.Snapshot("t1")
	assert.Equal(t, 0, metrics.ExceptionsInWindow)
	assert.Empty(t, metrics.CriticalRecurrence)
}

func TestCollectorViolationCounts(t *testing.T) {
	collector := NewCollector(time.Hour, nil)
	collector.RecordViolation("t1", models.ViolationPolicy, models.SeverityHigh)
	collector.RecordViolation("t1", models.ViolationTool, models.SeverityCritical)

	assert.Equal(t, 2, collector.Snapshot("t1").ViolationCount)
}
