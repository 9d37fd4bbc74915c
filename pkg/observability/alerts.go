package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertRuleType identifies a built-in alert rule.
type AlertRuleType string

// Built-in alert rules.
const (
	RuleHighExceptionVolume AlertRuleType = "HIGH_EXCEPTION_VOLUME"
	RuleRepeatedCritical    AlertRuleType = "REPEATED_CRITICAL_BREAKS"
	RuleCircuitBreakerOpen  AlertRuleType = "TOOL_CIRCUIT_BREAKER_OPEN"
	RuleApprovalQueueAging  AlertRuleType = "APPROVAL_QUEUE_AGING"
)

// AlertRule configures one rule.
type AlertRule struct {
	RuleType          AlertRuleType
	Enabled           bool
	Threshold         float64
	WindowMinutes     int
	Severity          string
	NotificationGroup string
}

// DefaultAlertRules returns the built-in rule set.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{RuleType: RuleHighExceptionVolume, Enabled: true, Threshold: 100, WindowMinutes: 60, Severity: "HIGH", NotificationGroup: "OpsTeam"},
		{RuleType: RuleRepeatedCritical, Enabled: true, Threshold: 5, WindowMinutes: 60, Severity: "CRITICAL", NotificationGroup: "OnCall"},
		{RuleType: RuleCircuitBreakerOpen, Enabled: true, Severity: "HIGH", NotificationGroup: "DevOps"},
		{RuleType: RuleApprovalQueueAging, Enabled: true, Threshold: 3600, WindowMinutes: 60, Severity: "MEDIUM", NotificationGroup: "ApprovalTeam"},
	}
}

// Alert is a triggered alert.
type Alert struct {
	AlertID        string         `json:"alertId"`
	TenantID       string         `json:"tenantId"`
	RuleType       AlertRuleType  `json:"ruleType"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	Snapshot       map[string]any `json:"metricsSnapshot"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
}

// BreakerStates reports circuit breaker states keyed "tenant_id/tool_id"
// with open breakers marked true.
type BreakerStates func() map[string]bool

// alertNotifier is the slice of the notification service the evaluator uses.
type alertNotifier interface {
	Send(ctx context.Context, tenantID, group, subject, message, payloadLink string) error
}

// Evaluator runs alert rules over tenant metrics. Alerts deduplicate per
// (tenant, rule type) until resolved; acknowledging an alert does not
// re-arm its rule.
type Evaluator struct {
	collector *Collector
	breakers  BreakerStates // may be nil
	notifier  alertNotifier // may be nil
	rules     []AlertRule
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*Alert // "tenant:rule" → alert
}

// NewEvaluator creates an evaluator with the given rule set (nil uses
// the defaults).
func NewEvaluator(collector *Collector, breakers BreakerStates, notifier alertNotifier, rules []AlertRule) *Evaluator {
	if rules == nil {
		rules = DefaultAlertRules()
	}
	return &Evaluator{
		collector: collector,
		breakers:  breakers,
		notifier:  notifier,
		rules:     rules,
		active:    make(map[string]*Alert),
		log:       slog.Default().With("component", "alert-evaluator"),
	}
}

// EvaluateAll evaluates every known tenant.
func (e *Evaluator) EvaluateAll(ctx context.Context) []Alert {
	var out []Alert
	for _, tenantID := range e.collector.Tenants() {
		out = append(out, e.Evaluate(ctx, tenantID)...)
	}
	return out
}

// Evaluate runs every enabled rule for one tenant and returns newly
// triggered alerts.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string) []Alert {
	metrics := e.collector.Snapshot(tenantID)

	var triggered []Alert
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		alert := e.evaluateRule(rule, tenantID, metrics)
		if alert == nil {
			continue
		}

		key := tenantID + ":" + string(rule.RuleType)
		e.mu.Lock()
		_, exists := e.active[key]
		if !exists {
			e.active[key] = alert
		}
		e.mu.Unlock()
		if exists {
			continue
		}

		triggered = append(triggered, *alert)
		e.log.Warn("Alert triggered",
			"tenant_id", tenantID, "rule", rule.RuleType, "severity", rule.Severity)

		if e.notifier != nil && rule.NotificationGroup != "" {
			subject := fmt.Sprintf("Alert: %s", rule.RuleType)
			if err := e.notifier.Send(ctx, tenantID, rule.NotificationGroup, subject, alert.Message, ""); err != nil {
				e.log.Error("Failed to notify alert", "rule", rule.RuleType, "error", err)
			}
		}
	}
	return triggered
}

// Acknowledge marks an active alert acknowledged.
func (e *Evaluator) Acknowledge(alertID, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, alert := range e.active {
		if alert.AlertID == alertID {
			now := time.Now().UTC()
			alert.AcknowledgedBy = by
			alert.AcknowledgedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

// Resolve closes an active alert, re-arming its (tenant, rule) slot.
func (e *Evaluator) Resolve(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, alert := range e.active {
		if alert.AlertID == alertID {
			now := time.Now().UTC()
			alert.ResolvedAt = &now
			delete(e.active, key)
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alertID)
}

// Active returns the currently active alerts for a tenant.
func (e *Evaluator) Active(tenantID string) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, alert := range e.active {
		if alert.TenantID == tenantID {
			out = append(out, *alert)
		}
	}
	return out
}

func (e *Evaluator) evaluateRule(rule AlertRule, tenantID string, metrics TenantMetrics) *Alert {
	newAlert := func(message string, snapshot map[string]any) *Alert {
		return &Alert{
			AlertID:     uuid.NewString(),
			TenantID:    tenantID,
			RuleType:    rule.RuleType,
			Severity:    rule.Severity,
			Message:     message,
			TriggeredAt: time.Now().UTC(),
			Snapshot:    snapshot,
		}
	}

	switch rule.RuleType {
	case RuleHighExceptionVolume:
		if float64(metrics.ExceptionsInWindow) >= rule.Threshold {
			return newAlert(
				fmt.Sprintf("High exception volume: %d exceptions in the last %d minutes (threshold %d)",
					metrics.ExceptionsInWindow, rule.WindowMinutes, int(rule.Threshold)),
				map[string]any{"exceptions_in_window": metrics.ExceptionsInWindow})
		}

	case RuleRepeatedCritical:
		for exceptionType, count := range metrics.CriticalRecurrence {
			if float64(count) >= rule.Threshold {
				return newAlert(
					fmt.Sprintf("Repeated CRITICAL breaks: %q recurred %d times in the last %d minutes",
						exceptionType, count, rule.WindowMinutes),
					map[string]any{"exception_type": exceptionType, "recurrence": count})
			}
		}

	case RuleCircuitBreakerOpen:
		if e.breakers == nil {
			return nil
		}
		for key, open := range e.breakers() {
			if open && keyBelongsToTenant(key, tenantID) {
				return newAlert(
					fmt.Sprintf("Tool circuit breaker open: %s", key),
					map[string]any{"breaker": key})
			}
		}

	case RuleApprovalQueueAging:
		if metrics.OldestPendingAge.Seconds() > rule.Threshold {
			return newAlert(
				fmt.Sprintf("Approval queue aging: oldest pending approval is %s old (threshold %ds)",
					metrics.OldestPendingAge.Round(time.Second), int(rule.Threshold)),
				map[string]any{"oldest_pending_seconds": metrics.OldestPendingAge.Seconds()})
		}
	}

	return nil
}

func keyBelongsToTenant(breakerKey, tenantID string) bool {
	return len(breakerKey) > len(tenantID) &&
		breakerKey[:len(tenantID)] == tenantID &&
		breakerKey[len(tenantID)] == '/'
}
