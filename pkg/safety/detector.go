// Package safety detects guardrail violations and promotes repeated
// breaches to incidents.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redress-io/redress/pkg/agent"
	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
)

// Notifier is the slice of the notification service the detector uses.
type Notifier interface {
	Send(ctx context.Context, tenantID, group, subject, message, payloadLink string) error
}

// MetricsRecorder counts violations per tenant.
type MetricsRecorder interface {
	RecordViolation(tenantID string, kind models.ViolationKind, severity models.Severity)
}

// Detector checks policy decisions and tool calls against guardrails,
// records violations append-only as per-tenant JSONL, and notifies on
// HIGH/CRITICAL breaches.
type Detector struct {
	storageDir string
	registry   *config.PackRegistry
	metrics    MetricsRecorder // may be nil
	notifier   Notifier        // may be nil
	log        *slog.Logger

	mu sync.Mutex // serializes JSONL appends
}

// NewDetector creates a detector writing violations under storageDir.
func NewDetector(storageDir string, registry *config.PackRegistry, metrics MetricsRecorder, notifier Notifier) (*Detector, error) {
	if storageDir == "" {
		storageDir = filepath.Join("runtime", "violations")
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create violation storage dir: %w", err)
	}
	return &Detector{
		storageDir: storageDir,
		registry:   registry,
		metrics:    metrics,
		notifier:   notifier,
		log:        slog.Default().With("component", "violation-detector"),
	}, nil
}

// CheckPolicyDecision detects guardrail breaches in a policy decision.
// Returns every violation found; each is already recorded.
func (d *Detector) CheckPolicyDecision(ctx context.Context, exception *models.Exception, policyDecision agent.Decision) []models.Violation {
	var violations []models.Violation

	tenantPolicy, _ := d.registry.TenantPolicyAny(exception.TenantID)
	var domainPack *config.DomainPack
	if domain := exception.Domain(); domain != "" {
		domainPack, _ = d.registry.DomainPack(domain)
	}

	var guardrails *config.Guardrails
	if tenantPolicy != nil {
		g := tenantPolicy.EffectiveGuardrails(domainPack)
		guardrails = &g
	} else if domainPack != nil {
		guardrails = &domainPack.Guardrails
	}

	allowedWithoutApproval := policyDecision.Decision == agent.VerdictAllow &&
		!strings.Contains(policyDecision.NextStep, agent.StepRequireApproval)

	if guardrails != nil {
		decisionUpper := strings.ToUpper(policyDecision.Decision)
		for _, blocked := range guardrails.BlockLists {
			if strings.Contains(decisionUpper, strings.ToUpper(blocked)) {
				violations = append(violations, d.newPolicyViolation(exception,
					"block_list_"+blocked,
					fmt.Sprintf("Policy decision violates block list: %s", blocked),
					models.SeverityHigh, policyDecision))
			}
		}

		if guardrails.HumanApprovalThreshold > 0 &&
			policyDecision.Confidence < guardrails.HumanApprovalThreshold &&
			allowedWithoutApproval {
			violations = append(violations, d.newPolicyViolation(exception,
				"human_approval_threshold",
				fmt.Sprintf("Decision ALLOW with confidence %.2f below threshold %.2f without requiring approval",
					policyDecision.Confidence, guardrails.HumanApprovalThreshold),
				models.SeverityMedium, policyDecision))
		}
	}

	if tenantPolicy != nil && tenantPolicy.RequiresApproval(exception.Severity) && allowedWithoutApproval {
		violations = append(violations, d.newPolicyViolation(exception,
			"human_approval_rule_"+string(exception.Severity),
			fmt.Sprintf("Severity %s requires approval but decision is ALLOW without approval", exception.Severity),
			models.SeverityHigh, policyDecision))
	}

	if exception.Severity == models.SeverityCritical && allowedWithoutApproval {
		violations = append(violations, d.newPolicyViolation(exception,
			"critical_severity_auto_action",
			"CRITICAL severity exception allowed without approval",
			models.SeverityCritical, policyDecision))
	}

	for _, v := range violations {
		d.Record(ctx, v)
	}
	return violations
}

// CheckToolCall detects unauthorized tool usage. Returns the violation
// (already recorded) or nil.
func (d *Detector) CheckToolCall(ctx context.Context, tenantID, exceptionID, toolName string, request models.JSONMap) *models.Violation {
	tenantPolicy, _ := d.registry.TenantPolicyAny(tenantID)
	if tenantPolicy == nil {
		return nil
	}

	violation := func(ruleID, description string, severity models.Severity) *models.Violation {
		v := models.Violation{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ExceptionID: exceptionID,
			Kind:        models.ViolationTool,
			ToolName:    toolName,
			RuleID:      ruleID,
			Description: description,
			Severity:    severity,
			Timestamp:   time.Now().UTC(),
			Context:     models.JSONMap{"tool_call_request": map[string]any(request)},
		}
		d.Record(ctx, v)
		return &v
	}

	if len(tenantPolicy.ApprovedTools) > 0 && !contains(tenantPolicy.ApprovedTools, toolName) {
		return violation("approved_tools",
			fmt.Sprintf("Tool %q is not in approved tools list", toolName), models.SeverityHigh)
	}

	if tenantPolicy.CustomGuardrails != nil {
		if contains(tenantPolicy.CustomGuardrails.BlockLists, toolName) {
			return violation("tool_block_list",
				fmt.Sprintf("Tool %q is in block list", toolName), models.SeverityCritical)
		}
		if len(tenantPolicy.CustomGuardrails.AllowLists) > 0 &&
			!contains(tenantPolicy.CustomGuardrails.AllowLists, toolName) {
			return violation("tool_allow_list",
				fmt.Sprintf("Tool %q is not in allow list", toolName), models.SeverityHigh)
		}
	}

	return nil
}

// Record appends the violation to the tenant's JSONL file, updates
// metrics, and notifies for HIGH/CRITICAL severity.
func (d *Detector) Record(ctx context.Context, v models.Violation) {
	d.mu.Lock()
	path := filepath.Join(d.storageDir, v.TenantID+"_violations.jsonl")
	if err := appendJSONL(path, v); err != nil {
		d.log.Error("Failed to persist violation", "tenant_id", v.TenantID, "error", err)
	}
	d.mu.Unlock()

	d.log.Warn("Violation detected",
		"kind", v.Kind, "tenant_id", v.TenantID,
		"exception_id", v.ExceptionID, "severity", v.Severity, "rule_id", v.RuleID)

	if d.metrics != nil {
		d.metrics.RecordViolation(v.TenantID, v.Kind, v.Severity)
	}

	if d.notifier != nil && v.Severity.AtLeast(models.SeverityHigh) {
		subject := fmt.Sprintf("Security violation alert: %s violation", v.Kind)
		message := fmt.Sprintf(
			"Violation detected:\nKind: %s\nSeverity: %s\nTenant: %s\nException: %s\nDescription: %s",
			v.Kind, v.Severity, v.TenantID, v.ExceptionID, v.Description)
		if err := d.notifier.Send(ctx, v.TenantID, "SecurityOps", subject, message, ""); err != nil {
			d.log.Error("Failed to send violation notification", "error", err)
		}
	}
}

func (d *Detector) newPolicyViolation(exception *models.Exception, ruleID, description string, severity models.Severity, decision agent.Decision) models.Violation {
	return models.Violation{
		ID:          uuid.NewString(),
		TenantID:    exception.TenantID,
		ExceptionID: exception.ExceptionID,
		Kind:        models.ViolationPolicy,
		AgentName:   "PolicyAgent",
		RuleID:      ruleID,
		Description: description,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Context: models.JSONMap{
			"decision":   decision.Decision,
			"confidence": decision.Confidence,
			"nextStep":   decision.NextStep,
		},
	}
}

func appendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func contains(list []string, item string) bool {
	for _, l := range list {
		if l == item {
			return true
		}
	}
	return false
}
