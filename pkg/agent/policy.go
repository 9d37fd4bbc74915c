package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
)

// PolicyAgent enforces tenant guardrails over proposed actions: allow
// and block lists, the human-approval confidence threshold, and
// per-severity approval rules. Tenant custom guardrails override the
// domain pack's.
type PolicyAgent struct {
	registry *config.PackRegistry
	log      *slog.Logger
}

// NewPolicyAgent creates a policy agent.
func NewPolicyAgent(registry *config.PackRegistry) *PolicyAgent {
	return &PolicyAgent{
		registry: registry,
		log:      slog.Default().With("agent", "policy"),
	}
}

// Process evaluates the exception against the effective guardrails.
func (a *PolicyAgent) Process(_ context.Context, exception *models.Exception, dctx *Context) (Decision, error) {
	if dctx == nil {
		dctx = &Context{}
	}

	var domainPack *config.DomainPack
	var tenantPolicy *config.TenantPolicyPack
	if domain := exception.Domain(); domain != "" {
		domainPack, _ = a.registry.DomainPack(domain)
		tenantPolicy, _ = a.registry.TenantPolicy(exception.TenantID, domain)
	}
	if tenantPolicy == nil {
		tenantPolicy, _ = a.registry.TenantPolicyAny(exception.TenantID)
	}

	guardrails := config.Guardrails{HumanApprovalThreshold: 0.8}
	guardrailSource := "platform defaults"
	if tenantPolicy != nil {
		guardrails = tenantPolicy.EffectiveGuardrails(domainPack)
		if tenantPolicy.CustomGuardrails != nil {
			guardrailSource = "tenant custom guardrails"
		} else {
			guardrailSource = "domain pack guardrails"
		}
	}

	evidence := []string{fmt.Sprintf("guardrails: %s", guardrailSource)}

	// Block-list check against the exception type.
	for _, blocked := range guardrails.BlockLists {
		if strings.EqualFold(blocked, exception.ExceptionType) {
			evidence = append(evidence, fmt.Sprintf("exception type %q is block-listed", exception.ExceptionType))
			return Decision{
				Decision:   VerdictBlock,
				Confidence: 0.95,
				Evidence:   evidence,
				NextStep:   StepEscalate,
			}, nil
		}
	}

	triageConfidence := 1.0
	if triage, ok := dctx.PriorOutputs["triage"]; ok {
		triageConfidence = triage.Confidence
		evidence = append(evidence, fmt.Sprintf("triage confidence: %.2f", triage.Confidence))
	}

	// Approval demanded by severity rule or by low confidence.
	requireApproval := false
	if tenantPolicy != nil && tenantPolicy.RequiresApproval(exception.Severity) {
		requireApproval = true
		evidence = append(evidence, fmt.Sprintf("severity %s requires human approval per tenant rule", exception.Severity))
	}
	if guardrails.HumanApprovalThreshold > 0 && triageConfidence < guardrails.HumanApprovalThreshold {
		requireApproval = true
		evidence = append(evidence, fmt.Sprintf("confidence %.2f below approval threshold %.2f",
			triageConfidence, guardrails.HumanApprovalThreshold))
	}

	if requireApproval {
		return Decision{
			Decision:   VerdictRequireApproval,
			Confidence: 0.85,
			Evidence:   evidence,
			NextStep:   StepRequireApproval,
		}, nil
	}

	evidence = append(evidence, "no guardrail breaches detected")
	return Decision{
		Decision:   VerdictAllow,
		Confidence: 0.9,
		Evidence:   evidence,
		NextStep:   StepProceedToResolution,
	}, nil
}
