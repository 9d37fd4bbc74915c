package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
)

// SupervisorAgent reviews the outputs of policy and resolution and
// intervenes when the chain looks unsafe. It never executes tools; it
// only governs flow by overriding NextStep to ESCALATE.
//
// Escalation rules:
//   - current confidence below the minimum threshold (default 0.6)
//   - current confidence more than 0.2 below the lowest prior confidence
//   - severity HIGH/CRITICAL with confidence below 0.7
//   - severity CRITICAL with any prior confidence below 0.8
//   - CRITICAL allowed without the approval the tenant requires
//   - actionable exception without a resolved plan
type SupervisorAgent struct {
	registry     *config.PackRegistry
	minThreshold float64
	log          *slog.Logger
}

// NewSupervisorAgent creates a supervisor with the default 0.6 minimum
// confidence threshold.
func NewSupervisorAgent(registry *config.PackRegistry) *SupervisorAgent {
	return &SupervisorAgent{
		registry:     registry,
		minThreshold: 0.6,
		log:          slog.Default().With("agent", "supervisor"),
	}
}

// ReviewPostPolicy reviews the policy decision.
func (a *SupervisorAgent) ReviewPostPolicy(_ context.Context, exception *models.Exception, policyDecision Decision, dctx *Context) Decision {
	if dctx == nil {
		dctx = &Context{}
	}

	var issues []string
	issues = append(issues, a.checkConfidenceChain(dctx.PriorOutputs, policyDecision)...)
	issues = append(issues, a.checkPolicyCompliance(exception, policyDecision, dctx)...)
	issues = append(issues, a.checkSeverityMismatch(exception, dctx.PriorOutputs, policyDecision)...)

	return a.verdict(exception, policyDecision, "post-policy", issues)
}

// ReviewPostResolution reviews the resolution decision.
func (a *SupervisorAgent) ReviewPostResolution(_ context.Context, exception *models.Exception, resolutionDecision Decision, dctx *Context) Decision {
	if dctx == nil {
		dctx = &Context{}
	}

	var issues []string
	issues = append(issues, a.checkConfidenceChain(dctx.PriorOutputs, resolutionDecision)...)
	issues = append(issues, a.checkResolutionSafety(exception, resolutionDecision, dctx)...)
	issues = append(issues, a.checkCriticalHandling(exception, dctx.PriorOutputs)...)

	return a.verdict(exception, resolutionDecision, "post-resolution", issues)
}

func (a *SupervisorAgent) verdict(exception *models.Exception, reviewed Decision, checkpoint string, issues []string) Decision {
	evidence := []string{
		fmt.Sprintf("supervisor review: %s checkpoint", checkpoint),
		fmt.Sprintf("reviewed confidence: %.2f", reviewed.Confidence),
	}
	evidence = append(evidence, issues...)

	if len(issues) > 0 {
		a.log.Warn("Supervisor intervening",
			"exception_id", exception.ExceptionID, "checkpoint", checkpoint, "issues", len(issues))
		return Decision{
			Decision:   "Supervisor intervened: escalating due to safety concerns",
			Confidence: 0.9,
			Evidence:   evidence,
			NextStep:   StepEscalate,
		}
	}

	a.log.Info("Supervisor approved",
		"exception_id", exception.ExceptionID, "checkpoint", checkpoint)
	return Decision{
		Decision:   "Supervisor approved: flow continues as planned",
		Confidence: 0.8,
		Evidence:   evidence,
		NextStep:   reviewed.NextStep,
	}
}

func (a *SupervisorAgent) checkConfidenceChain(prior map[string]Decision, current Decision) []string {
	var issues []string

	if current.Confidence < a.minThreshold {
		issues = append(issues, fmt.Sprintf(
			"confidence issue: current decision confidence (%.2f) below threshold (%.2f)",
			current.Confidence, a.minThreshold))
	}

	for stage, output := range prior {
		if output.Confidence < a.minThreshold {
			issues = append(issues, fmt.Sprintf(
				"confidence issue: %s confidence (%.2f) below threshold (%.2f)",
				stage, output.Confidence, a.minThreshold))
		}
	}

	if len(prior) > 0 {
		lowest := 1.0
		for _, output := range prior {
			if output.Confidence < lowest {
				lowest = output.Confidence
			}
		}
		if current.Confidence < lowest-0.2 {
			issues = append(issues, fmt.Sprintf(
				"confidence issue: degraded significantly, %.2f -> %.2f", lowest, current.Confidence))
		}
	}

	return issues
}

func (a *SupervisorAgent) checkPolicyCompliance(exception *models.Exception, policyDecision Decision, dctx *Context) []string {
	var issues []string

	tenantPolicy, _ := a.registry.TenantPolicyAny(exception.TenantID)

	if exception.Severity == models.SeverityCritical && !dctx.HumanApprovalRequired {
		requires := tenantPolicy != nil && tenantPolicy.RequiresApproval(models.SeverityCritical)
		if requires && policyDecision.Decision == VerdictAllow {
			issues = append(issues, "policy breach: CRITICAL severity requires human approval but not flagged")
		}
	}

	if tenantPolicy != nil {
		var domainPack *config.DomainPack
		if domain := exception.Domain(); domain != "" {
			domainPack, _ = a.registry.DomainPack(domain)
		}
		guardrails := tenantPolicy.EffectiveGuardrails(domainPack)
		if guardrails.HumanApprovalThreshold > 0 &&
			policyDecision.Confidence < guardrails.HumanApprovalThreshold &&
			!dctx.HumanApprovalRequired {
			issues = append(issues, fmt.Sprintf(
				"policy breach: confidence (%.2f) below approval threshold (%.2f) but approval not required",
				policyDecision.Confidence, guardrails.HumanApprovalThreshold))
		}
	}

	return issues
}

func (a *SupervisorAgent) checkSeverityMismatch(exception *models.Exception, prior map[string]Decision, current Decision) []string {
	var issues []string

	if exception.Severity == models.SeverityHigh || exception.Severity == models.SeverityCritical {
		if current.Confidence < 0.7 {
			issues = append(issues, fmt.Sprintf(
				"severity issue: %s severity but low confidence (%.2f)",
				exception.Severity, current.Confidence))
		}
	}

	if triage, ok := prior["triage"]; ok {
		if exception.Severity == models.SeverityCritical && triage.Confidence < 0.8 {
			issues = append(issues, fmt.Sprintf(
				"severity issue: CRITICAL severity but triage confidence only %.2f", triage.Confidence))
		}
	}

	return issues
}

func (a *SupervisorAgent) checkResolutionSafety(exception *models.Exception, resolutionDecision Decision, dctx *Context) []string {
	var issues []string

	if exception.Severity == models.SeverityCritical && resolutionDecision.Confidence < 0.8 {
		issues = append(issues, fmt.Sprintf(
			"safety issue: CRITICAL exception resolved with low confidence (%.2f)",
			resolutionDecision.Confidence))
	}

	if dctx.Actionability == "ACTIONABLE_APPROVED_PROCESS" && dctx.ResolvedPlaybookID == nil {
		issues = append(issues, "safety issue: actionable exception but no resolved plan found")
	}

	return issues
}

func (a *SupervisorAgent) checkCriticalHandling(exception *models.Exception, prior map[string]Decision) []string {
	var issues []string

	if exception.Severity != models.SeverityCritical {
		return nil
	}
	for stage, output := range prior {
		if output.Confidence < 0.8 {
			issues = append(issues, fmt.Sprintf(
				"critical issue: CRITICAL severity but %s confidence only %.2f", stage, output.Confidence))
		}
	}
	return issues
}
