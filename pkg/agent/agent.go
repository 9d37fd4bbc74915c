// Package agent implements the decision-making stages of the pipeline:
// triage, policy, resolution, and supervision. Every agent produces the
// same structured decision; workers wire agents to stages.
package agent

import (
	"context"

	"github.com/redress-io/redress/pkg/models"
)

// Decision is the standardized agent output consumed by workers.
type Decision struct {
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
	NextStep   string   `json:"nextStep"`
}

// Well-known NextStep values.
const (
	StepProceedToPolicy     = "ProceedToPolicy"
	StepProceedToResolution = "ProceedToResolution"
	StepRequireApproval     = "REQUIRE_APPROVAL"
	StepStartPlaybook       = "StartPlaybook"
	StepEscalate            = "ESCALATE"
	StepResolve             = "Resolve"
)

// Policy decision verdicts.
const (
	VerdictAllow           = "ALLOW"
	VerdictBlock           = "BLOCK"
	VerdictRequireApproval = "REQUIRE_APPROVAL"
)

// Context carries prior pipeline outputs into an agent.
type Context struct {
	// PriorOutputs maps stage name ("triage", "policy", "resolution")
	// to that stage's decision.
	PriorOutputs map[string]Decision

	// HumanApprovalRequired is set once any stage demanded approval.
	HumanApprovalRequired bool

	// Actionability classifies whether the exception has an approved
	// remediation process.
	Actionability string

	// ResolvedPlaybookID is the playbook chosen by resolution, if any.
	ResolvedPlaybookID *int64
}

// Agent is the single polymorphic capability every decision stage
// implements. Implementations are dispatched by worker wiring; there are
// no runtime capability checks.
type Agent interface {
	Process(ctx context.Context, exception *models.Exception, dctx *Context) (Decision, error)
}

// ToPayload renders a decision into an event payload.
func (d Decision) ToPayload() models.JSONMap {
	evidence := make([]any, len(d.Evidence))
	for i, e := range d.Evidence {
		evidence[i] = e
	}
	return models.JSONMap{
		"decision":   d.Decision,
		"confidence": d.Confidence,
		"evidence":   evidence,
		"nextStep":   d.NextStep,
	}
}

// DecisionFromPayload reads a decision back out of an event payload.
func DecisionFromPayload(payload models.JSONMap) Decision {
	d := Decision{}
	if m, ok := payload["decision"].(string); ok {
		d.Decision = m
	}
	switch v := payload["confidence"].(type) {
	case float64:
		d.Confidence = v
	case int:
		d.Confidence = float64(v)
	}
	if raw, ok := payload["evidence"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				d.Evidence = append(d.Evidence, s)
			}
		}
	}
	if s, ok := payload["nextStep"].(string); ok {
		d.NextStep = s
	}
	return d
}
