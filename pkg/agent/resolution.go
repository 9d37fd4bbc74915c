package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/playbook"
)

// candidateLister loads the tenant's candidate playbooks.
type candidateLister interface {
	ListCandidates(ctx context.Context, tenantID string) ([]models.Playbook, error)
}

// ResolutionAgent produces a remediation plan by matching the exception
// to a playbook.
type ResolutionAgent struct {
	registry  *config.PackRegistry
	playbooks candidateLister
	log       *slog.Logger
}

// NewResolutionAgent creates a resolution agent.
func NewResolutionAgent(registry *config.PackRegistry, playbooks candidateLister) *ResolutionAgent {
	return &ResolutionAgent{
		registry:  registry,
		playbooks: playbooks,
		log:       slog.Default().With("agent", "resolution"),
	}
}

// Process matches the exception against candidate playbooks and returns
// a plan referencing the winner, or an escalation when nothing matches.
func (a *ResolutionAgent) Process(ctx context.Context, exception *models.Exception, dctx *Context) (Decision, error) {
	candidates, err := a.playbooks.ListCandidates(ctx, exception.TenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("load candidate playbooks: %w", err)
	}

	var tenantTags []string
	if policy, err := a.registry.TenantPolicyAny(exception.TenantID); err == nil {
		tenantTags = policy.Tags
	}

	result := playbook.Match(exception, candidates, tenantTags)
	if result.Playbook == nil {
		return Decision{
			Decision:   "No matching playbook found",
			Confidence: 0.4,
			Evidence:   []string{result.Reasoning},
			NextStep:   StepEscalate,
		}, nil
	}

	if dctx != nil {
		id := result.Playbook.PlaybookID
		dctx.ResolvedPlaybookID = &id
	}

	return Decision{
		Decision: fmt.Sprintf("Resolution plan: playbook %q (id %d)",
			result.Playbook.Name, result.Playbook.PlaybookID),
		Confidence: 0.85,
		Evidence: []string{
			result.Reasoning,
			fmt.Sprintf("playbook_id: %d", result.Playbook.PlaybookID),
			fmt.Sprintf("playbook_name: %s", result.Playbook.Name),
		},
		NextStep: StepStartPlaybook,
	}, nil
}
