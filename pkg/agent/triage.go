package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
)

// SimilarException is one neighbor from the similarity index.
type SimilarException struct {
	ExceptionID string
	Score       float64
}

// SimilarityIndex finds past exceptions resembling the current one.
// Backed by the embedding provider and vector store; optional.
type SimilarityIndex interface {
	Similar(ctx context.Context, tenantID, text string, limit int) ([]SimilarException, error)
}

// TriageAgent classifies exception type and severity from the domain
// pack's rules, optionally strengthening confidence with similar past
// exceptions from the vector index.
type TriageAgent struct {
	registry *config.PackRegistry
	index    SimilarityIndex // may be nil
	log      *slog.Logger
}

// NewTriageAgent creates a triage agent. index may be nil.
func NewTriageAgent(registry *config.PackRegistry, index SimilarityIndex) *TriageAgent {
	return &TriageAgent{
		registry: registry,
		index:    index,
		log:      slog.Default().With("agent", "triage"),
	}
}

// Process classifies the exception and assigns severity.
func (a *TriageAgent) Process(ctx context.Context, exception *models.Exception, _ *Context) (Decision, error) {
	var domainPack *config.DomainPack
	var tenantPolicy *config.TenantPolicyPack

	if domain := exception.Domain(); domain != "" {
		domainPack, _ = a.registry.DomainPack(domain)
		tenantPolicy, _ = a.registry.TenantPolicy(exception.TenantID, domain)
	}
	if tenantPolicy == nil {
		tenantPolicy, _ = a.registry.TenantPolicyAny(exception.TenantID)
	}

	severity, severitySource := config.SeverityFor(exception.ExceptionType, domainPack, tenantPolicy)

	confidence := 0.6
	evidence := []string{
		fmt.Sprintf("exception_type: %s", exception.ExceptionType),
		fmt.Sprintf("severity %s (%s)", severity, severitySource),
	}

	if domainPack != nil && slices.Contains(domainPack.ExceptionTypes, exception.ExceptionType) {
		confidence = 0.9
		evidence = append(evidence, fmt.Sprintf("known exception type in domain pack %q", domainPack.Domain))
	} else if domainPack != nil {
		evidence = append(evidence, fmt.Sprintf("exception type not declared in domain pack %q", domainPack.Domain))
	} else {
		evidence = append(evidence, "no domain pack registered for exception domain")
	}

	if a.index != nil {
		neighbors, err := a.index.Similar(ctx, exception.TenantID, triageText(exception), 3)
		if err != nil {
			a.log.Warn("Similarity lookup failed", "exception_id", exception.ExceptionID, "error", err)
		} else if len(neighbors) > 0 {
			best := neighbors[0]
			evidence = append(evidence, fmt.Sprintf("similar past exception %s (score %.2f)", best.ExceptionID, best.Score))
			if best.Score >= 0.85 && confidence < 0.95 {
				confidence += 0.05
			}
		}
	}

	return Decision{
		Decision:   fmt.Sprintf("Classified as %s with severity %s", exception.ExceptionType, severity),
		Confidence: confidence,
		Evidence:   evidence,
		NextStep:   StepProceedToPolicy,
	}, nil
}

// Severity re-resolves the effective severity for persistence by the
// intake/triage worker.
func (a *TriageAgent) Severity(exception *models.Exception) models.Severity {
	var domainPack *config.DomainPack
	var tenantPolicy *config.TenantPolicyPack
	if domain := exception.Domain(); domain != "" {
		domainPack, _ = a.registry.DomainPack(domain)
		tenantPolicy, _ = a.registry.TenantPolicy(exception.TenantID, domain)
	}
	if tenantPolicy == nil {
		tenantPolicy, _ = a.registry.TenantPolicyAny(exception.TenantID)
	}
	severity, _ := config.SeverityFor(exception.ExceptionType, domainPack, tenantPolicy)
	return severity
}

func triageText(exception *models.Exception) string {
	return exception.ExceptionType + " " + exception.SourceSystem + " " + exception.Domain()
}
