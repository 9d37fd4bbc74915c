package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/models"
)

func testRegistry(t *testing.T) *config.PackRegistry {
	t.Helper()
	registry := config.NewPackRegistry()

	require.NoError(t, registry.RegisterDomainPack(&config.DomainPack{
		Domain:         "billing",
		Version:        "1",
		ExceptionTypes: []string{"DataQualityFailure", "PaymentTimeout"},
		SeverityRules: []config.SeverityRule{
			{ExceptionType: "DataQualityFailure", Severity: models.SeverityMedium},
			{ExceptionType: "PaymentTimeout", Severity: models.SeverityHigh},
		},
		Guardrails: config.Guardrails{
			BlockLists:             []string{"DeleteProdData"},
			HumanApprovalThreshold: 0.8,
		},
	}))
	require.NoError(t, registry.RegisterTenantPolicy(&config.TenantPolicyPack{
		TenantID: "t1",
		Domain:   "billing",
		Tags:     []string{"pci"},
		ApprovalRules: []config.HumanApprovalRule{
			{Severity: "CRITICAL", RequireApproval: true},
		},
	}))
	return registry
}

func excFixture(severity models.Severity) *models.Exception {
	return &models.Exception{
		ExceptionID:       "exc-1",
		TenantID:          "t1",
		ExceptionType:     "DataQualityFailure",
		Severity:          severity,
		ResolutionStatus:  models.StatusInProgress,
		NormalizedContext: models.JSONMap{"domain": "billing"},
	}
}

func TestSupervisorApprovesHealthyChain(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	decision := sup.ReviewPostPolicy(context.Background(), excFixture(models.SeverityMedium),
		Decision{Decision: VerdictAllow, Confidence: 0.9, NextStep: StepProceedToResolution},
		&Context{PriorOutputs: map[string]Decision{
			"triage": {Confidence: 0.85},
		}})

	assert.Equal(t, StepProceedToResolution, decision.NextStep)
	assert.Equal(t, 0.8, decision.Confidence)
}

func TestSupervisorEscalatesLowConfidence(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	decision := sup.ReviewPostPolicy(context.Background(), excFixture(models.SeverityMedium),
		Decision{Decision: VerdictAllow, Confidence: 0.5, NextStep: StepProceedToResolution},
		&Context{})

	assert.Equal(t, StepEscalate, decision.NextStep)
	assert.Equal(t, 0.9, decision.Confidence)
}

func TestSupervisorEscalatesConfidenceDegradation(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	// 0.95 → 0.7 is a drop of more than 0.2.
	decision := sup.ReviewPostPolicy(context.Background(), excFixture(models.SeverityMedium),
		Decision{Decision: VerdictAllow, Confidence: 0.7, NextStep: StepProceedToResolution},
		&Context{PriorOutputs: map[string]Decision{
			"triage": {Confidence: 0.95},
		}})

	assert.Equal(t, StepEscalate, decision.NextStep)
}

func TestSupervisorEscalatesHighSeverityLowConfidence(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	decision := sup.ReviewPostPolicy(context.Background(), excFixture(models.SeverityHigh),
		Decision{Decision: VerdictAllow, Confidence: 0.65, NextStep: StepProceedToResolution},
		&Context{PriorOutputs: map[string]Decision{
			"triage": {Confidence: 0.8},
		}})

	assert.Equal(t, StepEscalate, decision.NextStep)
}

func TestSupervisorEscalatesCriticalWithWeakPrior(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	decision := sup.ReviewPostResolution(context.Background(), excFixture(models.SeverityCritical),
		Decision{Decision: "plan", Confidence: 0.9, NextStep: StepStartPlaybook},
		&Context{PriorOutputs: map[string]Decision{
			"triage": {Confidence: 0.75},
		}})

	assert.Equal(t, StepEscalate, decision.NextStep)
}

func TestSupervisorCriticalAllowWithoutApproval(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	// Policy says ALLOW with 0.9 confidence for a CRITICAL exception and
	// approval not flagged. The tenant requires approval for CRITICAL,
	// so the supervisor intervenes with confidence 0.9.
	decision := sup.ReviewPostPolicy(context.Background(), excFixture(models.SeverityCritical),
		Decision{Decision: VerdictAllow, Confidence: 0.9, NextStep: StepProceedToResolution},
		&Context{
			HumanApprovalRequired: false,
			PriorOutputs: map[string]Decision{
				"triage": {Confidence: 0.9},
			},
		})

	assert.Equal(t, StepEscalate, decision.NextStep)
	assert.Equal(t, 0.9, decision.Confidence)
}

func TestSupervisorEscalatesActionableWithoutPlan(t *testing.T) {
	sup := NewSupervisorAgent(testRegistry(t))

	decision := sup.ReviewPostResolution(context.Background(), excFixture(models.SeverityMedium),
		Decision{Decision: "no plan", Confidence: 0.85, NextStep: StepResolve},
		&Context{
			Actionability: "ACTIONABLE_APPROVED_PROCESS",
			PriorOutputs: map[string]Decision{
				"triage": {Confidence: 0.85},
			},
		})

	assert.Equal(t, StepEscalate, decision.NextStep)
}

func TestPolicyAgentBlockList(t *testing.T) {
	registry := testRegistry(t)
	policy := NewPolicyAgent(registry)

	exc := excFixture(models.SeverityMedium)
	exc.ExceptionType = "DeleteProdData"

	decision, err := policy.Process(context.Background(), exc, &Context{})
	require.NoError(t, err)
	assert.Equal(t, VerdictBlock, decision.Decision)
	assert.Equal(t, StepEscalate, decision.NextStep)
}

func TestPolicyAgentApprovalBySeverityRule(t *testing.T) {
	registry := testRegistry(t)
	policy := NewPolicyAgent(registry)

	decision, err := policy.Process(context.Background(), excFixture(models.SeverityCritical),
		&Context{PriorOutputs: map[string]Decision{"triage": {Confidence: 0.95}}})
	require.NoError(t, err)
	assert.Equal(t, VerdictRequireApproval, decision.Decision)
	assert.Equal(t, StepRequireApproval, decision.NextStep)
}

func TestPolicyAgentApprovalBelowThreshold(t *testing.T) {
	registry := testRegistry(t)
	policy := NewPolicyAgent(registry)

	decision, err := policy.Process(context.Background(), excFixture(models.SeverityMedium),
		&Context{PriorOutputs: map[string]Decision{"triage": {Confidence: 0.7}}})
	require.NoError(t, err)
	assert.Equal(t, VerdictRequireApproval, decision.Decision)
}

func TestPolicyAgentAllows(t *testing.T) {
	registry := testRegistry(t)
	policy := NewPolicyAgent(registry)

	decision, err := policy.Process(context.Background(), excFixture(models.SeverityMedium),
		&Context{PriorOutputs: map[string]Decision{"triage": {Confidence: 0.9}}})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, decision.Decision)
	assert.Equal(t, StepProceedToResolution, decision.NextStep)
}

func TestTriageAgentKnownTypeHighConfidence(t *testing.T) {
	registry := testRegistry(t)
	triage := NewTriageAgent(registry, nil)

	decision, err := triage.Process(context.Background(), excFixture(models.SeverityMedium), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, decision.Confidence, 0.9)
	assert.Equal(t, StepProceedToPolicy, decision.NextStep)
}

func TestTriageAgentSeverityFromRules(t *testing.T) {
	registry := testRegistry(t)
	triage := NewTriageAgent(registry, nil)

	exc := excFixture(models.SeverityLow)
	exc.ExceptionType = "PaymentTimeout"
	assert.Equal(t, models.SeverityHigh, triage.Severity(exc))
}

func TestTriageAgentTenantSeverityOverride(t *testing.T) {
	registry := config.NewPackRegistry()
	require.NoError(t, registry.RegisterDomainPack(&config.DomainPack{
		Domain:  "billing",
		Version: "1",
		SeverityRules: []config.SeverityRule{
			{ExceptionType: "PaymentTimeout", Severity: models.SeverityHigh},
		},
	}))
	require.NoError(t, registry.RegisterTenantPolicy(&config.TenantPolicyPack{
		TenantID: "t1",
		Domain:   "billing",
		SeverityOverrides: []config.SeverityOverride{
			{ExceptionType: "PaymentTimeout", Severity: models.SeverityCritical},
		},
	}))

	triage := NewTriageAgent(registry, nil)
	exc := excFixture(models.SeverityLow)
	exc.ExceptionType = "PaymentTimeout"
	assert.Equal(t, models.SeverityCritical, triage.Severity(exc))
}

func TestDecisionPayloadRoundTrip(t *testing.T) {
	d := Decision{
		Decision:   "Classified as DataQualityFailure",
		Confidence: 0.85,
		Evidence:   []string{"rule matched", "similarity 0.92"},
		NextStep:   StepProceedToPolicy,
	}

	got := DecisionFromPayload(d.ToPayload())
	assert.Equal(t, d, got)
}
