package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/redress-io/redress/pkg/agent"
	"github.com/redress-io/redress/pkg/broker"
	"github.com/redress-io/redress/pkg/config"
	"github.com/redress-io/redress/pkg/embeddings"
	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/observability"
	"github.com/redress-io/redress/pkg/playbook"
	"github.com/redress-io/redress/pkg/repository"
	"github.com/redress-io/redress/pkg/safety"
	"github.com/redress-io/redress/pkg/tool"
)

// Deps bundles the shared dependencies of the stage workers.
type Deps struct {
	DB        *sqlx.DB
	Broker    broker.Broker
	Publisher *events.Publisher
	Registry  *config.PackRegistry

	Triage     *agent.TriageAgent
	Policy     *agent.PolicyAgent
	Resolution *agent.ResolutionAgent
	Supervisor *agent.SupervisorAgent

	Detector  *safety.Detector
	Incidents *safety.IncidentManager
	Metrics   *observability.Collector
	Audit     *observability.AuditLogger

	Executor *playbook.ExecutionService
	Engine   *tool.Engine
	Index    *embeddings.Index // may be nil

	Config Config
}

// NewPipelineWorkers builds the full stage set: intake, triage, policy,
// supervisor, resolution, playbook executor, and tool.
func NewPipelineWorkers(d Deps) []*Worker {
	return []*Worker{
		NewIntakeWorker(d),
		NewTriageWorker(d),
		NewPolicyWorker(d),
		NewSupervisorWorker(d),
		NewResolutionWorker(d),
		NewPlaybookExecutorWorker(d),
		NewToolWorker(d),
	}
}

// systemActor attributes pipeline-internal events.
func systemActor(id string) models.Actor {
	return models.Actor{Type: models.ActorSystem, ID: id}
}

func agentActor(id string) models.Actor {
	return models.Actor{Type: models.ActorAgent, ID: id}
}

// NewIntakeWorker persists raised exceptions, feeds the similarity
// index, and requests triage.
func NewIntakeWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)

		exc := exceptionFromPayload(event)
		err := exceptions.Create(ctx, exc)
		if err != nil && !errors.Is(err, repository.ErrAlreadyExists) {
			return err
		}

		if d.Metrics != nil {
			d.Metrics.RecordException(exc.TenantID, exc.Severity, exc.ExceptionType)
		}
		if d.Index != nil {
			// Best-effort: the index is advisory.
			text := exc.ExceptionType + " " + exc.SourceSystem + " " + exc.Domain()
			_ = d.Index.Add(ctx, exc.TenantID, exc.ExceptionID, text)
		}

		next := events.New(events.TypeTriageRequested, event.TenantID, event.ExceptionID,
			systemActor("intake-worker"), models.JSONMap{})
		return d.Publisher.Publish(ctx, next)
	}
	return New("intake", d.Broker, d.DB, handler,
		[]string{events.TypeExceptionRaised}, d.Config)
}

// NewTriageWorker classifies the exception and records the triage
// decision.
func NewTriageWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)
		exc, err := exceptions.Get(ctx, event.TenantID, event.ExceptionID)
		if err != nil {
			return err
		}

		decision, err := d.Triage.Process(ctx, exc, nil)
		if err != nil {
			return err
		}

		severity := d.Triage.Severity(exc)
		status := models.StatusInProgress
		if err := exceptions.Update(ctx, event.TenantID, event.ExceptionID, repository.ExceptionUpdate{
			Severity:         &severity,
			ResolutionStatus: &status,
		}); err != nil {
			return err
		}

		if d.Audit != nil {
			d.Audit.Log(event.TenantID, "agent_decision", map[string]any{
				"agent":        "triage",
				"exception_id": event.ExceptionID,
				"decision":     decision.Decision,
				"confidence":   decision.Confidence,
			})
		}

		next := events.New(events.TypeTriageCompleted, event.TenantID, event.ExceptionID,
			agentActor("triage-agent"), models.JSONMap{
				"triage_result": map[string]any(decision.ToPayload()),
			})
		return d.Publisher.Publish(ctx, next)
	}
	return New("triage", d.Broker, d.DB, handler,
		[]string{events.TypeTriageRequested}, d.Config)
}

// NewPolicyWorker evaluates guardrails and records violations.
func NewPolicyWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)
		exc, err := exceptions.Get(ctx, event.TenantID, event.ExceptionID)
		if err != nil {
			return err
		}

		requested := events.New(events.TypePolicyEvaluationRequested, event.TenantID, event.ExceptionID,
			systemActor("policy-worker"), models.JSONMap{})
		if err := d.Publisher.Publish(ctx, requested); err != nil {
			return err
		}

		dctx := &agent.Context{PriorOutputs: map[string]agent.Decision{}}
		if raw, ok := event.Payload["triage_result"].(map[string]any); ok {
			dctx.PriorOutputs["triage"] = agent.DecisionFromPayload(models.JSONMap(raw))
		}

		decision, err := d.Policy.Process(ctx, exc, dctx)
		if err != nil {
			return err
		}

		approvalRequired := decision.Decision == agent.VerdictRequireApproval
		if approvalRequired && d.Metrics != nil {
			d.Metrics.RecordPendingApproval(event.TenantID, event.ExceptionID)
		}

		if d.Detector != nil {
			violations := d.Detector.CheckPolicyDecision(ctx, exc, decision)
			if d.Incidents != nil {
				for _, v := range violations {
					d.Incidents.Observe(v)
				}
			}
		}

		if d.Audit != nil {
			d.Audit.Log(event.TenantID, "agent_decision", map[string]any{
				"agent":        "policy",
				"exception_id": event.ExceptionID,
				"decision":     decision.Decision,
				"confidence":   decision.Confidence,
			})
		}

		completed := events.New(events.TypePolicyEvaluationCompleted, event.TenantID, event.ExceptionID,
			agentActor("policy-agent"), models.JSONMap{
				"policy_result":         map[string]any(decision.ToPayload()),
				"triage_result":         event.Payload["triage_result"],
				"humanApprovalRequired": approvalRequired,
			})
		return d.Publisher.Publish(ctx, completed)
	}
	return New("policy", d.Broker, d.DB, handler,
		[]string{events.TypeTriageCompleted}, d.Config)
}

// NewSupervisorWorker reviews policy and resolution outputs and
// escalates unsafe chains.
func NewSupervisorWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)
		exc, err := exceptions.Get(ctx, event.TenantID, event.ExceptionID)
		if err != nil {
			return err
		}

		dctx := &agent.Context{PriorOutputs: map[string]agent.Decision{}}
		if raw, ok := event.Payload["triage_result"].(map[string]any); ok {
			dctx.PriorOutputs["triage"] = agent.DecisionFromPayload(models.JSONMap(raw))
		}
		if approval, ok := event.Payload["humanApprovalRequired"].(bool); ok {
			dctx.HumanApprovalRequired = approval
		}

		var review agent.Decision
		switch event.EventType {
		case events.TypePolicyEvaluationCompleted:
			raw, _ := event.Payload["policy_result"].(map[string]any)
			reviewed := agent.DecisionFromPayload(models.JSONMap(raw))
			review = d.Supervisor.ReviewPostPolicy(ctx, exc, reviewed, dctx)
		case events.TypePlaybookMatched:
			raw, _ := event.Payload["resolution_result"].(map[string]any)
			reviewed := agent.DecisionFromPayload(models.JSONMap(raw))
			if id, ok := toInt64(event.Payload["playbook_id"]); ok {
				dctx.ResolvedPlaybookID = &id
			}
			if raw, ok := event.Payload["policy_result"].(map[string]any); ok {
				dctx.PriorOutputs["policy"] = agent.DecisionFromPayload(models.JSONMap(raw))
			}
			review = d.Supervisor.ReviewPostResolution(ctx, exc, reviewed, dctx)
		default:
			return nil
		}

		if d.Audit != nil {
			d.Audit.Log(event.TenantID, "agent_decision", map[string]any{
				"agent":        "supervisor",
				"exception_id": event.ExceptionID,
				"decision":     review.Decision,
				"confidence":   review.Confidence,
				"after":        event.EventType,
			})
		}

		if review.NextStep != agent.StepEscalate {
			return nil
		}

		status := models.StatusEscalated
		if err := exceptions.Update(ctx, event.TenantID, event.ExceptionID, repository.ExceptionUpdate{
			ResolutionStatus: &status,
		}); err != nil {
			return err
		}

		escalated := events.New(events.TypeEscalated, event.TenantID, event.ExceptionID,
			agentActor("supervisor-agent"), models.JSONMap{
				"supervisor_result": map[string]any(review.ToPayload()),
				"reviewed_event":    event.EventType,
			})
		return d.Publisher.Publish(ctx, escalated)
	}
	return New("supervisor", d.Broker, d.DB, handler,
		[]string{events.TypePolicyEvaluationCompleted, events.TypePlaybookMatched}, d.Config)
}

// NewResolutionWorker matches playbooks after policy allows, starts
// them, and closes the exception when its playbook completes.
func NewResolutionWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)
		exc, err := exceptions.Get(ctx, event.TenantID, event.ExceptionID)
		if err != nil {
			return err
		}

		switch event.EventType {
		case events.TypePolicyEvaluationCompleted:
			return resolveAndStart(ctx, d, event, exc)

		case events.TypePlaybookCompleted:
			status := models.StatusResolved
			if err := exceptions.Update(ctx, event.TenantID, event.ExceptionID, repository.ExceptionUpdate{
				ResolutionStatus: &status,
			}); err != nil {
				return err
			}
			if d.Metrics != nil {
				d.Metrics.ResolvePendingApproval(event.TenantID, event.ExceptionID)
			}
			resolved := events.New(events.TypeResolved, event.TenantID, event.ExceptionID,
				systemActor("resolution-worker"), models.JSONMap{
					"playbook_id": event.Payload["playbook_id"],
				})
			return d.Publisher.Publish(ctx, resolved)
		}
		return nil
	}
	return New("resolution", d.Broker, d.DB, handler,
		[]string{events.TypePolicyEvaluationCompleted, events.TypePlaybookCompleted}, d.Config)
}

func resolveAndStart(ctx context.Context, d Deps, event *events.CanonicalEvent, exc *models.Exception) error {
	if exc.ResolutionStatus == models.StatusEscalated {
		return nil
	}

	rawPolicy, _ := event.Payload["policy_result"].(map[string]any)
	policyDecision := agent.DecisionFromPayload(models.JSONMap(rawPolicy))
	if policyDecision.Decision != agent.VerdictAllow {
		// REQUIRE_APPROVAL waits for a human via the API; BLOCK is
		// already escalating through the supervisor.
		return nil
	}

	dctx := &agent.Context{PriorOutputs: map[string]agent.Decision{
		"policy": policyDecision,
	}}
	if raw, ok := event.Payload["triage_result"].(map[string]any); ok {
		dctx.PriorOutputs["triage"] = agent.DecisionFromPayload(models.JSONMap(raw))
	}

	decision, err := d.Resolution.Process(ctx, exc, dctx)
	if err != nil {
		return err
	}

	matchedPayload := models.JSONMap{
		"resolution_result": map[string]any(decision.ToPayload()),
		"policy_result":     event.Payload["policy_result"],
		"triage_result":     event.Payload["triage_result"],
	}
	if dctx.ResolvedPlaybookID != nil {
		matchedPayload["playbook_id"] = *dctx.ResolvedPlaybookID
	}
	matched := events.New(events.TypePlaybookMatched, event.TenantID, event.ExceptionID,
		agentActor("resolution-agent"), matchedPayload)
	if err := d.Publisher.Publish(ctx, matched); err != nil {
		return err
	}

	if dctx.ResolvedPlaybookID == nil {
		return nil
	}
	return d.Executor.Start(ctx, event.TenantID, event.ExceptionID, *dctx.ResolvedPlaybookID,
		agentActor("resolution-agent"))
}

// NewPlaybookExecutorWorker advances safe steps automatically. Risky
// steps wait for a human to complete them through the API.
func NewPlaybookExecutorWorker(d Deps) *Worker {
	handler := func(ctx context.Context, tx *sqlx.Tx, event *events.CanonicalEvent) error {
		exceptions := repository.NewExceptionRepo(tx)
		exc, err := exceptions.Get(ctx, event.TenantID, event.ExceptionID)
		if err != nil {
			return err
		}
		if exc.CurrentPlaybookID == nil || exc.CurrentStep == nil {
			return nil
		}

		playbooks := repository.NewPlaybookRepo(tx)
		steps, err := playbooks.Steps(ctx, event.TenantID, *exc.CurrentPlaybookID)
		if err != nil {
			return err
		}

		var current *models.PlaybookStep
		for i := range steps {
			if steps[i].StepOrder == *exc.CurrentStep {
				current = &steps[i]
				break
			}
		}
		if current == nil {
			return fmt.Errorf("current step %d missing from playbook %d", *exc.CurrentStep, *exc.CurrentPlaybookID)
		}

		if current.Risky() {
			// Human-gated: a USER completes it via the API.
			return nil
		}

		return d.Executor.CompleteStep(ctx, event.TenantID, event.ExceptionID,
			*exc.CurrentPlaybookID, current.StepOrder, agentActor("playbook-executor"), "")
	}
	return New("playbook-executor", d.Broker, d.DB, handler,
		[]string{events.TypePlaybookStarted, events.TypePlaybookStepCompleted, events.TypePlaybookStepSkipped}, d.Config)
}

// NewToolWorker resumes requested tool executions. Duplicate requests
// for terminal executions republish the completion event only.
func NewToolWorker(d Deps) *Worker {
	handler := func(ctx context.Context, _ *sqlx.Tx, event *events.CanonicalEvent) error {
		executionID, _ := event.Payload["execution_id"].(string)
		if executionID == "" {
			return fmt.Errorf("ToolExecutionRequested event %s missing execution_id", event.EventID)
		}

		_, err := d.Engine.Resume(ctx, event.TenantID, executionID, agentActor("tool-worker"))
		if err != nil && !errors.Is(err, tool.ErrProvider) &&
			!errors.Is(err, tool.ErrProviderTimeout) &&
			!errors.Is(err, tool.ErrCircuitOpen) &&
			!errors.Is(err, tool.ErrProviderAuth) &&
			!errors.Is(err, tool.ErrURLValidation) {
			return err
		}
		// Provider-level failures are terminal for the execution record;
		// the completion event carries the failure. Nothing to retry.
		return nil
	}
	return New("tool", d.Broker, d.DB, handler,
		[]string{events.TypeToolExecutionRequested}, d.Config)
}

func exceptionFromPayload(event *events.CanonicalEvent) *models.Exception {
	exc := &models.Exception{
		ExceptionID:      event.ExceptionID,
		TenantID:         event.TenantID,
		Severity:         models.SeverityMedium,
		ResolutionStatus: models.StatusOpen,
	}
	if s, ok := event.Payload["source_system"].(string); ok {
		exc.SourceSystem = s
	}
	if s, ok := event.Payload["exception_type"].(string); ok {
		exc.ExceptionType = s
	}
	if s, ok := event.Payload["severity"].(string); ok {
		if sev := models.Severity(s); sev.Valid() {
			exc.Severity = sev
		}
	}
	if m, ok := event.Payload["raw_payload"].(map[string]any); ok {
		exc.RawPayload = models.JSONMap(m)
	}
	if m, ok := event.Payload["normalized_context"].(map[string]any); ok {
		exc.NormalizedContext = models.JSONMap(m)
	}
	return exc
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
