package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/repository"
	"github.com/redress-io/redress/pkg/tool"
)

// ErrExecution is the base of every playbook execution failure:
// precondition violations, unknown playbooks, risky steps without a
// human actor, and call_tool failures. The step never advances and no
// event is emitted for the failed attempt.
var ErrExecution = errors.New("playbook execution error")

func execErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExecution, fmt.Sprintf(format, args...))
}

// exceptionStore is the slice of the exception repository the service needs.
type exceptionStore interface {
	Get(ctx context.Context, tenantID, exceptionID string) (*models.Exception, error)
	Update(ctx context.Context, tenantID, exceptionID string, u repository.ExceptionUpdate) error
}

// playbookStore is the slice of the playbook repository the service needs.
type playbookStore interface {
	Get(ctx context.Context, tenantID string, playbookID int64) (*models.Playbook, error)
	Steps(ctx context.Context, tenantID string, playbookID int64) ([]models.PlaybookStep, error)
}

// eventStore answers semantic-duplicate queries against the event log.
type eventStore interface {
	HasEvent(ctx context.Context, tenantID, exceptionID, eventType string, match models.JSONMap) (bool, error)
}

// toolRunner executes call_tool steps synchronously.
type toolRunner interface {
	Execute(ctx context.Context, req tool.ExecuteRequest) (*models.ToolExecution, error)
}

// ExecutionService advances playbooks for exceptions. All operations are
// tenant-scoped and idempotent; steps advance strictly sequentially.
type ExecutionService struct {
	exceptions exceptionStore
	playbooks  playbookStore
	eventLog   eventStore
	appender   events.Appender
	tools      toolRunner
	log        *slog.Logger
}

// NewExecutionService wires the execution service. tools may be nil when
// call_tool steps are not used (e.g. in some tests).
func NewExecutionService(
	exceptions exceptionStore,
	playbooks playbookStore,
	eventLog eventStore,
	appender events.Appender,
	tools toolRunner,
) *ExecutionService {
	return &ExecutionService{
		exceptions: exceptions,
		playbooks:  playbooks,
		eventLog:   eventLog,
		appender:   appender,
		tools:      tools,
		log:        slog.Default().With("component", "playbook-execution"),
	}
}

// Start activates a playbook for an exception: sets current_playbook_id
// and current_step = 1, then appends PlaybookStarted. Re-starting the
// same playbook is a no-op once the PlaybookStarted event exists.
func (s *ExecutionService) Start(ctx context.Context, tenantID, exceptionID string, playbookID int64, actor models.Actor) error {
	exception, err := s.exceptions.Get(ctx, tenantID, exceptionID)
	if err != nil {
		return execErrorf("exception %s not found for tenant %s", exceptionID, tenantID)
	}

	pb, err := s.playbooks.Get(ctx, tenantID, playbookID)
	if err != nil {
		return execErrorf("playbook %d not found or does not belong to tenant %s", playbookID, tenantID)
	}

	steps, err := s.playbooks.Steps(ctx, tenantID, playbookID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return execErrorf("playbook %d has no steps", playbookID)
	}

	if exception.CurrentPlaybookID != nil && *exception.CurrentPlaybookID == playbookID {
		started, err := s.eventLog.HasEvent(ctx, tenantID, exceptionID, events.TypePlaybookStarted,
			models.JSONMap{"playbook_id": playbookID})
		if err != nil {
			return err
		}
		if started {
			s.log.Info("Playbook already started, skipping",
				"playbook_id", playbookID, "exception_id", exceptionID)
			return nil
		}
	}

	firstStep := 1
	if err := s.exceptions.Update(ctx, tenantID, exceptionID, repository.ExceptionUpdate{
		SetPlaybook:       true,
		CurrentPlaybookID: &playbookID,
		SetStep:           true,
		CurrentStep:       &firstStep,
	}); err != nil {
		return err
	}

	event := events.New(events.TypePlaybookStarted, tenantID, exceptionID, actor, models.JSONMap{
		"playbook_id":      playbookID,
		"playbook_name":    pb.Name,
		"playbook_version": pb.Version,
		"total_steps":      len(steps),
	})
	if err := s.appender.Publish(ctx, event); err != nil {
		return err
	}

	s.log.Info("Playbook started",
		"playbook_id", playbookID, "exception_id", exceptionID,
		"actor_type", actor.Type, "actor_id", actor.ID)
	return nil
}

// CompleteStep completes the current step of the active playbook.
//
// Risky steps (any action outside the safe set) require a USER actor.
// call_tool steps run the tool synchronously first; tool failure
// surfaces as an execution error and the step does not advance. The
// last step clears current_step and appends PlaybookCompleted.
func (s *ExecutionService) CompleteStep(ctx context.Context, tenantID, exceptionID string, playbookID int64, stepOrder int, actor models.Actor, notes string) error {
	_, step, steps, err := s.checkStepPreconditions(ctx, tenantID, exceptionID, playbookID, stepOrder)
	if err != nil {
		return err
	}

	if step.Risky() && actor.Type != models.ActorUser {
		return execErrorf(
			"step %d requires human approval (risky action: %s); only USER actors may complete it, got %s",
			stepOrder, step.ActionType, actor.Type)
	}

	done, err := s.eventLog.HasEvent(ctx, tenantID, exceptionID, events.TypePlaybookStepCompleted,
		models.JSONMap{"playbook_id": playbookID, "step_order": stepOrder})
	if err != nil {
		return err
	}
	if done {
		s.log.Info("Step already completed, skipping",
			"playbook_id", playbookID, "step_order", stepOrder, "exception_id", exceptionID)
		return nil
	}

	var toolSummary models.JSONMap
	if step.ActionType == "call_tool" {
		toolSummary, err = s.runToolStep(ctx, tenantID, exceptionID, step, actor)
		if err != nil {
			return err
		}
	}

	payload := models.JSONMap{
		"playbook_id": playbookID,
		"step_id":     step.StepID,
		"step_order":  stepOrder,
		"step_name":   step.Name,
		"action_type": step.ActionType,
		"is_risky":    step.Risky(),
		"actor_type":  string(actor.Type),
		"actor_id":    actor.ID,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	if toolSummary != nil {
		payload["tool_execution"] = map[string]any(toolSummary)
	}

	return s.advance(ctx, tenantID, exceptionID, playbookID, stepOrder, len(steps), actor,
		events.TypePlaybookStepCompleted, payload, notes)
}

// SkipStep records the current step as skipped and advances. Skips have
// the same preconditions as completion but no human gate: a skip is a
// decision, not an action.
func (s *ExecutionService) SkipStep(ctx context.Context, tenantID, exceptionID string, playbookID int64, stepOrder int, actor models.Actor, notes string) error {
	_, step, steps, err := s.checkStepPreconditions(ctx, tenantID, exceptionID, playbookID, stepOrder)
	if err != nil {
		return err
	}

	skipped, err := s.eventLog.HasEvent(ctx, tenantID, exceptionID, events.TypePlaybookStepSkipped,
		models.JSONMap{"playbook_id": playbookID, "step_order": stepOrder})
	if err != nil {
		return err
	}
	if skipped {
		s.log.Info("Step already skipped, skipping",
			"playbook_id", playbookID, "step_order", stepOrder, "exception_id", exceptionID)
		return nil
	}

	if notes == "" {
		notes = "Step skipped"
	}
	payload := models.JSONMap{
		"playbook_id": playbookID,
		"step_id":     step.StepID,
		"step_order":  stepOrder,
		"step_name":   step.Name,
		"action_type": step.ActionType,
		"notes":       notes,
	}

	return s.advance(ctx, tenantID, exceptionID, playbookID, stepOrder, len(steps), actor,
		events.TypePlaybookStepSkipped, payload, notes)
}

// checkStepPreconditions validates the shared preconditions of complete
// and skip: active playbook, existing step, and sequential order.
func (s *ExecutionService) checkStepPreconditions(ctx context.Context, tenantID, exceptionID string, playbookID int64, stepOrder int) (*models.Exception, *models.PlaybookStep, []models.PlaybookStep, error) {
	if stepOrder < 1 {
		return nil, nil, nil, execErrorf("step_order must be >= 1, got %d", stepOrder)
	}

	exception, err := s.exceptions.Get(ctx, tenantID, exceptionID)
	if err != nil {
		return nil, nil, nil, execErrorf("exception %s not found for tenant %s", exceptionID, tenantID)
	}

	if exception.CurrentPlaybookID == nil || *exception.CurrentPlaybookID != playbookID {
		current := "none"
		if exception.CurrentPlaybookID != nil {
			current = fmt.Sprint(*exception.CurrentPlaybookID)
		}
		return nil, nil, nil, execErrorf("playbook %d is not active for exception %s (current: %s)",
			playbookID, exceptionID, current)
	}

	steps, err := s.playbooks.Steps(ctx, tenantID, playbookID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(steps) == 0 {
		return nil, nil, nil, execErrorf("playbook %d has no steps", playbookID)
	}

	var step *models.PlaybookStep
	for i := range steps {
		if steps[i].StepOrder == stepOrder {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return nil, nil, nil, execErrorf("step %d not found in playbook %d", stepOrder, playbookID)
	}

	if exception.CurrentStep == nil {
		return nil, nil, nil, execErrorf("exception %s has no current step set", exceptionID)
	}
	if stepOrder != *exception.CurrentStep {
		return nil, nil, nil, execErrorf("step %d is not the next expected step (expected %d)",
			stepOrder, *exception.CurrentStep)
	}

	return exception, step, steps, nil
}

// runToolStep executes a call_tool step synchronously and returns the
// summary embedded in the step event.
func (s *ExecutionService) runToolStep(ctx context.Context, tenantID, exceptionID string, step *models.PlaybookStep, actor models.Actor) (models.JSONMap, error) {
	if s.tools == nil {
		return nil, execErrorf("step %d is call_tool but no tool engine is configured", step.StepOrder)
	}

	toolID, ok := toInt64(step.Params["tool_id"])
	if !ok {
		return nil, execErrorf("step %d call_tool params missing integer tool_id", step.StepOrder)
	}

	payload := models.JSONMap{}
	if p, ok := step.Params["payload"].(map[string]any); ok {
		payload = models.JSONMap(p)
	} else if p, ok := step.Params["payload_template"].(map[string]any); ok {
		payload = models.JSONMap(p)
	}

	exec, err := s.tools.Execute(ctx, tool.ExecuteRequest{
		TenantID:    tenantID,
		ToolID:      toolID,
		Payload:     payload,
		Actor:       actor,
		ExceptionID: &exceptionID,
	})
	if err != nil {
		if exec != nil {
			// Tool ran and failed: the tool's own failure event exists;
			// the step does not advance.
			return nil, execErrorf("tool execution %s failed: %v", exec.ID, err)
		}
		return nil, execErrorf("tool execution failed: %v", err)
	}

	return tool.ExecutionSummary(exec), nil
}

// advance moves the exception to the next step (or completion), then
// appends the step event and, on the last step, PlaybookCompleted.
func (s *ExecutionService) advance(
	ctx context.Context,
	tenantID, exceptionID string,
	playbookID int64,
	stepOrder, totalSteps int,
	actor models.Actor,
	eventType string,
	payload models.JSONMap,
	notes string,
) error {
	isLast := stepOrder == totalSteps
	var nextStep *int
	if !isLast {
		next := stepOrder + 1
		nextStep = &next
	}

	if err := s.exceptions.Update(ctx, tenantID, exceptionID, repository.ExceptionUpdate{
		SetStep:     true,
		CurrentStep: nextStep,
	}); err != nil {
		return err
	}

	payload["is_last_step"] = isLast
	event := events.New(eventType, tenantID, exceptionID, actor, payload)
	if err := s.appender.Publish(ctx, event); err != nil {
		return err
	}

	if isLast {
		completedPayload := models.JSONMap{
			"playbook_id": playbookID,
			"total_steps": totalSteps,
			"actor_type":  string(actor.Type),
			"actor_id":    actor.ID,
		}
		if notes != "" {
			completedPayload["notes"] = notes
		}
		completed := events.New(events.TypePlaybookCompleted, tenantID, exceptionID, actor, completedPayload)
		if err := s.appender.Publish(ctx, completed); err != nil {
			return err
		}
		s.log.Info("Playbook completed",
			"playbook_id", playbookID, "exception_id", exceptionID,
			"actor_type", actor.Type, "actor_id", actor.ID)
	} else {
		s.log.Info("Step advanced",
			"playbook_id", playbookID, "exception_id", exceptionID,
			"step_order", stepOrder, "total_steps", totalSteps)
	}

	return nil
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}
