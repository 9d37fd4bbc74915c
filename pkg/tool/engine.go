package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/redact"
)

// executionStore is the slice of the execution repository the engine needs.
type executionStore interface {
	Create(ctx context.Context, e *models.ToolExecution) error
	Get(ctx context.Context, tenantID, executionID string) (*models.ToolExecution, error)
	UpdateStatus(ctx context.Context, tenantID, executionID string, status models.ToolExecutionStatus, output models.JSONMap, errorMessage *string) error
}

// ToolOverride adjusts provider behavior for one tool under one tenant.
type ToolOverride struct {
	TimeoutSeconds float64
	MaxRetries     int
}

// OverrideLookup resolves tenant tool overrides. Nil means no override.
type OverrideLookup func(tenantID, toolName string) *ToolOverride

// Engine drives the tool execution lifecycle:
//
//	validate → REQUESTED row → ToolExecutionRequested event → RUNNING →
//	provider dispatch → SUCCEEDED/FAILED row → completion event.
//
// The execution record is created before its event is published; a failed
// publish is logged and leaves the record in place. Publish failures are
// not returned to the caller, and execution continues. Each
// (tenant, tool) pair has its own circuit breaker, scoped to this engine
// instance.
type Engine struct {
	validator  *Validator
	executions executionStore
	appender   events.Appender
	http       Provider
	dummy      Provider
	breakers   *breakerRegistry
	overrides  OverrideLookup
	log        *slog.Logger
}

// EngineConfig wires an engine.
type EngineConfig struct {
	Validator  *Validator
	Executions executionStore
	Appender   events.Appender
	HTTP       Provider
	Dummy      Provider
	Breaker    BreakerConfig
	Overrides  OverrideLookup
}

// NewEngine creates a tool execution engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPProvider(HTTPProviderConfig{
			AllowedDomains: AllowedDomainsFromEnv(),
		})
	}
	if cfg.Dummy == nil {
		cfg.Dummy = NewDummyProvider()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}
	return &Engine{
		validator:  cfg.Validator,
		executions: cfg.Executions,
		appender:   cfg.Appender,
		http:       cfg.HTTP,
		dummy:      cfg.Dummy,
		breakers:   newBreakerRegistry(cfg.Breaker),
		overrides:  cfg.Overrides,
		log:        slog.Default().With("component", "tool-engine"),
	}
}

// ExecuteRequest carries one tool invocation.
type ExecuteRequest struct {
	TenantID    string
	ToolID      int64
	Payload     models.JSONMap
	Actor       models.Actor
	ExceptionID *string
}

// Execute runs the full lifecycle and returns the final execution record.
// Validation failures return before any record is created. Provider and
// breaker failures return the FAILED record alongside the error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*models.ToolExecution, error) {
	def, err := e.validator.Validate(ctx, req.TenantID, req.ToolID, req.Payload)
	if err != nil {
		return nil, err
	}

	def = e.applyOverrides(req.TenantID, def)

	exec := &models.ToolExecution{
		ID:                   uuid.NewString(),
		TenantID:             req.TenantID,
		ToolID:               req.ToolID,
		ExceptionID:          req.ExceptionID,
		Status:               models.ExecRequested,
		RequestedByActorType: req.Actor.Type,
		RequestedByActorID:   req.Actor.ID,
		InputPayload:         req.Payload,
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	log := e.log.With("execution_id", exec.ID, "tool_id", req.ToolID, "tenant_id", req.TenantID)
	log.Info("Tool execution created", "status", models.ExecRequested)

	e.emit(ctx, events.TypeToolExecutionRequested, req, exec, models.JSONMap{
		"execution_id": exec.ID,
		"tool_id":      req.ToolID,
		"tool_name":    def.Name,
		"status":       "requested",
	})

	breaker := e.breakers.get(req.TenantID, req.ToolID)
	if !breaker.CanExecute() {
		failure := fmt.Sprintf("circuit breaker is OPEN for tool %q", def.Name)
		e.finish(ctx, req, exec, nil, &failure)
		return exec, fmt.Errorf("%w: tool %q", ErrCircuitOpen, def.Name)
	}

	if err := e.executions.UpdateStatus(ctx, req.TenantID, exec.ID, models.ExecRunning, nil, nil); err != nil {
		return nil, err
	}
	exec.Status = models.ExecRunning

	provider := e.providerFor(def.Type)
	output, provErr := provider.Execute(ctx, def, req.Payload)

	switch {
	case provErr == nil:
		breaker.RecordSuccess()
		e.finish(ctx, req, exec, output, nil)
		log.Info("Tool execution succeeded")
		return exec, nil
	case errors.Is(provErr, ErrProvider) || errors.Is(provErr, ErrProviderTimeout):
		breaker.RecordFailure()
	}

	failure := provErr.Error()
	e.finish(ctx, req, exec, nil, &failure)
	log.Error("Tool execution failed", "error", provErr)
	return exec, provErr
}

// Resume drives an existing execution to completion. Terminal
// executions are returned as-is with their completion event republished
// (the duplicate-delivery path of the tool worker). Non-terminal
// executions are dispatched to their provider.
func (e *Engine) Resume(ctx context.Context, tenantID, executionID string, actor models.Actor) (*models.ToolExecution, error) {
	exec, err := e.executions.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}

	req := ExecuteRequest{
		TenantID:    tenantID,
		ToolID:      exec.ToolID,
		Payload:     exec.InputPayload,
		Actor:       actor,
		ExceptionID: exec.ExceptionID,
	}

	if exec.Status.Terminal() {
		e.log.Info("Execution already terminal, republishing completion",
			"execution_id", executionID, "status", exec.Status)
		payload := models.JSONMap{
			"execution_id": exec.ID,
			"tool_id":      exec.ToolID,
			"status":       strings.ToLower(string(exec.Status)),
		}
		if exec.OutputPayload != nil {
			payload["output"] = map[string]any(redact.Map(exec.OutputPayload))
		}
		if exec.ErrorMessage != nil {
			payload["error_message"] = *exec.ErrorMessage
		}
		e.emit(ctx, events.TypeToolExecutionCompleted, req, exec, payload)
		return exec, nil
	}

	def, err := e.validator.CheckScope(ctx, tenantID, exec.ToolID)
	if err != nil {
		failure := err.Error()
		e.finish(ctx, req, exec, nil, &failure)
		return exec, err
	}
	def = e.applyOverrides(tenantID, def)

	breaker := e.breakers.get(tenantID, exec.ToolID)
	if !breaker.CanExecute() {
		failure := fmt.Sprintf("circuit breaker is OPEN for tool %q", def.Name)
		e.finish(ctx, req, exec, nil, &failure)
		return exec, fmt.Errorf("%w: tool %q", ErrCircuitOpen, def.Name)
	}

	if exec.Status == models.ExecRequested {
		if err := e.executions.UpdateStatus(ctx, tenantID, executionID, models.ExecRunning, nil, nil); err != nil {
			return nil, err
		}
		exec.Status = models.ExecRunning
	}

	provider := e.providerFor(def.Type)
	output, provErr := provider.Execute(ctx, def, exec.InputPayload)
	if provErr == nil {
		breaker.RecordSuccess()
		e.finish(ctx, req, exec, output, nil)
		return exec, nil
	}
	if errors.Is(provErr, ErrProvider) || errors.Is(provErr, ErrProviderTimeout) {
		breaker.RecordFailure()
	}
	failure := provErr.Error()
	e.finish(ctx, req, exec, nil, &failure)
	return exec, provErr
}

// BreakerStates exposes breaker states keyed "tenant_id/tool_id" for the
// alert evaluator.
func (e *Engine) BreakerStates() map[string]CircuitState {
	return e.breakers.snapshot()
}

// BreakerState returns the state of one (tenant, tool) breaker.
func (e *Engine) BreakerState(tenantID string, toolID int64) CircuitState {
	return e.breakers.get(tenantID, toolID).State()
}

func (e *Engine) providerFor(toolType string) Provider {
	if e.http.SupportsToolType(toolType) {
		return e.http
	}
	return e.dummy
}

// finish moves the record to its terminal status and emits the unified
// completion event. Output is redacted before it reaches the event.
func (e *Engine) finish(ctx context.Context, req ExecuteRequest, exec *models.ToolExecution, output models.JSONMap, failure *string) {
	status := models.ExecSucceeded
	eventStatus := "succeeded"
	if failure != nil {
		status = models.ExecFailed
		eventStatus = "failed"
	}

	if err := e.executions.UpdateStatus(ctx, req.TenantID, exec.ID, status, output, failure); err != nil {
		e.log.Error("Failed to record terminal execution status",
			"execution_id", exec.ID, "status", status, "error", err)
	}
	exec.Status = status
	exec.OutputPayload = output
	exec.ErrorMessage = failure
	exec.UpdatedAt = time.Now().UTC()

	payload := models.JSONMap{
		"execution_id": exec.ID,
		"tool_id":      req.ToolID,
		"status":       eventStatus,
	}
	if output != nil {
		payload["output"] = map[string]any(redact.Map(output))
	}
	if failure != nil {
		payload["error_message"] = *failure
	}
	e.emit(ctx, events.TypeToolExecutionCompleted, req, exec, payload)
}

func (e *Engine) emit(ctx context.Context, eventType string, req ExecuteRequest, exec *models.ToolExecution, payload models.JSONMap) {
	exceptionID := ""
	if req.ExceptionID != nil {
		exceptionID = *req.ExceptionID
	}
	event := events.New(eventType, req.TenantID, exceptionID, req.Actor, payload)
	if err := e.appender.Publish(ctx, event); err != nil {
		e.log.Error("Failed to publish tool event",
			"event_type", eventType, "execution_id", exec.ID, "error", err)
	}
}

// applyOverrides clones the definition with tenant overrides applied to
// the endpoint timeout and retry budget.
func (e *Engine) applyOverrides(tenantID string, def *models.ToolDefinition) *models.ToolDefinition {
	if e.overrides == nil {
		return def
	}
	override := e.overrides(tenantID, def.Name)
	if override == nil {
		return def
	}

	clone := *def
	clone.Config = def.Config.Clone()
	if override.TimeoutSeconds > 0 {
		var endpoint map[string]any
		if ec, ok := clone.Config["endpointConfig"].(map[string]any); ok {
			endpoint = make(map[string]any, len(ec)+1)
			for k, v := range ec {
				endpoint[k] = v
			}
		} else {
			endpoint = map[string]any{}
		}
		endpoint["timeout_seconds"] = override.TimeoutSeconds
		clone.Config["endpointConfig"] = endpoint
	}
	if override.MaxRetries > 0 {
		clone.Config["maxRetries"] = float64(override.MaxRetries)
	}
	return &clone
}

// ExecutionSummary condenses an execution for playbook step payloads.
func ExecutionSummary(exec *models.ToolExecution) models.JSONMap {
	summary := models.JSONMap{
		"execution_id": exec.ID,
		"tool_id":      exec.ToolID,
		"status":       strings.ToLower(string(exec.Status)),
		"success":      exec.Status == models.ExecSucceeded,
	}
	if exec.ErrorMessage != nil {
		summary["error_message"] = *exec.ErrorMessage
	}
	return summary
}
