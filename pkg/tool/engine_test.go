package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/events"
	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/repository"
)

// memExecutions is an in-memory execution store enforcing monotonic
// status transitions like the real repository.
type memExecutions struct {
	mu   sync.Mutex
	rows map[string]*models.ToolExecution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{rows: make(map[string]*models.ToolExecution)}
}

func (m *memExecutions) Create(_ context.Context, e *models.ToolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *e
	m.rows[e.ID] = &clone
	return nil
}

func (m *memExecutions) Get(_ context.Context, tenantID, executionID string) (*models.ToolExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[executionID]
	if !ok || row.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (m *memExecutions) UpdateStatus(_ context.Context, tenantID, executionID string, status models.ToolExecutionStatus, output models.JSONMap, errorMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[executionID]
	if !ok || row.TenantID != tenantID {
		return repository.ErrNotFound
	}
	if row.Status.Terminal() {
		return repository.ErrTerminalStatus
	}
	row.Status = status
	row.OutputPayload = output
	row.ErrorMessage = errorMessage
	return nil
}

// memAppender records published events.
type memAppender struct {
	mu     sync.Mutex
	events []*events.CanonicalEvent
}

func (a *memAppender) Publish(_ context.Context, e *events.CanonicalEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *memAppender) ofType(eventType string) []*events.CanonicalEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*events.CanonicalEvent
	for _, e := range a.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// memTools is an in-memory tool store for the validator.
type memTools struct {
	defs    map[int64]*models.ToolDefinition
	enabled map[string]bool // "tenant/tool" → enabled; missing = enabled
}

func (m *memTools) Get(_ context.Context, tenantID string, toolID int64) (*models.ToolDefinition, error) {
	def, ok := m.defs[toolID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if def.TenantID != nil && *def.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return def, nil
}

func (m *memTools) GetAnyTenant(_ context.Context, toolID int64) (*models.ToolDefinition, error) {
	def, ok := m.defs[toolID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return def, nil
}

func (m *memTools) IsEnabled(_ context.Context, tenantID string, toolID int64) (bool, error) {
	enabled, ok := m.enabled[fmt.Sprintf("%s/%d", tenantID, toolID)]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

// scriptedProvider fails n times then succeeds.
type scriptedProvider struct {
	mu        sync.Mutex
	failures  int
	callCount int
}

func (p *scriptedProvider) SupportsToolType(string) bool { return true }

func (p *scriptedProvider) Execute(context.Context, *models.ToolDefinition, models.JSONMap) (models.JSONMap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCount++
	if p.callCount <= p.failures {
		return nil, fmt.Errorf("%w: server error (status 500)", ErrProvider)
	}
	return models.JSONMap{"result": "ok", "api_key": "sk-leaky"}, nil
}

func dummyDef(toolID int64, tenantID *string) *models.ToolDefinition {
	return &models.ToolDefinition{
		ToolID:   toolID,
		TenantID: tenantID,
		Name:     "mock-tool",
		Type:     "dummy",
		Config: models.JSONMap{
			"description": "mock",
			"authType":    "none",
		},
	}
}

func newTestEngine(provider Provider, tools *memTools) (*Engine, *memExecutions, *memAppender) {
	executions := newMemExecutions()
	appender := &memAppender{}
	engine := NewEngine(EngineConfig{
		Validator:  NewValidator(tools),
		Executions: executions,
		Appender:   appender,
		HTTP:       provider,
		Dummy:      provider,
	})
	return engine, executions, appender
}

func TestEngineLifecycleSuccess(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	engine, executions, appender := newTestEngine(&scriptedProvider{}, tools)

	exceptionID := "exc-1"
	exec, err := engine.Execute(context.Background(), ExecuteRequest{
		TenantID:    "t1",
		ToolID:      5,
		Payload:     models.JSONMap{"job": "etl"},
		Actor:       models.Actor{Type: models.ActorAgent, ID: "worker"},
		ExceptionID: &exceptionID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecSucceeded, exec.Status)

	stored, err := executions.Get(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecSucceeded, stored.Status)

	require.Len(t, appender.ofType(events.TypeToolExecutionRequested), 1)
	completed := appender.ofType(events.TypeToolExecutionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "succeeded", completed[0].Payload["status"])
}

func TestEngineRedactsOutputInCompletionEvent(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	engine, _, appender := newTestEngine(&scriptedProvider{}, tools)

	exec, err := engine.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.NoError(t, err)

	// The record keeps the raw output; the event carries the redacted view.
	assert.Equal(t, "sk-leaky", exec.OutputPayload["api_key"])

	completed := appender.ofType(events.TypeToolExecutionCompleted)
	require.Len(t, completed, 1)
	output := completed[0].Payload["output"].(map[string]any)
	assert.Equal(t, "[REDACTED]", output["api_key"])
	assert.Equal(t, "ok", output["result"])
}

func TestEngineFailureMarksFailedAndEmits(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	engine, executions, appender := newTestEngine(&scriptedProvider{failures: 100}, tools)

	exec, err := engine.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, models.ExecFailed, exec.Status)

	stored, _ := executions.Get(context.Background(), "t1", exec.ID)
	assert.Equal(t, models.ExecFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)

	completed := appender.ofType(events.TypeToolExecutionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "failed", completed[0].Payload["status"])
}

func TestEngineScopeViolationBeforeAnyRecord(t *testing.T) {
	other := "t2"
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, &other)}, enabled: map[string]bool{}}
	engine, executions, appender := newTestEngine(&scriptedProvider{}, tools)

	_, err := engine.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `tenant-scoped to "t2"`)
	assert.Empty(t, executions.rows)
	assert.Empty(t, appender.events)
}

func TestEngineDisabledTool(t *testing.T) {
	tools := &memTools{
		defs:    map[int64]*models.ToolDefinition{5: dummyDef(5, nil)},
		enabled: map[string]bool{"t1/5": false},
	}
	engine, _, _ := newTestEngine(&scriptedProvider{}, tools)

	_, err := engine.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "disabled")
}

func TestEngineCircuitOpensAfterFiveFailures(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	provider := &scriptedProvider{failures: 100}
	engine, _, appender := newTestEngine(provider, tools)

	ctx := context.Background()
	req := ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	}

	for i := 0; i < 5; i++ {
		_, err := engine.Execute(ctx, req)
		require.ErrorIs(t, err, ErrProvider)
	}
	assert.Equal(t, CircuitOpen, engine.BreakerState("t1", 5))

	// Sixth call rejected before dispatch.
	callsBefore := provider.callCount
	exec, err := engine.Execute(ctx, req)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsBefore, provider.callCount, "no provider dispatch while open")
	assert.Equal(t, models.ExecFailed, exec.Status)

	completed := appender.ofType(events.TypeToolExecutionCompleted)
	last := completed[len(completed)-1]
	assert.Contains(t, last.Payload["error_message"], "circuit breaker is OPEN")
}

func TestEngineBreakerIsPerTenant(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	engine, _, _ := newTestEngine(&scriptedProvider{failures: 5}, tools)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = engine.Execute(ctx, ExecuteRequest{
			TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
			Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
		})
	}
	assert.Equal(t, CircuitOpen, engine.BreakerState("t1", 5))

	// Another tenant's circuit for the same global tool is independent.
	exec, err := engine.Execute(ctx, ExecuteRequest{
		TenantID: "t2", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecSucceeded, exec.Status)
}

func TestEngineResumeTerminalRepublishesOnly(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	provider := &scriptedProvider{}
	engine, _, appender := newTestEngine(provider, tools)

	ctx := context.Background()
	exec, err := engine.Execute(ctx, ExecuteRequest{
		TenantID: "t1", ToolID: 5, Payload: models.JSONMap{},
		Actor: models.Actor{Type: models.ActorAgent, ID: "worker"},
	})
	require.NoError(t, err)
	callsAfterFirst := provider.callCount

	// Duplicate ToolExecutionRequested delivery: no second dispatch,
	// completion event republished with identical status.
	resumed, err := engine.Resume(ctx, "t1", exec.ID, models.Actor{Type: models.ActorAgent, ID: "tool-worker"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecSucceeded, resumed.Status)
	assert.Equal(t, callsAfterFirst, provider.callCount)

	completed := appender.ofType(events.TypeToolExecutionCompleted)
	assert.Len(t, completed, 2)
	assert.Equal(t, completed[0].Payload["status"], completed[1].Payload["status"])
}

func TestEngineResumeRequestedExecutes(t *testing.T) {
	tools := &memTools{defs: map[int64]*models.ToolDefinition{5: dummyDef(5, nil)}, enabled: map[string]bool{}}
	provider := &scriptedProvider{}
	engine, executions, _ := newTestEngine(provider, tools)

	ctx := context.Background()
	row := &models.ToolExecution{
		ID: "exec-requested", TenantID: "t1", ToolID: 5,
		Status:               models.ExecRequested,
		RequestedByActorType: models.ActorAgent,
		InputPayload:         models.JSONMap{"x": 1},
	}
	require.NoError(t, executions.Create(ctx, row))

	resumed, err := engine.Resume(ctx, "t1", "exec-requested", models.Actor{Type: models.ActorAgent, ID: "tool-worker"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecSucceeded, resumed.Status)
	assert.Equal(t, 1, provider.callCount)
}

func TestTerminalStatusCannotRegress(t *testing.T) {
	executions := newMemExecutions()
	ctx := context.Background()
	row := &models.ToolExecution{ID: "e1", TenantID: "t1", ToolID: 5, Status: models.ExecSucceeded}
	require.NoError(t, executions.Create(ctx, row))

	err := executions.UpdateStatus(ctx, "t1", "e1", models.ExecRunning, nil, nil)
	assert.True(t, errors.Is(err, repository.ErrTerminalStatus))
}
