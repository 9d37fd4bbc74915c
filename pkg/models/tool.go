package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthType selects how the HTTP provider authenticates tool calls.
type AuthType string

// Supported auth types.
const (
	AuthNone      AuthType = "none"
	AuthAPIKey    AuthType = "api_key"
	AuthOAuthStub AuthType = "oauth_stub"
)

// TenantScope declares whether a tool is global or tenant-owned.
type TenantScope string

// Tenant scopes.
const (
	ScopeGlobal TenantScope = "global"
	ScopeTenant TenantScope = "tenant"
)

// ToolDefinition describes an executable tool. A nil TenantID means the
// tool is global and visible to every tenant.
type ToolDefinition struct {
	ToolID   int64   `json:"tool_id" db:"tool_id"`
	TenantID *string `json:"tenant_id,omitempty" db:"tenant_id"`
	Name     string  `json:"name" db:"name"`
	Type     string  `json:"type" db:"type"`
	Config   JSONMap `json:"config" db:"config"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Global reports whether the tool is visible to all tenants.
func (t *ToolDefinition) Global() bool {
	return t.TenantID == nil
}

// HTTPFamily reports whether the tool type dispatches to the HTTP provider.
func (t *ToolDefinition) HTTPFamily() bool {
	switch strings.ToLower(t.Type) {
	case "http", "rest", "webhook", "https":
		return true
	}
	return false
}

// EndpointConfig is the endpoint section of a tool definition config,
// required for http-family tools.
type EndpointConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

// ToolConfig is the parsed shape of the config JSONB column.
type ToolConfig struct {
	Description  string          `json:"description"`
	InputSchema  map[string]any  `json:"inputSchema"`
	OutputSchema map[string]any  `json:"outputSchema"`
	AuthType     AuthType        `json:"authType"`
	Endpoint     *EndpointConfig `json:"endpointConfig,omitempty"`
	TenantScope  TenantScope     `json:"tenantScope"`

	// MaxRetries overrides the provider's retry budget when positive.
	// Tenant tool_overrides are applied here by the execution engine.
	MaxRetries int `json:"maxRetries,omitempty"`
}

// ErrInvalidToolConfig indicates a tool config failed structural validation.
var ErrInvalidToolConfig = errors.New("invalid tool config")

// ParseToolConfig validates and extracts the typed config for a tool.
// endpointConfig is required for http-family tool types.
func ParseToolConfig(toolType string, raw JSONMap) (*ToolConfig, error) {
	cfg := &ToolConfig{
		AuthType:    AuthNone,
		TenantScope: ScopeTenant,
	}

	desc, _ := raw["description"].(string)
	if strings.TrimSpace(desc) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidToolConfig)
	}
	cfg.Description = desc

	if schema, ok := raw["inputSchema"].(map[string]any); ok {
		cfg.InputSchema = schema
	} else if schema, ok := raw["input_schema"].(map[string]any); ok {
		cfg.InputSchema = schema
	}
	if schema, ok := raw["outputSchema"].(map[string]any); ok {
		cfg.OutputSchema = schema
	} else if schema, ok := raw["output_schema"].(map[string]any); ok {
		cfg.OutputSchema = schema
	}

	if at, ok := raw["authType"].(string); ok && at != "" {
		switch AuthType(at) {
		case AuthNone, AuthAPIKey, AuthOAuthStub:
			cfg.AuthType = AuthType(at)
		default:
			return nil, fmt.Errorf("%w: unknown authType %q", ErrInvalidToolConfig, at)
		}
	}

	if ts, ok := raw["tenantScope"].(string); ok && ts != "" {
		switch TenantScope(ts) {
		case ScopeGlobal, ScopeTenant:
			cfg.TenantScope = TenantScope(ts)
		default:
			return nil, fmt.Errorf("%w: unknown tenantScope %q", ErrInvalidToolConfig, ts)
		}
	}

	switch v := raw["maxRetries"].(type) {
	case float64:
		cfg.MaxRetries = int(v)
	case int:
		cfg.MaxRetries = v
	}

	if ec, ok := raw["endpointConfig"].(map[string]any); ok {
		endpoint := &EndpointConfig{Method: "POST", Headers: map[string]string{}}
		endpoint.URL, _ = ec["url"].(string)
		if m, ok := ec["method"].(string); ok && m != "" {
			endpoint.Method = strings.ToUpper(m)
		}
		if hs, ok := ec["headers"].(map[string]any); ok {
			for k, v := range hs {
				if s, ok := v.(string); ok {
					endpoint.Headers[k] = s
				}
			}
		}
		switch v := ec["timeout_seconds"].(type) {
		case float64:
			endpoint.TimeoutSeconds = v
		case int:
			endpoint.TimeoutSeconds = float64(v)
		}
		cfg.Endpoint = endpoint
	}

	httpFamily := false
	switch strings.ToLower(toolType) {
	case "http", "rest", "webhook", "https":
		httpFamily = true
	}
	if httpFamily {
		if cfg.Endpoint == nil || strings.TrimSpace(cfg.Endpoint.URL) == "" {
			return nil, fmt.Errorf("%w: endpointConfig.url is required for tool type %q",
				ErrInvalidToolConfig, toolType)
		}
	}

	return cfg, nil
}

// ToolExecutionStatus tracks a tool invocation lifecycle.
// Transitions are monotonic: REQUESTED → RUNNING → (SUCCEEDED | FAILED).
type ToolExecutionStatus string

// Execution statuses. SUCCEEDED and FAILED are terminal.
const (
	ExecRequested ToolExecutionStatus = "REQUESTED"
	ExecRunning   ToolExecutionStatus = "RUNNING"
	ExecSucceeded ToolExecutionStatus = "SUCCEEDED"
	ExecFailed    ToolExecutionStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s ToolExecutionStatus) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed
}

// ToolExecution is one invocation of a tool.
type ToolExecution struct {
	ID                   string              `json:"id" db:"id"`
	TenantID             string              `json:"tenant_id" db:"tenant_id"`
	ToolID               int64               `json:"tool_id" db:"tool_id"`
	ExceptionID          *string             `json:"exception_id,omitempty" db:"exception_id"`
	Status               ToolExecutionStatus `json:"status" db:"status"`
	RequestedByActorType ActorType           `json:"requested_by_actor_type" db:"requested_by_actor_type"`
	RequestedByActorID   string              `json:"requested_by_actor_id" db:"requested_by_actor_id"`
	InputPayload         JSONMap             `json:"input_payload" db:"input_payload"`
	OutputPayload        JSONMap             `json:"output_payload,omitempty" db:"output_payload"`
	ErrorMessage         *string             `json:"error_message,omitempty" db:"error_message"`
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at" db:"updated_at"`
}

// ToolEnablement toggles a tool for a tenant. A missing row means enabled.
type ToolEnablement struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ToolID    int64     `json:"tool_id" db:"tool_id"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
