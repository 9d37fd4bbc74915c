package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/redress-io/redress/pkg/models"
	"github.com/redress-io/redress/pkg/repository"
)

// toolStore is the slice of the tool repository the validator needs.
type toolStore interface {
	Get(ctx context.Context, tenantID string, toolID int64) (*models.ToolDefinition, error)
	GetAnyTenant(ctx context.Context, toolID int64) (*models.ToolDefinition, error)
	IsEnabled(ctx context.Context, tenantID string, toolID int64) (bool, error)
}

// Validator runs the pre-execution checks: tenant scope, enablement, and
// JSON-Schema payload validation.
type Validator struct {
	tools toolStore
	log   *slog.Logger
}

// NewValidator creates a validator over the tool repository.
func NewValidator(tools toolStore) *Validator {
	return &Validator{
		tools: tools,
		log:   slog.Default().With("component", "tool-validator"),
	}
}

// CheckScope verifies the tool is global or owned by the tenant. When the
// tool exists but belongs to another tenant, the error names the owner.
func (v *Validator) CheckScope(ctx context.Context, tenantID string, toolID int64) (*models.ToolDefinition, error) {
	def, err := v.tools.Get(ctx, tenantID, toolID)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load tool %d: %w", toolID, err)
	}

	// Distinguish "does not exist" from "scoped to another tenant" for a
	// precise error message.
	other, otherErr := v.tools.GetAnyTenant(ctx, toolID)
	if otherErr == nil && other.TenantID != nil {
		return nil, &ValidationError{
			ToolID: toolID,
			Reason: fmt.Sprintf("tenant-scoped to %q, not accessible to tenant %q", *other.TenantID, tenantID),
		}
	}
	return nil, &ValidationError{
		ToolID: toolID,
		Reason: fmt.Sprintf("not found or access denied for tenant %q", tenantID),
	}
}

// CheckEnabled verifies the tool is enabled for the tenant. Absence of an
// enablement row means enabled.
func (v *Validator) CheckEnabled(ctx context.Context, tenantID string, toolID int64) error {
	enabled, err := v.tools.IsEnabled(ctx, tenantID, toolID)
	if err != nil {
		return fmt.Errorf("check enablement of tool %d: %w", toolID, err)
	}
	if !enabled {
		return &ValidationError{
			ToolID: toolID,
			Reason: fmt.Sprintf("disabled for tenant %q", tenantID),
		}
	}
	return nil
}

// ValidatePayload checks the payload against the tool's inputSchema.
// A missing schema is a logged pass-through for backward compatibility.
func (v *Validator) ValidatePayload(def *models.ToolDefinition, payload models.JSONMap) error {
	cfg, err := models.ParseToolConfig(def.Type, def.Config)
	if err != nil {
		return &ValidationError{ToolID: def.ToolID, Reason: err.Error()}
	}
	if len(cfg.InputSchema) == 0 {
		v.log.Warn("Tool has no inputSchema, skipping payload validation",
			"tool_id", def.ToolID, "tool_name", def.Name)
		return nil
	}

	schema, err := compileSchema(cfg.InputSchema)
	if err != nil {
		return &ValidationError{
			ToolID: def.ToolID,
			Reason: fmt.Sprintf("invalid inputSchema: %v", err),
		}
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects from decoded documents.
	instance, err := normalizeInstance(payload)
	if err != nil {
		return &ValidationError{ToolID: def.ToolID, Reason: err.Error()}
	}

	if err := schema.Validate(instance); err != nil {
		return &ValidationError{
			ToolID: def.ToolID,
			Reason: fmt.Sprintf("payload validation failed: %v", err),
		}
	}
	return nil
}

// Validate runs every check in order: scope, enablement, payload.
func (v *Validator) Validate(ctx context.Context, tenantID string, toolID int64, payload models.JSONMap) (*models.ToolDefinition, error) {
	def, err := v.CheckScope(ctx, tenantID, toolID)
	if err != nil {
		return nil, err
	}
	if err := v.CheckEnabled(ctx, tenantID, toolID); err != nil {
		return nil, err
	}
	if payload != nil {
		if err := v.ValidatePayload(def, payload); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func compileSchema(raw map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalizeInstance(raw)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inputSchema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("inputSchema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func normalizeInstance(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal for validation: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal for validation: %w", err)
	}
	return out, nil
}
