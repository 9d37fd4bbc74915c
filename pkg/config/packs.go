// Package config loads platform configuration: environment settings and
// the declarative domain/tenant pack bundles.
package config

import (
	"fmt"
	"strings"

	"github.com/redress-io/redress/pkg/models"
)

// Guardrails constrain policy decisions for a domain or tenant.
type Guardrails struct {
	AllowLists             []string `yaml:"allow_lists"`
	BlockLists             []string `yaml:"block_lists"`
	HumanApprovalThreshold float64  `yaml:"human_approval_threshold"`
}

// SeverityRule maps an exception type to its default severity.
type SeverityRule struct {
	ExceptionType string          `yaml:"exception_type"`
	Severity      models.Severity `yaml:"severity"`
}

// PackTool declares a tool inside a domain pack.
type PackTool struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Description    string         `yaml:"description"`
	TimeoutSeconds float64        `yaml:"timeout_seconds"`
	MaxRetries     int            `yaml:"max_retries"`
	Config         map[string]any `yaml:"config"`
}

// PackPlaybook declares a playbook inside a domain pack.
type PackPlaybook struct {
	Name          string         `yaml:"name"`
	ExceptionType string         `yaml:"exception_type"`
	Priority      int            `yaml:"priority"`
	Conditions    map[string]any `yaml:"conditions"`
	Steps         []PackStep     `yaml:"steps"`
}

// PackStep declares one playbook step.
type PackStep struct {
	Name       string         `yaml:"name"`
	ActionType string         `yaml:"action_type"`
	Params     map[string]any `yaml:"params"`
}

// DomainPack is a declarative bundle of rules, tools, and playbooks for
// one business domain. Immutable once registered.
type DomainPack struct {
	Domain         string         `yaml:"domain"`
	Version        string         `yaml:"version"`
	ExceptionTypes []string       `yaml:"exception_types"`
	SeverityRules  []SeverityRule `yaml:"severity_rules"`
	Guardrails     Guardrails     `yaml:"guardrails"`
	Tools          []PackTool     `yaml:"tools"`
	Playbooks      []PackPlaybook `yaml:"playbooks"`
}

// Validate checks required fields and enum values.
func (p *DomainPack) Validate() error {
	if strings.TrimSpace(p.Domain) == "" {
		return NewValidationError("domain_pack", p.Domain, "domain", ErrMissingRequiredField)
	}
	if strings.TrimSpace(p.Version) == "" {
		return NewValidationError("domain_pack", p.Domain, "version", ErrMissingRequiredField)
	}
	for _, rule := range p.SeverityRules {
		if !rule.Severity.Valid() {
			return NewValidationError("domain_pack", p.Domain, "severity_rules",
				fmt.Errorf("%w: %q", ErrInvalidValue, rule.Severity))
		}
	}
	return nil
}

// HumanApprovalRule requires approval for a severity level.
type HumanApprovalRule struct {
	Severity        string `yaml:"severity"`
	RequireApproval bool   `yaml:"require_approval"`
}

// SeverityOverride changes the default severity of an exception type.
type SeverityOverride struct {
	ExceptionType string          `yaml:"exception_type"`
	Severity      models.Severity `yaml:"severity"`
}

// ToolOverride adjusts tool behavior for a tenant.
type ToolOverride struct {
	ToolName       string  `yaml:"tool_name"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
}

// SMTPConfig holds SMTP settings for email notifications.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// NotificationPolicy routes notifications for a tenant.
type NotificationPolicy struct {
	Channels          []string            `yaml:"channels"`
	RecipientsByGroup map[string][]string `yaml:"recipients_by_group"`
	WebhookURLs       map[string]string   `yaml:"webhook_urls"`
	SlackChannel      string              `yaml:"slack_channel"`
	SMTP              *SMTPConfig         `yaml:"smtp"`
}

// EmbeddingConfig selects the tenant's embedding provider.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// RetentionPolicy bounds how long tenant data is kept.
type RetentionPolicy struct {
	DataTTLDays int `yaml:"data_ttl_days"`
}

// TenantPolicyPack layers per-tenant overrides atop a domain pack.
type TenantPolicyPack struct {
	TenantID          string              `yaml:"tenant_id"`
	Domain            string              `yaml:"domain"`
	Version           string              `yaml:"version"`
	Tags              []string            `yaml:"tags"`
	ApprovedTools     []string            `yaml:"approved_tools"`
	CustomGuardrails  *Guardrails         `yaml:"custom_guardrails"`
	SeverityOverrides []SeverityOverride  `yaml:"severity_overrides"`
	ApprovalRules     []HumanApprovalRule `yaml:"human_approval_rules"`
	ToolOverrides     []ToolOverride      `yaml:"tool_overrides"`
	Notifications     NotificationPolicy  `yaml:"notifications"`
	Embedding         *EmbeddingConfig    `yaml:"embedding"`
	Retention         *RetentionPolicy    `yaml:"retention"`
}

// Validate checks required fields.
func (p *TenantPolicyPack) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return NewValidationError("tenant_policy", p.TenantID, "tenant_id", ErrMissingRequiredField)
	}
	if strings.TrimSpace(p.Domain) == "" {
		return NewValidationError("tenant_policy", p.TenantID, "domain", ErrMissingRequiredField)
	}
	return nil
}

// EffectiveGuardrails returns the tenant's custom guardrails when set,
// else the domain pack's.
func (p *TenantPolicyPack) EffectiveGuardrails(domain *DomainPack) Guardrails {
	if p.CustomGuardrails != nil {
		return *p.CustomGuardrails
	}
	if domain != nil {
		return domain.Guardrails
	}
	return Guardrails{}
}

// RequiresApproval reports whether the tenant requires human approval
// for the given severity.
func (p *TenantPolicyPack) RequiresApproval(severity models.Severity) bool {
	for _, rule := range p.ApprovalRules {
		if strings.EqualFold(rule.Severity, string(severity)) && rule.RequireApproval {
			return true
		}
	}
	return false
}

// OverrideFor returns the tenant's tool override by tool name, or nil.
func (p *TenantPolicyPack) OverrideFor(toolName string) *ToolOverride {
	for i := range p.ToolOverrides {
		if p.ToolOverrides[i].ToolName == toolName {
			return &p.ToolOverrides[i]
		}
	}
	return nil
}

// SeverityFor resolves the effective severity of an exception type:
// tenant overrides win over domain severity rules; the fallback is
// MEDIUM.
func SeverityFor(exceptionType string, domain *DomainPack, tenant *TenantPolicyPack) (models.Severity, string) {
	if tenant != nil {
		for _, o := range tenant.SeverityOverrides {
			if o.ExceptionType == exceptionType {
				return o.Severity, "tenant severity override"
			}
		}
	}
	if domain != nil {
		for _, r := range domain.SeverityRules {
			if r.ExceptionType == exceptionType {
				return r.Severity, "domain severity rule"
			}
		}
	}
	return models.SeverityMedium, "default severity"
}
