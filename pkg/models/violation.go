package models

import "time"

// ViolationKind distinguishes policy violations from tool violations.
type ViolationKind string

// Violation kinds.
const (
	ViolationPolicy ViolationKind = "policy"
	ViolationTool   ViolationKind = "tool"
)

// Violation records a guardrail breach detected by the safety layer.
// Violations are append-only, persisted as per-tenant JSONL.
type Violation struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	ExceptionID string        `json:"exceptionId"`
	Kind        ViolationKind `json:"kind"`
	AgentName   string        `json:"agentName,omitempty"`
	ToolName    string        `json:"toolName,omitempty"`
	RuleID      string        `json:"ruleId,omitempty"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	Context     JSONMap       `json:"context,omitempty"`
}
