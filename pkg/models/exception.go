// Package models defines the core domain entities shared across the platform.
package models

import (
	"time"
)

// Severity classifies how urgent an exception is.
type Severity string

// Severity levels, ordered from least to most urgent.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank(s) >= severityRank(other)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ResolutionStatus tracks the lifecycle of an exception.
type ResolutionStatus string

// Resolution statuses. RESOLVED and ESCALATED are terminal.
const (
	StatusOpen       ResolutionStatus = "OPEN"
	StatusInProgress ResolutionStatus = "IN_PROGRESS"
	StatusEscalated  ResolutionStatus = "ESCALATED"
	StatusResolved   ResolutionStatus = "RESOLVED"
)

// ActorType identifies who (or what) performed an action.
type ActorType string

// Actor types.
const (
	ActorUser   ActorType = "USER"
	ActorAgent  ActorType = "AGENT"
	ActorSystem ActorType = "SYSTEM"
)

// Actor pairs an actor type with its identifier.
type Actor struct {
	Type ActorType `json:"actor_type"`
	ID   string    `json:"actor_id"`
}

// Exception is an anomaly raised by an upstream business system.
// It is created by the Intake worker and mutated only through the
// pipeline workers; API consumers never write it directly.
type Exception struct {
	ExceptionID       string           `json:"exception_id" db:"exception_id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	SourceSystem      string           `json:"source_system" db:"source_system"`
	ExceptionType     string           `json:"exception_type" db:"exception_type"`
	Severity          Severity         `json:"severity" db:"severity"`
	ResolutionStatus  ResolutionStatus `json:"resolution_status" db:"resolution_status"`
	RawPayload        JSONMap          `json:"raw_payload" db:"raw_payload"`
	NormalizedContext JSONMap          `json:"normalized_context" db:"normalized_context"`
	CurrentPlaybookID *int64           `json:"current_playbook_id,omitempty" db:"current_playbook_id"`
	CurrentStep       *int             `json:"current_step,omitempty" db:"current_step"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// Domain returns the normalized business domain of the exception, if set.
func (e *Exception) Domain() string {
	if d, ok := e.NormalizedContext["domain"].(string); ok {
		return d
	}
	return ""
}

// PolicyTags returns policy tags from the normalized context.
func (e *Exception) PolicyTags() []string {
	raw, ok := e.NormalizedContext["policy_tags"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}
