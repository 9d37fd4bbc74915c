package models

import "time"

// Playbook is an ordered remediation plan for a class of exceptions.
type Playbook struct {
	PlaybookID    int64   `json:"playbook_id" db:"playbook_id"`
	TenantID      string  `json:"tenant_id" db:"tenant_id"`
	Name          string  `json:"name" db:"name"`
	Version       string  `json:"version" db:"version"`
	ExceptionType string  `json:"exception_type" db:"exception_type"`
	Conditions    JSONMap `json:"conditions" db:"conditions"`
	Priority      int     `json:"priority" db:"priority"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PlaybookStep is a single ordered action within a playbook.
type PlaybookStep struct {
	StepID     int64   `json:"step_id" db:"step_id"`
	PlaybookID int64   `json:"playbook_id" db:"playbook_id"`
	StepOrder  int     `json:"step_order" db:"step_order"`
	Name       string  `json:"name" db:"name"`
	ActionType string  `json:"action_type" db:"action_type"`
	Params     JSONMap `json:"params" db:"params"`
}

// safeActionTypes are the step actions that do not require human approval.
var safeActionTypes = map[string]bool{
	"notify":       true,
	"add_comment":  true,
	"set_status":   true,
	"assign_owner": true,
}

// Risky reports whether the step requires a human actor to complete.
// Any action outside the safe set is risky; call_tool always is.
func (s *PlaybookStep) Risky() bool {
	return !safeActionTypes[s.ActionType]
}
