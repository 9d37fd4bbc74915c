// Package playbook selects and executes remediation playbooks.
package playbook

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redress-io/redress/pkg/models"
)

// MatchResult is the outcome of a matching pass. Playbook is nil when no
// candidate passed; Reasoning always explains the outcome.
type MatchResult struct {
	Playbook  *models.Playbook
	Reasoning string
}

// Match evaluates candidates against the exception and returns the best
// match. Pure and idempotent: no events, no state.
//
// Conditions live at the root of the playbook's conditions document or
// under a "match" key. Candidates passing every stated condition are
// ranked by (-priority, -playbook_id): higher priority wins, ties go to
// the newer playbook.
func Match(exception *models.Exception, candidates []models.Playbook, tenantTags []string) MatchResult {
	if len(candidates) == 0 {
		return MatchResult{Reasoning: "No playbooks found for tenant"}
	}

	attrs := extractAttributes(exception, tenantTags)

	type scored struct {
		playbook models.Playbook
		priority int
		reason   string
	}
	var matching []scored

	for _, candidate := range candidates {
		priority, reason, ok := evaluateConditions(candidate, attrs)
		if ok {
			matching = append(matching, scored{candidate, priority, reason})
		}
	}

	if len(matching) == 0 {
		return MatchResult{Reasoning: "No playbooks matched the exception conditions"}
	}

	sort.Slice(matching, func(i, j int) bool {
		if matching[i].priority != matching[j].priority {
			return matching[i].priority > matching[j].priority
		}
		return matching[i].playbook.PlaybookID > matching[j].playbook.PlaybookID
	})

	best := matching[0]
	reasoning := fmt.Sprintf("Selected playbook %q (priority=%d, playbook_id=%d): %s",
		best.playbook.Name, best.priority, best.playbook.PlaybookID, best.reason)
	if len(matching) > 1 {
		reasoning += fmt.Sprintf(" (evaluated %d matching playbooks)", len(matching))
	}

	return MatchResult{Playbook: &best.playbook, Reasoning: reasoning}
}

// attributes are the exception fields conditions evaluate against.
type attributes struct {
	domain              string
	exceptionType       string
	severity            string // lowercase
	slaMinutesRemaining *int
	policyTags          map[string]bool
}

func extractAttributes(exception *models.Exception, tenantTags []string) attributes {
	attrs := attributes{
		domain:        exception.Domain(),
		exceptionType: exception.ExceptionType,
		severity:      strings.ToLower(string(exception.Severity)),
		policyTags:    make(map[string]bool),
	}

	for _, tag := range exception.PolicyTags() {
		attrs.policyTags[tag] = true
	}
	for _, tag := range tenantTags {
		attrs.policyTags[tag] = true
	}

	if deadline, ok := parseSLADeadline(exception.NormalizedContext["sla_deadline"]); ok {
		minutes := int(time.Until(deadline).Minutes())
		attrs.slaMinutesRemaining = &minutes
	}

	return attrs
}

// parseSLADeadline accepts an RFC3339 string or an epoch-seconds number.
func parseSLADeadline(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case float64:
		return time.Unix(int64(v), 0), true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// evaluateConditions checks one candidate. Returns its priority, a short
// reason, and whether every stated condition passed. An unstated
// condition is not checked; a stated-but-unmet condition fails the
// candidate.
func evaluateConditions(candidate models.Playbook, attrs attributes) (int, string, bool) {
	conditions := map[string]any(candidate.Conditions)
	if conditions == nil {
		conditions = map[string]any{}
	}

	match := conditions
	if nested, ok := conditions["match"].(map[string]any); ok {
		match = nested
	}

	priority := candidate.Priority
	if p, ok := toInt(conditions["priority"]); ok {
		priority = p
	}

	if required, ok := match["domain"].(string); ok {
		if attrs.domain != required {
			return priority, "", false
		}
	}

	if required, ok := match["exception_type"].(string); ok {
		if attrs.exceptionType != required {
			return priority, "", false
		}
	}

	if raw, ok := match["severity_in"]; ok {
		if !severityIn(attrs.severity, raw) {
			return priority, "", false
		}
	} else if required, ok := match["severity"].(string); ok {
		if attrs.severity != strings.ToLower(required) {
			return priority, "", false
		}
	}

	if raw, ok := match["sla_minutes_remaining_lt"]; ok {
		maxMinutes, ok := toInt(raw)
		if !ok || attrs.slaMinutesRemaining == nil || *attrs.slaMinutesRemaining >= maxMinutes {
			return priority, "", false
		}
	}

	if raw, ok := match["policy_tags"]; ok {
		required, ok := raw.([]any)
		if !ok {
			return priority, "", false
		}
		for _, tag := range required {
			s, ok := tag.(string)
			if !ok || !attrs.policyTags[s] {
				return priority, "", false
			}
		}
	}

	return priority, "Matched conditions", true
}

func severityIn(severity string, raw any) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if s, ok := item.(string); ok && strings.ToLower(s) == severity {
			return true
		}
	}
	return false
}

func toInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
