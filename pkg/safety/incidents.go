package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redress-io/redress/pkg/models"
)

// IncidentStatus tracks an incident lifecycle.
type IncidentStatus string

// Incident statuses.
const (
	IncidentOpen         IncidentStatus = "OPEN"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

// Incident groups repeated violations of the same rule for a tenant.
type Incident struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	RuleID         string         `json:"ruleId"`
	Status         IncidentStatus `json:"status"`
	ViolationCount int            `json:"violationCount"`
	FirstSeen      time.Time      `json:"firstSeen"`
	LastSeen       time.Time      `json:"lastSeen"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
}

// IncidentManager promotes repeated CRITICAL violations into incidents,
// deduplicated per (tenant, rule). Open incidents absorb further
// violations instead of spawning duplicates.
type IncidentManager struct {
	threshold int

	mu        sync.Mutex
	counts    map[string]int       // "tenant/rule" → recent violation count
	incidents map[string]*Incident // "tenant/rule" → open incident
	log       *slog.Logger
}

// NewIncidentManager creates a manager that opens an incident after
// threshold CRITICAL violations of the same rule.
func NewIncidentManager(threshold int) *IncidentManager {
	if threshold <= 0 {
		threshold = 3
	}
	return &IncidentManager{
		threshold: threshold,
		counts:    make(map[string]int),
		incidents: make(map[string]*Incident),
		log:       slog.Default().With("component", "incident-manager"),
	}
}

// Observe feeds one violation in. Returns the incident when the
// threshold was crossed or an open incident absorbed the violation.
func (m *IncidentManager) Observe(v models.Violation) *Incident {
	if v.Severity != models.SeverityCritical {
		return nil
	}

	key := v.TenantID + "/" + v.RuleID
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if incident, ok := m.incidents[key]; ok && incident.Status != IncidentResolved {
		incident.ViolationCount++
		incident.LastSeen = now
		return incident
	}

	m.counts[key]++
	if m.counts[key] < m.threshold {
		return nil
	}

	incident := &Incident{
		ID:             uuid.NewString(),
		TenantID:       v.TenantID,
		RuleID:         v.RuleID,
		Status:         IncidentOpen,
		ViolationCount: m.counts[key],
		FirstSeen:      now,
		LastSeen:       now,
	}
	m.incidents[key] = incident
	delete(m.counts, key)

	m.log.Warn("Incident opened",
		"incident_id", incident.ID, "tenant_id", v.TenantID,
		"rule_id", v.RuleID, "violations", incident.ViolationCount)
	return incident
}

// Acknowledge marks an incident acknowledged by an operator.
func (m *IncidentManager) Acknowledge(incidentID, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, incident := range m.incidents {
		if incident.ID == incidentID {
			incident.Status = IncidentAcknowledged
			incident.AcknowledgedBy = by
			return nil
		}
	}
	return fmt.Errorf("incident %s not found", incidentID)
}

// Resolve closes an incident.
func (m *IncidentManager) Resolve(incidentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, incident := range m.incidents {
		if incident.ID == incidentID {
			incident.Status = IncidentResolved
			delete(m.incidents, key)
			return nil
		}
	}
	return fmt.Errorf("incident %s not found", incidentID)
}

// Open returns the open incidents for a tenant.
func (m *IncidentManager) Open(tenantID string) []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Incident
	for _, incident := range m.incidents {
		if incident.TenantID == tenantID && incident.Status != IncidentResolved {
			out = append(out, *incident)
		}
	}
	return out
}
