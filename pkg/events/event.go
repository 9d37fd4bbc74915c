package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redress-io/redress/pkg/models"
)

// CanonicalEvent is the immutable envelope carried on every topic.
type CanonicalEvent struct {
	EventID       string           `json:"event_id"`
	EventType     string           `json:"event_type"`
	TenantID      string           `json:"tenant_id"`
	ExceptionID   string           `json:"exception_id,omitempty"`
	CorrelationID string           `json:"correlation_id"`
	ActorType     models.ActorType `json:"actor_type"`
	ActorID       string           `json:"actor_id"`
	Payload       models.JSONMap   `json:"payload"`
	CreatedAt     time.Time        `json:"created_at"`
}

// New builds a canonical event for an exception pipeline. The correlation
// id is the exception id; the event id is a fresh uuid v4.
func New(eventType, tenantID, exceptionID string, actor models.Actor, payload models.JSONMap) *CanonicalEvent {
	if payload == nil {
		payload = models.JSONMap{}
	}
	return &CanonicalEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		TenantID:      tenantID,
		ExceptionID:   exceptionID,
		CorrelationID: exceptionID,
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the required envelope fields.
func (e *CanonicalEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("event_id is not a uuid: %w", err)
	}
	if e.EventType == "" {
		return fmt.Errorf("event %s missing event_type", e.EventID)
	}
	if e.TenantID == "" {
		return fmt.Errorf("event %s missing tenant_id", e.EventID)
	}
	switch e.ActorType {
	case models.ActorUser, models.ActorAgent, models.ActorSystem:
	default:
		return fmt.Errorf("event %s has unknown actor_type %q", e.EventID, e.ActorType)
	}
	return nil
}

// Marshal serializes the event for the wire.
func (e *CanonicalEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}
	return data, nil
}

// Unmarshal parses a wire message into a canonical event and validates it.
func Unmarshal(data []byte) (*CanonicalEvent, error) {
	var e CanonicalEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
