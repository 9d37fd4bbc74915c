package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redress-io/redress/pkg/broker"
)

// Appender is the narrow capability handed to services that emit events.
// They never see the full bus, only append-and-publish.
type Appender interface {
	Publish(ctx context.Context, e *CanonicalEvent) error
}

// eventStore is the slice of the event repository the publisher needs.
type eventStore interface {
	AppendIfNew(ctx context.Context, e *CanonicalEvent) (bool, error)
}

// Publisher mirrors every event to durable storage, then publishes it on
// the broker keyed by exception id. The durable append happens first: a
// failed broker publish leaves the system consistent and the caller
// retries. Duplicate event ids are appended once and re-published (the
// idempotency ledger protects consumers).
type Publisher struct {
	broker broker.Broker
	store  eventStore
	log    *slog.Logger
}

// NewPublisher creates a publisher over a broker and event store
// (typically repository.EventRepo on the pooled handle).
func NewPublisher(b broker.Broker, store eventStore) *Publisher {
	return &Publisher{
		broker: b,
		store:  store,
		log:    slog.Default().With("component", "event-publisher"),
	}
}

// Publish validates, persists, and broadcasts the event.
func (p *Publisher) Publish(ctx context.Context, e *CanonicalEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	inserted, err := p.store.AppendIfNew(ctx, e)
	if err != nil {
		return fmt.Errorf("persist event %s: %w", e.EventID, err)
	}
	if !inserted {
		p.log.Debug("Event already persisted, republishing",
			"event_id", e.EventID, "event_type", e.EventType)
	}

	value, err := e.Marshal()
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ctx, TopicExceptions, e.ExceptionID, value); err != nil {
		return fmt.Errorf("publish event %s: %w", e.EventID, err)
	}

	p.log.Debug("Event published",
		"event_id", e.EventID, "event_type", e.EventType,
		"tenant_id", e.TenantID, "exception_id", e.ExceptionID)
	return nil
}
