package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redress-io/redress/pkg/broker"
	"github.com/redress-io/redress/pkg/models"
)

// fakeBroker records published messages.
type fakeBroker struct {
	published []struct {
		topic, key string
		value      []byte
	}
	failPublish bool
}

func (b *fakeBroker) Publish(_ context.Context, topic, key string, value []byte) error {
	if b.failPublish {
		return errors.New("broker down")
	}
	b.published = append(b.published, struct {
		topic, key string
		value      []byte
	}{topic, key, value})
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, []string, string, broker.Handler) error {
	return nil
}

func (b *fakeBroker) Health(context.Context) error { return nil }
func (b *fakeBroker) Close() error                 { return nil }

// fakeEventStore tracks appended ids.
type fakeEventStore struct {
	seen map[string]bool
}

func (s *fakeEventStore) AppendIfNew(_ context.Context, e *CanonicalEvent) (bool, error) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[e.EventID] {
		return false, nil
	}
	s.seen[e.EventID] = true
	return true, nil
}

func TestNewEventShape(t *testing.T) {
	actor := models.Actor{Type: models.ActorAgent, ID: "triage-agent"}
	e := New(TypeTriageCompleted, "t1", "exc-1", actor, models.JSONMap{"k": "v"})

	require.NoError(t, e.Validate())
	assert.Equal(t, "exc-1", e.CorrelationID)
	assert.Equal(t, "exc-1", e.ExceptionID)
	assert.Equal(t, models.ActorAgent, e.ActorType)
	assert.False(t, e.CreatedAt.IsZero())
	assert.NotEmpty(t, e.EventID)
}

func TestEventValidation(t *testing.T) {
	e := New(TypeResolved, "t1", "exc-1", models.Actor{Type: models.ActorSystem, ID: "s"}, nil)

	e.TenantID = ""
	assert.Error(t, e.Validate())

	e = New(TypeResolved, "t1", "exc-1", models.Actor{Type: "ROBOT", ID: "s"}, nil)
	assert.Error(t, e.Validate())

	e = New(TypeResolved, "t1", "exc-1", models.Actor{Type: models.ActorSystem, ID: "s"}, nil)
	e.EventID = "not-a-uuid"
	assert.Error(t, e.Validate())
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	e := New(TypePlaybookStarted, "t1", "exc-1",
		models.Actor{Type: models.ActorUser, ID: "ops"},
		models.JSONMap{"playbook_id": float64(10)})

	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.EventType, got.EventType)
	assert.Equal(t, e.Payload["playbook_id"], got.Payload["playbook_id"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"event_id":"x"}`))
	assert.Error(t, err)
}

func TestPublisherPersistsThenPublishes(t *testing.T) {
	b := &fakeBroker{}
	store := &fakeEventStore{}
	p := NewPublisher(b, store)

	e := New(TypeExceptionRaised, "t1", "exc-1",
		models.Actor{Type: models.ActorSystem, ID: "api"}, models.JSONMap{"x": 1})
	require.NoError(t, p.Publish(context.Background(), e))

	assert.True(t, store.seen[e.EventID])
	require.Len(t, b.published, 1)
	assert.Equal(t, TopicExceptions, b.published[0].topic)
	assert.Equal(t, "exc-1", b.published[0].key)
}

func TestPublisherBrokerFailureLeavesRecord(t *testing.T) {
	b := &fakeBroker{failPublish: true}
	store := &fakeEventStore{}
	p := NewPublisher(b, store)

	e := New(TypeExceptionRaised, "t1", "exc-1",
		models.Actor{Type: models.ActorSystem, ID: "api"}, nil)
	err := p.Publish(context.Background(), e)
	require.Error(t, err)

	// The durable append happened first: the caller can simply retry.
	assert.True(t, store.seen[e.EventID])

	b.failPublish = false
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Len(t, b.published, 1)
}

func TestPublisherDuplicateEventRepublishes(t *testing.T) {
	b := &fakeBroker{}
	store := &fakeEventStore{}
	p := NewPublisher(b, store)

	e := New(TypeExceptionRaised, "t1", "exc-1",
		models.Actor{Type: models.ActorSystem, ID: "api"}, nil)
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Publish(context.Background(), e))

	// One durable row, two broadcasts: consumers deduplicate by event id.
	assert.Len(t, store.seen, 1)
	assert.Len(t, b.published, 2)
}
