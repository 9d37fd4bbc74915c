package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisBrokerFromClient(client, RedisConfig{
		BlockTimeout: 20 * time.Millisecond,
		ClaimMinIdle: time.Millisecond,
		ReadCount:    16,
	})
}

// collectingHandler appends delivered messages under a mutex.
type collectingHandler struct {
	mu       sync.Mutex
	messages []Message
	failures map[string]int // key → times to fail before succeeding
}

func (h *collectingHandler) handle(_ context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures != nil && h.failures[msg.Key] > 0 {
		h.failures[msg.Key]--
		return errors.New("transient handler failure")
	}
	h.messages = append(h.messages, msg)
	return nil
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPublishSubscribeDelivers(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &collectingHandler{}
	go func() { _ = b.Subscribe(ctx, []string{"exceptions"}, "group-1", handler.handle) }()

	require.NoError(t, b.Publish(ctx, "exceptions", "exc-1", []byte(`{"n":1}`)))
	require.NoError(t, b.Publish(ctx, "exceptions", "exc-2", []byte(`{"n":2}`)))

	waitFor(t, 2*time.Second, func() bool { return handler.count() == 2 })

	handler.mu.Lock()
	defer handler.mu.Unlock()
	keys := map[string]bool{}
	for _, m := range handler.messages {
		assert.Equal(t, "exceptions", m.Topic)
		keys[m.Key] = true
	}
	assert.True(t, keys["exc-1"])
	assert.True(t, keys["exc-2"])
}

func TestEachGroupGetsEveryMessage(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1 := &collectingHandler{}
	h2 := &collectingHandler{}
	go func() { _ = b.Subscribe(ctx, []string{"exceptions"}, "group-a", h1.handle) }()
	go func() { _ = b.Subscribe(ctx, []string{"exceptions"}, "group-b", h2.handle) }()

	require.NoError(t, b.Publish(ctx, "exceptions", "exc-1", []byte(`{}`)))

	waitFor(t, 2*time.Second, func() bool { return h1.count() == 1 && h2.count() == 1 })
}

func TestFailedHandlerGetsRedelivered(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &collectingHandler{failures: map[string]int{"exc-1": 2}}
	go func() { _ = b.Subscribe(ctx, []string{"exceptions"}, "group-1", handler.handle) }()

	require.NoError(t, b.Publish(ctx, "exceptions", "exc-1", []byte(`{"retry":"me"}`)))

	// Two failures, then the stale-claim path redelivers and succeeds.
	waitFor(t, 5*time.Second, func() bool { return handler.count() == 1 })
	assert.Equal(t, "exc-1", handler.messages[0].Key)
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, []string{"exceptions"}, "group-1", (&collectingHandler{}).handle) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not exit on cancel")
	}
}

func TestSubscribeRequiresTopics(t *testing.T) {
	b := testBroker(t)
	err := b.Subscribe(context.Background(), nil, "group", func(context.Context, Message) error { return nil })
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBrokerFromClient(client, RedisConfig{})

	assert.NoError(t, b.Health(context.Background()))

	mr.Close()
	assert.Error(t, b.Health(context.Background()))
}
