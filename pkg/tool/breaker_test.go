package tool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(DefaultBreakerConfig())
	cb.now = clock.Now
	return cb
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	assert.False(t, cb.CanExecute())

	clock.Advance(59 * time.Second)
	assert.False(t, cb.CanExecute())

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	assert.True(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.Advance(61 * time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestBreakerRegistryScopesPerTenantAndTool(t *testing.T) {
	reg := newBreakerRegistry(DefaultBreakerConfig())

	a := reg.get("tenant-a", 1)
	b := reg.get("tenant-b", 1)
	assert.NotSame(t, a, b)

	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, a.State())
	assert.Equal(t, CircuitClosed, reg.get("tenant-b", 1).State())

	states := reg.snapshot()
	assert.Equal(t, CircuitOpen, states["tenant-a/1"])
	assert.Equal(t, CircuitClosed, states["tenant-b/1"])
}
