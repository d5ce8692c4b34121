package errors

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a circuit breaker with max 3 failures
	cb := NewCircuitBreaker("embed", WithMaxFailures(3), WithResetTimeout(time.Second))

	// When: recording 3 failures
	for range 3 {
		_ = cb.Execute(func() error { return stderrors.New("down") })
	}

	// Then: circuit is open and calls are rejected without running
	assert.Equal(t, StateOpen, cb.State())
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("embed", WithMaxFailures(1), WithResetTimeout(time.Minute), WithClock(clock.Now))
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	// When: the reset window passes
	clock.t = clock.t.Add(2 * time.Minute)

	// Then: exactly one probe is admitted
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	// And: a successful probe closes the circuit
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("embed", WithMaxFailures(3), WithResetTimeout(time.Minute), WithClock(clock.Now))
	for range 3 {
		cb.RecordFailure()
	}
	clock.t = clock.t.Add(2 * time.Minute)

	_, err := CircuitExecute(cb, func() (int, error) { return 0, stderrors.New("still down") })

	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}
