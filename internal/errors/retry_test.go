package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDo_SucceedsAfterRetryable(t *testing.T) {
	// Given: an operation that fails twice with a retryable error
	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2, Sleep: noSleep}
	calls := 0

	// When: running it through Do
	v, attempts, err := Do(t.Context(), policy, func(_ context.Context, _ int) Attempt[string] {
		calls++
		if calls < 3 {
			return Retryable[string](New(ErrCodeFetchTimeout, "slow", nil))
		}
		return Success("ok")
	})

	// Then: the third attempt's value is returned
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnFatal(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Sleep: noSleep}
	fatal := stderrors.New("bad request")
	calls := 0

	_, attempts, err := Do(t.Context(), policy, func(_ context.Context, _ int) Attempt[int] {
		calls++
		return Fatal[int](fatal)
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttemptCeiling(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep}
	cause := New(ErrCodeEmbeddingUnavailable, "down", nil)
	calls := 0

	_, attempts, err := Do(t.Context(), policy, func(_ context.Context, _ int) Attempt[int] {
		calls++
		return Retryable[int](cause)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDo_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, attempts, err := Do(ctx, DefaultRetryPolicy(), func(_ context.Context, _ int) Attempt[int] {
		t.Fatal("must not be called")
		return Success(0)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(10))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}

	for range 50 {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestRetry_ErrorOnly(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, Sleep: noSleep}
	calls := 0

	err := Retry(t.Context(), policy, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return New(ErrCodeStoreBusy, "locked", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
