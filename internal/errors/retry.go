package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Outcome classifies a single attempt of a retryable operation.
type Outcome int

const (
	// OutcomeSuccess means the attempt produced a value.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the attempt failed but may succeed if repeated.
	OutcomeRetryable
	// OutcomeFatal means the attempt failed and repeating it is pointless.
	OutcomeFatal
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Attempt is the result of one try: a value on success, an error otherwise.
type Attempt[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// Success wraps a value as a successful attempt.
func Success[T any](v T) Attempt[T] {
	return Attempt[T]{Value: v, Outcome: OutcomeSuccess}
}

// Retryable wraps err as a retryable failure.
func Retryable[T any](err error) Attempt[T] {
	return Attempt[T]{Outcome: OutcomeRetryable, Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal[T any](err error) Attempt[T] {
	return Attempt[T]{Outcome: OutcomeFatal, Err: err}
}

// Classify turns a conventional (value, error) pair into an Attempt.
// Context cancellation is always fatal; CtxErrors decide via their Retryable flag.
func Classify[T any](v T, err error) Attempt[T] {
	switch {
	case err == nil:
		return Success(v)
	case stderrors.Is(err, context.Canceled):
		return Fatal[T](err)
	case IsRetryable(err):
		return Retryable[T](err)
	default:
		return Fatal[T](err)
	}
}

// RetryPolicy configures retry behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases each retry.
	Multiplier float64

	// Jitter randomizes each delay in [delay/2, delay].
	Jitter bool

	// Sleep replaces the wait between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns sensible defaults for network calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Backoff returns the delay before retry number n (n starts at 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		delay *= mult
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return d
}

// Do runs fn until it succeeds, returns a fatal outcome, or attempts run out.
// It returns the value, the number of attempts made and the last error.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) Attempt[T]) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		res := fn(ctx, attempt)
		switch res.Outcome {
		case OutcomeSuccess:
			return res.Value, attempt, nil
		case OutcomeFatal:
			return zero, attempt, res.Err
		}
		lastErr = res.Err

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return zero, attempt, err
		}
	}

	return zero, maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// Retry is Do for operations that only return an error.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, _, err := Do(ctx, p, func(ctx context.Context, _ int) Attempt[struct{}] {
		return Classify(struct{}{}, fn(ctx))
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
