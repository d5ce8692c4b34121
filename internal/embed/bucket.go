package embed

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// TokenBucket is a lock-free rate limiter shared by every caller of one
// provider. Its whole state is one atomic theoretical arrival time (GCRA):
// a request is admitted when the arrival time it would push out stays
// within burst intervals of now. Updates are compare-and-swap loops, so
// concurrent jobs never exceed the configured rate together.
type TokenBucket struct {
	interval  int64 // nanoseconds per token, 0 when unlimited
	tolerance int64 // burst * interval
	tat       atomic.Int64

	start time.Time
	now   func() time.Time
}

// NewTokenBucket admits rate requests per second with bursts of up to burst.
// A rate <= 0 disables limiting.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return newTokenBucket(rate, burst, time.Now)
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	b := &TokenBucket{start: now(), now: now}
	if rate > 0 && !math.IsInf(rate, 1) {
		b.interval = int64(float64(time.Second) / rate)
		if b.interval < 1 {
			b.interval = 1
		}
		b.tolerance = int64(burst) * b.interval
	}
	return b
}

func (b *TokenBucket) elapsed() int64 {
	return int64(b.now().Sub(b.start))
}

// reserve claims the next token and returns how long the caller must wait
// before using it.
func (b *TokenBucket) reserve() time.Duration {
	for {
		now := b.elapsed()
		old := b.tat.Load()
		next := max(old, now) + b.interval
		if b.tat.CompareAndSwap(old, next) {
			if wait := next - b.tolerance - now; wait > 0 {
				return time.Duration(wait)
			}
			return 0
		}
	}
}

// TryTake claims a token only when one is available right now.
func (b *TokenBucket) TryTake() bool {
	if b.interval == 0 {
		return true
	}
	for {
		now := b.elapsed()
		old := b.tat.Load()
		next := max(old, now) + b.interval
		if next-b.tolerance > now {
			return false
		}
		if b.tat.CompareAndSwap(old, next) {
			return true
		}
	}
}

// Wait blocks until a token is available or ctx is done. A cancelled wait
// returns its token.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.interval == 0 {
		return nil
	}
	wait := b.reserve()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.tat.Add(-b.interval)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the time between tokens, 0 when unlimited.
func (b *TokenBucket) Interval() time.Duration {
	return time.Duration(b.interval)
}
