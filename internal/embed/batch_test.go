package embed

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/logging"
)

func testEmbeddingsConfig() config.EmbeddingsConfig {
	return config.EmbeddingsConfig{
		BatchSize:      100,
		MaxInputChars:  50,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func newTestGenerator(p Provider, cfg config.EmbeddingsConfig) *BatchGenerator {
	return NewBatchGenerator(cfg, p, NewTokenBucket(0, 1), logging.Discard())
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strings.Repeat("x", i%7+1)
	}
	return out
}

func TestBatchGenerator_SplitsIntoCappedBatches(t *testing.T) {
	// Given: 250 texts and a generator configured above the hard cap
	p := newMockProvider(8)
	cfg := testEmbeddingsConfig()
	cfg.BatchSize = 500
	g := newTestGenerator(p, cfg)

	// When: embedding
	results := g.Embed(t.Context(), texts(250))

	// Then: no batch exceeds 100 items and every item has a vector
	assert.Equal(t, HardMaxBatchSize, g.BatchSize())
	assert.Equal(t, []int{100, 100, 50}, p.batchSizes())
	require.Len(t, results, 250)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Len(t, r.Vector, 8)
	}
}

func TestBatchGenerator_RetriesTransientFailures(t *testing.T) {
	// Given: a provider that is rate limited twice, then recovers
	p := newMockProvider(4)
	p.failN = 2
	p.failErr = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRateLimited, "slow down", nil)

	var observed []int
	g := NewBatchGenerator(testEmbeddingsConfig(), p, nil, logging.Discard(),
		WithObserver(observerFunc(func(items, attempts int, err error) {
			observed = append(observed, attempts)
		})))

	// When: embedding one batch
	results := g.Embed(t.Context(), []string{"a", "b"})

	// Then: the whole batch is retried until it succeeds
	assert.Equal(t, int64(3), p.batchCalls.Load())
	assert.Equal(t, []int{3}, observed)
	assert.Zero(t, Failed(results))
}

func TestBatchGenerator_ExhaustedBatchFailsItsItemsOnly(t *testing.T) {
	// Given: batches of two and a provider failing the first three calls
	p := newMockProvider(4)
	p.failN = 3
	p.failErr = stderrors.New("connection reset")
	cfg := testEmbeddingsConfig()
	cfg.BatchSize = 2
	g := newTestGenerator(p, cfg)

	// When: embedding four texts
	results := g.Embed(t.Context(), []string{"a", "b", "c", "d"})

	// Then: the first batch exhausts its attempts, the second succeeds
	require.Len(t, results, 4)
	for _, r := range results[:2] {
		assert.Nil(t, r.Vector)
		require.Error(t, r.Err)
		assert.Equal(t, cerrors.ErrCodeEmbeddingExhausted, cerrors.GetCode(r.Err))
	}
	for _, r := range results[2:] {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Vector)
	}
	assert.Equal(t, 2, Failed(results))
}

func TestBatchGenerator_FatalErrorIsNotRetried(t *testing.T) {
	p := newMockProvider(4)
	p.failN = -1
	p.failErr = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRejected, "bad request", nil)
	g := newTestGenerator(p, testEmbeddingsConfig())

	results := g.Embed(t.Context(), []string{"a"})

	assert.Equal(t, int64(1), p.batchCalls.Load())
	assert.Error(t, results[0].Err)
}

func TestBatchGenerator_TruncatesHeadBiased(t *testing.T) {
	// Given: a text longer than the 50 character limit, with multibyte runes
	p := newMockProvider(4)
	g := newTestGenerator(p, testEmbeddingsConfig())
	long := strings.Repeat("é", 40) + strings.Repeat("z", 40)

	// When: embedding
	results := g.Embed(t.Context(), []string{long, "short"})

	// Then: the head is kept, the cut is rune safe and recorded
	require.Len(t, p.seen, 2)
	assert.Equal(t, strings.Repeat("é", 40)+strings.Repeat("z", 10), p.seen[0])
	assert.True(t, results[0].Truncated)
	assert.Equal(t, 80, results[0].OriginalLen)
	assert.Equal(t, map[string]string{MetaTruncated: "true", MetaOriginalChars: "80"}, TruncationMetadata(results[0]))

	assert.False(t, results[1].Truncated)
	assert.Nil(t, TruncationMetadata(results[1]))
}

func TestBatchGenerator_BlankTextsAreSkipped(t *testing.T) {
	p := newMockProvider(4)
	g := newTestGenerator(p, testEmbeddingsConfig())

	results := g.Embed(t.Context(), []string{"  ", "code"})

	assert.Equal(t, []string{"code"}, p.seen)
	assert.Nil(t, results[0].Vector)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[1].Vector)
}

func TestBatchGenerator_CancelledContextFailsRemainingItems(t *testing.T) {
	p := newMockProvider(4)
	g := newTestGenerator(p, testEmbeddingsConfig())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	results := g.Embed(ctx, []string{"a", "b"})

	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Zero(t, p.batchCalls.Load())
}

func TestBatchGenerator_EmbedOnceDoesNotRetry(t *testing.T) {
	p := newMockProvider(4)
	p.failN = 1
	p.failErr = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "down", nil)
	g := newTestGenerator(p, testEmbeddingsConfig())

	_, err := g.EmbedOnce(t.Context(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int64(1), p.batchCalls.Load())

	vecs, err := g.EmbedOnce(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestBatchGenerator_SharedInFlightCapAcrossGenerators(t *testing.T) {
	// Given: 20 generators over one slow provider sharing a cap of 3
	p := newSlowProvider(4, 50*time.Millisecond)
	sem := semaphore.NewWeighted(3)
	bucket := NewTokenBucket(0, 1)
	gens := make([]*BatchGenerator, 20)
	for i := range gens {
		gens[i] = NewBatchGenerator(testEmbeddingsConfig(), p, bucket, logging.Discard(), WithInFlight(sem))
	}

	// When: every generator embeds at once, half of them interactively
	var wg sync.WaitGroup
	failed := make([]bool, len(gens))
	for i, g := range gens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := g.EmbedOnce(t.Context(), []string{"a"})
				failed[i] = err != nil
				return
			}
			failed[i] = Failed(g.Embed(t.Context(), []string{"a", "b"})) > 0
		}()
	}
	wg.Wait()

	// Then: no more than 3 provider calls were ever outstanding
	assert.LessOrEqual(t, p.peak.Load(), int64(3))
	assert.Equal(t, int64(20), p.batchCalls.Load())
	for i := range failed {
		assert.False(t, failed[i], "generator %d", i)
	}
}

func TestBatchGenerator_ConfiguredInFlightCap(t *testing.T) {
	// Given: one generator allowing two outstanding calls
	p := newSlowProvider(4, 30*time.Millisecond)
	cfg := testEmbeddingsConfig()
	cfg.MaxInFlight = 2
	g := newTestGenerator(p, cfg)

	// When: ten callers embed concurrently
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.EmbedOnce(t.Context(), []string{"x"})
		}()
	}
	wg.Wait()

	// Then: the cap held
	assert.LessOrEqual(t, p.peak.Load(), int64(2))
	assert.Equal(t, int64(10), p.batchCalls.Load())
}

func TestBatchGenerator_InFlightWaitHonorsCancellation(t *testing.T) {
	// Given: a cap of one already taken
	p := newMockProvider(4)
	sem := semaphore.NewWeighted(1)
	require.True(t, sem.TryAcquire(1))
	g := NewBatchGenerator(testEmbeddingsConfig(), p, nil, logging.Discard(), WithInFlight(sem))
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	// When: embedding while the slot stays taken
	_, err := g.EmbedOnce(ctx, []string{"a"})

	// Then: the caller gives up with its context and the provider is never called
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.batchCalls.Load())
}

func TestBatchGenerator_TruncationOfUnsentText(t *testing.T) {
	g := newTestGenerator(newMockProvider(4), testEmbeddingsConfig())

	assert.Equal(t, map[string]string{MetaTruncated: "true", MetaOriginalChars: "60"}, g.Truncation(strings.Repeat("a", 60)))
	assert.Nil(t, g.Truncation("short"))
}

func TestTruncate(t *testing.T) {
	out, cut, n := Truncate("hello", 10)
	assert.Equal(t, "hello", out)
	assert.False(t, cut)
	assert.Equal(t, 5, n)

	out, cut, n = Truncate("héllo", 2)
	assert.Equal(t, "hé", out)
	assert.True(t, cut)
	assert.Equal(t, 5, n)
}

type observerFunc func(items, attempts int, err error)

func (f observerFunc) ObserveEmbeddingBatch(items, attempts int, err error) { f(items, attempts, err) }
