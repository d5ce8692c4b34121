package embed

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// ItemResult is the outcome for one input text. A nil Vector with a nil Err
// means the text was blank and nothing was requested.
type ItemResult struct {
	Vector      []float32
	Err         error
	Truncated   bool
	OriginalLen int // characters before truncation
}

// Observer receives one call per provider batch.
type Observer interface {
	ObserveEmbeddingBatch(items, attempts int, err error)
}

// BatchGenerator is the single indexing-time caller of a provider.
type BatchGenerator struct {
	provider  Provider
	bucket    *TokenBucket
	inFlight  *semaphore.Weighted
	batchSize int
	maxChars  int
	timeout   time.Duration
	policy    cerrors.RetryPolicy
	observer  Observer
	logger    *slog.Logger
}

// BatchOption configures a BatchGenerator.
type BatchOption func(*BatchGenerator)

// WithObserver reports every batch to o.
func WithObserver(o Observer) BatchOption {
	return func(g *BatchGenerator) { g.observer = o }
}

// WithInFlight shares sem as the cap on outstanding provider requests.
// Generators calling the same provider should share one.
func WithInFlight(sem *semaphore.Weighted) BatchOption {
	return func(g *BatchGenerator) {
		if sem != nil {
			g.inFlight = sem
		}
	}
}

// WithRetryPolicy replaces the policy derived from config.
func WithRetryPolicy(p cerrors.RetryPolicy) BatchOption {
	return func(g *BatchGenerator) { g.policy = p }
}

// NewBatchGenerator creates a generator over provider. The bucket is shared:
// pass the same one to every generator that calls the same provider.
func NewBatchGenerator(cfg config.EmbeddingsConfig, provider Provider, bucket *TokenBucket, logger *slog.Logger, opts ...BatchOption) *BatchGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == nil {
		bucket = NewTokenBucket(cfg.RateLimit, cfg.Burst)
	}
	batchSize := cfg.BatchSize
	switch {
	case batchSize <= 0:
		batchSize = DefaultBatchSize
	case batchSize > HardMaxBatchSize:
		batchSize = HardMaxBatchSize
	}
	maxChars := cfg.MaxInputChars
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = config.DefaultMaxInFlight
	}

	policy := cerrors.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		policy.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxDelay = cfg.MaxBackoff
	}

	g := &BatchGenerator{
		provider:  provider,
		bucket:    bucket,
		inFlight:  semaphore.NewWeighted(int64(inFlight)),
		batchSize: batchSize,
		maxChars:  maxChars,
		timeout:   timeout,
		policy:    policy,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the wrapped provider.
func (g *BatchGenerator) Provider() Provider { return g.provider }

// BatchSize returns the effective batch cap.
func (g *BatchGenerator) BatchSize() int { return g.batchSize }

// Truncate keeps the first limit characters of text, never splitting a rune.
// It reports whether anything was cut and the original character count.
func Truncate(text string, limit int) (string, bool, int) {
	n := utf8.RuneCountInString(text)
	if limit <= 0 || n <= limit {
		return text, false, n
	}
	cut, count := len(text), 0
	for i := range text {
		if count == limit {
			cut = i
			break
		}
		count++
	}
	return text[:cut], true, n
}

// Truncation returns the metadata text carries once cut to the input
// limit, or nil when it fits.
func (g *BatchGenerator) Truncation(text string) map[string]string {
	_, truncated, n := Truncate(text, g.maxChars)
	return TruncationMetadata(ItemResult{Truncated: truncated, OriginalLen: n})
}

// TruncationMetadata returns the metadata recorded for a truncated item, or
// nil when the item was not truncated.
func TruncationMetadata(r ItemResult) map[string]string {
	if !r.Truncated {
		return nil
	}
	return map[string]string{
		MetaTruncated:     "true",
		MetaOriginalChars: strconv.Itoa(r.OriginalLen),
	}
}

// Embed returns one result per text, in order. Each batch is retried as a
// whole; when it exhausts its attempts every item in it fails with an
// embedding error and later batches still run. Cancellation fails the
// remaining items with the context error.
func (g *BatchGenerator) Embed(ctx context.Context, texts []string) []ItemResult {
	results := make([]ItemResult, len(texts))
	var pending []int
	var inputs []string
	for i, text := range texts {
		cut, truncated, n := Truncate(text, g.maxChars)
		results[i] = ItemResult{Truncated: truncated, OriginalLen: n}
		if strings.TrimSpace(cut) == "" {
			continue
		}
		pending = append(pending, i)
		inputs = append(inputs, cut)
	}

	for start := 0; start < len(inputs); start += g.batchSize {
		end := min(start+g.batchSize, len(inputs))
		idx := pending[start:end]

		if err := ctx.Err(); err != nil {
			for _, i := range pending[start:] {
				results[i].Err = err
			}
			break
		}

		vecs, attempts, err := g.runBatch(ctx, inputs[start:end])
		if g.observer != nil {
			g.observer.ObserveEmbeddingBatch(len(idx), attempts, err)
		}
		if err != nil {
			itemErr := err
			if ctx.Err() == nil {
				itemErr = cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingExhausted,
					fmt.Sprintf("batch failed after %d attempts", attempts), err)
			}
			g.logger.Warn("embedding batch failed",
				slog.Int("items", len(idx)),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()))
			for _, i := range idx {
				results[i].Err = itemErr
			}
			continue
		}
		for j, i := range idx {
			results[i].Vector = vecs[j]
		}
	}
	return results
}

func (g *BatchGenerator) runBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	return cerrors.Do(ctx, g.policy, func(ctx context.Context, attempt int) cerrors.Attempt[[][]float32] {
		if attempt > 1 {
			g.logger.Debug("embedding batch retry", slog.Int("attempt", attempt), slog.Int("items", len(texts)))
		}
		vecs, err := g.call(ctx, texts)
		if err != nil {
			return classifyProviderError[[][]float32](ctx, err)
		}
		return cerrors.Success(vecs)
	})
}

// call takes an in-flight slot and a token, then makes one provider call
// under the request timeout. The slot is held until the call returns.
func (g *BatchGenerator) call(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.inFlight.Release(1)
	if err := g.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vecs, err := g.provider.EmbedBatch(cctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingRejected,
			fmt.Sprintf("provider returned %d vectors for %d inputs", len(vecs), len(texts)), nil)
	}
	return vecs, nil
}

// classifyProviderError treats unknown provider failures as retryable and
// caller cancellation as fatal.
func classifyProviderError[T any](ctx context.Context, err error) cerrors.Attempt[T] {
	if ctx.Err() != nil {
		return cerrors.Fatal[T](ctx.Err())
	}
	if ce, ok := cerrors.As(err); ok {
		if ce.Retryable {
			return cerrors.Retryable[T](err)
		}
		return cerrors.Fatal[T](err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return cerrors.Retryable[T](cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingTimeout, "embedding request timed out", err))
	}
	return cerrors.Retryable[T](cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "embedding provider failed", err))
}

// EmbedOnce embeds texts with a single attempt per batch and fails as a
// whole on the first error. It serves interactive callers that would rather
// degrade than wait out a backoff.
func (g *BatchGenerator) EmbedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			cut, _, _ := Truncate(t, g.maxChars)
			batch = append(batch, cut)
		}
		vecs, err := g.call(ctx, batch)
		if g.observer != nil {
			g.observer.ObserveEmbeddingBatch(len(batch), 1, err)
		}
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

// Failed counts results that carry an error.
func Failed(results []ItemResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
