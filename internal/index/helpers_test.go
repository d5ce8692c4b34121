package index

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/config"
	"github.com/Aman-CERP/crossctx/internal/embed"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/logging"
	"github.com/Aman-CERP/crossctx/internal/source"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// countingProvider wraps the static provider, counting texts and failing
// while fail is set. onBatch, when set before the first job, runs ahead of
// every call with its 1-based number.
type countingProvider struct {
	*embed.StaticProvider
	texts atomic.Int64
	calls atomic.Int64
	fail  atomic.Bool

	onBatch func(ctx context.Context, call int64) error
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := p.calls.Add(1)
	if p.onBatch != nil {
		if err := p.onBatch(ctx, n); err != nil {
			return nil, err
		}
	}
	if p.fail.Load() {
		return nil, cerrors.EmbeddingError(cerrors.ErrCodeEmbeddingUnavailable, "provider down", nil)
	}
	p.texts.Add(int64(len(texts)))
	return p.StaticProvider.EmbedBatch(ctx, texts)
}

// flakyStore fails ReplaceFile for one path a fixed number of times.
type flakyStore struct {
	*store.Store

	mu       sync.Mutex
	failPath string
	failures int
	attempts int
}

func (f *flakyStore) ReplaceFile(ctx context.Context, repoID, path string, frags []store.Fragment, edges map[int][]graph.Edge) (*store.FileChange, error) {
	f.mu.Lock()
	if path == f.failPath {
		f.attempts++
		if f.failures != 0 {
			if f.failures > 0 {
				f.failures--
			}
			f.mu.Unlock()
			return nil, cerrors.StoreError("disk I/O error", stderrors.New("simulated"))
		}
	}
	f.mu.Unlock()
	return f.Store.ReplaceFile(ctx, repoID, path, frags, edges)
}

// finishFailStore fails FinishJob a number of times; a negative count fails
// until changed.
type finishFailStore struct {
	*store.Store

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *finishFailStore) FinishJob(ctx context.Context, job *store.Job, advanceCommit bool) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return cerrors.StoreError("database is locked", stderrors.New("simulated"))
	}
	return f.Store.FinishJob(ctx, job, advanceCommit)
}

func (f *finishFailStore) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *finishFailStore) finishAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type testEnv struct {
	store    *store.Store
	fetcher  *source.MemoryFetcher
	provider *countingProvider
	coord    *Coordinator
}

type envOption func(*config.IndexingConfig, *Deps)

func withStore(s Store) envOption {
	return func(_ *config.IndexingConfig, d *Deps) { d.Store = s }
}

func withThreshold(v float64) envOption {
	return func(c *config.IndexingConfig, _ *Deps) { c.ErrorRateThreshold = v }
}

func withFileBatch(n int) envOption {
	return func(c *config.IndexingConfig, _ *Deps) { c.FileBatch = n }
}

func withMaxInputChars(n int) envOption {
	return func(_ *config.IndexingConfig, d *Deps) {
		d.Batch = embed.NewBatchGenerator(config.EmbeddingsConfig{BatchSize: 8, MaxInputChars: n, RateLimit: 1000, Burst: 1000},
			d.Batch.Provider(), nil, logging.Discard(),
			embed.WithRetryPolicy(cerrors.RetryPolicy{MaxAttempts: 1}))
	}
}

func withMetrics(m *Metrics) envOption {
	return func(_ *config.IndexingConfig, d *Deps) { d.Metrics = m }
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "index.db"), config.StoreConfig{
		VectorIndex:  "exact",
		WriteTimeout: 5 * time.Second,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, s *store.Store, opts ...envOption) *testEnv {
	t.Helper()
	if s == nil {
		s = openStore(t)
	}
	provider := &countingProvider{StaticProvider: embed.NewStaticProvider(64)}
	batch := embed.NewBatchGenerator(config.EmbeddingsConfig{BatchSize: 8, RateLimit: 1000, Burst: 1000},
		provider, nil, logging.Discard(),
		embed.WithRetryPolicy(cerrors.RetryPolicy{MaxAttempts: 1}))
	fetcher := source.NewMemoryFetcher()

	cfg := config.IndexingConfig{
		Workers:            2,
		ErrorRateThreshold: config.DefaultErrorRateThreshold,
		StoreRetries:       1,
		JobTimeout:         time.Minute,
	}
	deps := Deps{
		Store:      s,
		Fetcher:    fetcher,
		Dispatcher: chunk.NewDispatcher(config.ExtractConfig{Parallelism: 2, ParseTimeout: 5 * time.Second, MaxFileBytes: 1 << 20}, logging.Discard()),
		Batch:      batch,
		Logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	coord, err := NewCoordinator(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })
	return &testEnv{store: s, fetcher: fetcher, provider: provider, coord: coord}
}

// index schedules a job and waits for it to finish.
func (e *testEnv) index(t *testing.T, repoID string, full bool) *store.Job {
	t.Helper()
	var (
		id  string
		err error
	)
	if full {
		id, err = e.coord.ScheduleFullIndex(t.Context(), repoID, "")
	} else {
		id, err = e.coord.ScheduleIncrementalIndex(t.Context(), repoID, "")
	}
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	job, err := e.coord.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

const ordersV1 = `package orders

import "net/http"

func Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", createOrder)
}

func Emit(nc *nats.Conn) {
	nc.Publish("orders.created", nil)
}
`

const ordersV2 = `package orders

import "net/http"

func Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", createOrder)
}

func Emit(nc *nats.Conn) {
	nc.Publish("orders.placed", nil)
}
`

const helperSource = `package orders

func total(items []int) int {
	sum := 0
	for _, v := range items {
		sum += v
	}
	return sum
}
`
