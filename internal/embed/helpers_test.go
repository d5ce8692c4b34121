package embed

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// mockProvider returns fixed vectors and fails the first failN batch calls
// with failErr.
type mockProvider struct {
	dims       int
	batchCalls atomic.Int64
	embedCalls atomic.Int64

	mu      sync.Mutex
	failN   int
	failErr error
	sizes   []int
	seen    []string
}

func newMockProvider(dims int) *mockProvider {
	return &mockProvider{dims: dims}
}

func (m *mockProvider) vector(text string) []float32 {
	v := make([]float32, m.dims)
	v[len(text)%m.dims] = 1
	return v
}

func (m *mockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	return m.vector(text), nil
}

func (m *mockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batchCalls.Add(1)
	m.mu.Lock()
	m.sizes = append(m.sizes, len(texts))
	m.seen = append(m.seen, texts...)
	fail := m.failN != 0
	if m.failN > 0 {
		m.failN--
	}
	err := m.failErr
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *mockProvider) Dimensions() int                  { return m.dims }
func (m *mockProvider) ModelName() string                { return "mock-model" }
func (m *mockProvider) Available(_ context.Context) bool { return true }
func (m *mockProvider) Close() error                     { return nil }

func (m *mockProvider) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sizes...)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// slowProvider holds every batch call for delay and records the highest
// number of calls it saw at once.
type slowProvider struct {
	*mockProvider
	delay time.Duration

	current atomic.Int64
	peak    atomic.Int64
}

func newSlowProvider(dims int, delay time.Duration) *slowProvider {
	return &slowProvider{mockProvider: newMockProvider(dims), delay: delay}
}

func (s *slowProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.mockProvider.EmbedBatch(ctx, texts)
}
