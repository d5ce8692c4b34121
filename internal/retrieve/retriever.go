package retrieve

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// Retriever runs context retrieval requests. It is safe for concurrent use.
type Retriever struct {
	cfg        config.RetrievalConfig
	store      Store
	dispatcher *chunk.Dispatcher
	embedder   Embedder
	breaker    *cerrors.CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithBreaker replaces the circuit breaker around the query embedder.
func WithBreaker(cb *cerrors.CircuitBreaker) Option {
	return func(r *Retriever) { r.breaker = cb }
}

// NewRetriever creates a retriever. A nil embedder disables semantic
// matching; store and dispatcher are required.
func NewRetriever(cfg config.RetrievalConfig, st Store, dispatcher *chunk.Dispatcher, embedder Embedder, logger *slog.Logger, opts ...Option) (*Retriever, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = config.DefaultMaxResults
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = config.DefaultMinSimilarity
	}
	if cfg.SemanticPerFragment <= 0 {
		cfg.SemanticPerFragment = 10
	}
	r := &Retriever{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		embedder:   embedder,
		breaker: cerrors.NewCircuitBreaker("query-embedder",
			cerrors.WithMaxFailures(cfg.BreakerFailures),
			cerrors.WithResetTimeout(cfg.BreakerReset)),
		logger: logger.With(slog.String("component", "retriever")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// queryFragment is a fragment of a changed file with its query edges.
type queryFragment struct {
	frag  chunk.Fragment
	edges []graph.Edge
}

// RetrieveContext returns fragments from repositories other than repoID
// that relate to files. Structural matches rank above semantic ones. Only
// malformed input is an error: an unavailable embedding provider or a
// failing store lookup reduces what is returned instead.
func (r *Retriever) RetrieveContext(ctx context.Context, repoID string, files []ChangedFile, opts Options) ([]Result, error) {
	start := time.Now()
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return nil, err
	}
	for i, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, cerrors.New(cerrors.ErrCodeInvalidPath, "changed file has no path", nil).
				WithDetail("index", fmt.Sprint(i))
		}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = r.cfg.MaxResults
	}
	minSim := r.cfg.MinSimilarity
	if opts.MinSimilarity != nil {
		minSim = *opts.MinSimilarity
	}

	queries := r.extract(ctx, files)

	var (
		structural, semantic []Result
		degraded             bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		structural = r.structural(gctx, repoID, queries)
		return nil
	})
	g.Go(func() error {
		semantic, degraded = r.semantic(gctx, repoID, queries, minSim)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := merge(structural, semantic, opts.MaxResults)
	r.logger.Info("retrieve_complete",
		slog.String("repo", repoID),
		slog.Int("files", len(files)),
		slog.Int("fragments", len(queries)),
		slog.Int("structural", len(structural)),
		slog.Int("semantic", len(semantic)),
		slog.Int("returned", len(results)),
		slog.Bool("degraded", degraded),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return results, nil
}

// extract runs the dispatcher over the changed files in memory. A file
// that fails to parse contributes nothing.
func (r *Retriever) extract(ctx context.Context, files []ChangedFile) []queryFragment {
	var out []queryFragment
	for _, f := range files {
		frags, err := r.dispatcher.Extract(ctx, chunk.FileInput{Path: f.Path, Content: []byte(f.Content)})
		if err != nil {
			r.logger.Warn("changed_file_skipped", append([]any{slog.String("path", f.Path)}, cerrors.LogAttrs(err)...)...)
			continue
		}
		byFrag := graph.ByFragment(graph.Derive(frags))
		for i := range frags {
			out = append(out, queryFragment{frag: frags[i], edges: byFrag[i]})
		}
	}
	return out
}

// structural looks up the opposite side of every query edge.
func (r *Retriever) structural(ctx context.Context, repoID string, queries []queryFragment) []Result {
	type lookup struct {
		kind   graph.Kind
		target string
	}
	cache := make(map[lookup][]store.EdgeMatch)

	var out []Result
	for _, q := range queries {
		for _, e := range q.edges {
			key := lookup{graph.Opposite(e.Kind), e.Target}
			matches, seen := cache[key]
			if !seen {
				var err error
				matches, err = r.store.FindEdgesByTarget(ctx, key.kind, key.target)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Warn("structural_lookup_failed",
							append([]any{slog.String("key", graph.Key{Kind: key.kind, Target: key.target}.String())}, cerrors.LogAttrs(err)...)...)
					}
					continue
				}
				cache[key] = matches
			}
			for _, m := range matches {
				if m.Fragment.RepoID == repoID {
					continue
				}
				match := graph.Edge{Kind: m.Edge.Kind, Target: m.Edge.Target, Method: m.Edge.Method, Schema: m.Edge.Schema}
				out = append(out, Result{
					Fragment:  m.Fragment,
					MatchKind: MatchStructural,
					Score:     graph.Score(e, match),
					RepoID:    m.Fragment.RepoID,
					Reason: fmt.Sprintf("%s %s for %s at %s:%d",
						match.Kind, describe(match), e.Kind, q.frag.Path, q.frag.StartLine),
				})
			}
		}
	}
	return out
}

func describe(e graph.Edge) string {
	if e.Kind.IsHTTP() && e.Method != "" {
		return e.Method + " " + e.Target
	}
	return e.Target
}

// semantic embeds the changed fragments and searches their neighbours. It
// reports degraded when the provider could not be used.
func (r *Retriever) semantic(ctx context.Context, repoID string, queries []queryFragment, minSim float64) ([]Result, bool) {
	vectors, degraded := r.queryVectors(ctx, repoID, queries)

	var (
		mu  sync.Mutex
		out []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, vec := range vectors {
		if vec == nil {
			continue
		}
		q := queries[i].frag
		g.Go(func() error {
			hits, err := r.store.VectorSearch(gctx, vec, repoID, r.cfg.SemanticPerFragment)
			if err != nil {
				if gctx.Err() == nil {
					r.logger.Warn("vector_search_failed", cerrors.LogAttrs(err)...)
				}
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, h := range hits {
				if h.Score < minSim {
					continue
				}
				out = append(out, Result{
					Fragment:  h.Fragment,
					MatchKind: MatchSemantic,
					Score:     h.Score,
					RepoID:    h.Fragment.RepoID,
					Reason:    fmt.Sprintf("similar to %s:%d (%.2f)", q.Path, q.StartLine, h.Score),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, degraded
}

// queryVectors returns one vector per query fragment, nil where none could
// be had. A fragment whose stored row has identical content reuses the
// stored embedding; the rest go to the embedder in one request.
func (r *Retriever) queryVectors(ctx context.Context, repoID string, queries []queryFragment) ([][]float32, bool) {
	vectors := make([][]float32, len(queries))
	var (
		pending []int
		texts   []string
	)
	for i, q := range queries {
		if strings.TrimSpace(q.frag.Content) == "" {
			continue
		}
		stored, err := r.store.FindFragmentAt(ctx, repoID, q.frag.Path, q.frag.StartLine)
		if err == nil && stored.Embedding != nil && stored.ContentHash == q.frag.ContentHash() {
			vectors[i] = stored.Embedding
			continue
		}
		if err != nil && !stderrors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			r.logger.Debug("stored_embedding_lookup_failed", cerrors.LogAttrs(err)...)
		}
		pending = append(pending, i)
		texts = append(texts, q.frag.Content)
	}
	if len(texts) == 0 {
		return vectors, false
	}
	if r.embedder == nil {
		return vectors, true
	}

	embedded, err := cerrors.CircuitExecute(r.breaker, func() ([][]float32, error) {
		ectx := ctx
		if r.cfg.EmbedTimeout > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(ctx, r.cfg.EmbedTimeout)
			defer cancel()
		}
		return r.embedder.EmbedOnce(ectx, texts)
	})
	if err != nil {
		r.logger.Warn("semantic_degraded",
			slog.String("repo", repoID),
			slog.Int("fragments", len(texts)),
			slog.String("breaker", r.breaker.State().String()),
			slog.String("error", err.Error()))
		return vectors, true
	}
	for j, i := range pending {
		if j < len(embedded) {
			vectors[i] = embedded[j]
		}
	}
	return vectors, false
}
