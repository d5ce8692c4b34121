// Package retrieve answers "what elsewhere in the organization relates to
// these changed files". It combines exact structural matches (callers of an
// endpoint, subscribers of a topic) with semantic nearest neighbours, and is
// a pure read path over the fragment store.
package retrieve

import (
	"context"

	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// MatchKind is the tier a result was found in.
type MatchKind string

const (
	MatchStructural MatchKind = "structural"
	MatchSemantic   MatchKind = "semantic"
)

// ChangedFile is one file of a pending review, with its new content.
type ChangedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Options bound one request. A zero MaxResults and a nil MinSimilarity take
// the configured defaults; an explicit MinSimilarity of 0 admits every
// semantic match.
type Options struct {
	MaxResults    int      `json:"max_results,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// Similarity returns a MinSimilarity option value.
func Similarity(v float64) *float64 { return &v }

// Result is one related fragment from another repository. Results are
// built per request and never stored.
type Result struct {
	Fragment  store.Fragment
	MatchKind MatchKind
	Score     float64
	RepoID    string
	// Reason says which changed fragment matched and how.
	Reason string
}

// Store is the read side of the fragment store used by the retriever.
type Store interface {
	FindEdgesByTarget(ctx context.Context, kind graph.Kind, target string) ([]store.EdgeMatch, error)
	VectorSearch(ctx context.Context, query []float32, excludeRepo string, limit int) ([]store.VectorHit, error)
	FindFragmentAt(ctx context.Context, repoID, path string, startLine int) (*store.Fragment, error)
}

// Embedder turns query texts into vectors with no retries.
// *embed.BatchGenerator satisfies it through EmbedOnce.
type Embedder interface {
	EmbedOnce(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Store = (*store.Store)(nil)
