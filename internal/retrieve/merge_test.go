package retrieve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/store"
)

func result(kind MatchKind, repo, path string, line int, score float64) Result {
	return Result{
		Fragment:  store.Fragment{RepoID: repo, Path: path, StartLine: line, EndLine: line + 3},
		MatchKind: kind,
		Score:     score,
		RepoID:    repo,
	}
}

func TestMerge_DeduplicatesBySpanPreferringStructural(t *testing.T) {
	structural := []Result{result(MatchStructural, "acme/a", "x.go", 10, 0.9)}
	semantic := []Result{
		result(MatchSemantic, "acme/a", "x.go", 10, 0.99),
		result(MatchSemantic, "acme/b", "y.go", 1, 0.8),
		result(MatchSemantic, "acme/b", "y.go", 1, 0.85),
	}

	got := merge(structural, semantic, 0)

	require.Len(t, got, 2)
	assert.Equal(t, MatchStructural, got[0].MatchKind)
	assert.Equal(t, "acme/a", got[0].RepoID)
	assert.Equal(t, 0.85, got[1].Score)
}

func TestMerge_DeterministicOrder(t *testing.T) {
	// Given: ties on kind and score
	in := []Result{
		result(MatchSemantic, "acme/z", "a.go", 1, 0.8),
		result(MatchSemantic, "acme/a", "b.go", 9, 0.8),
		result(MatchSemantic, "acme/a", "b.go", 2, 0.8),
		result(MatchSemantic, "acme/a", "a.go", 5, 0.8),
		result(MatchStructural, "acme/z", "z.go", 1, 0.9),
		result(MatchStructural, "acme/y", "z.go", 1, 1.0),
	}

	// When: merging
	got := merge(nil, in, 0)

	// Then: structural by score, then repository, path and line
	keys := make([]string, 0, len(got))
	for _, r := range got {
		keys = append(keys, r.RepoID+" "+r.Fragment.Path)
	}
	assert.Equal(t, []string{
		"acme/y z.go", "acme/z z.go",
		"acme/a a.go", "acme/a b.go", "acme/a b.go", "acme/z a.go",
	}, keys)
	assert.Equal(t, 2, got[3].Fragment.StartLine)
	assert.Equal(t, 9, got[4].Fragment.StartLine)
}

func TestMerge_Truncates(t *testing.T) {
	in := []Result{
		result(MatchSemantic, "acme/a", "a.go", 1, 0.9),
		result(MatchSemantic, "acme/a", "b.go", 1, 0.8),
		result(MatchSemantic, "acme/a", "c.go", 1, 0.75),
	}

	got := merge(nil, in, 2)

	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].Fragment.Path)
	assert.Equal(t, "b.go", got[1].Fragment.Path)
}
