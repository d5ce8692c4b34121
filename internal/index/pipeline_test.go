package index

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/embed"
	"github.com/Aman-CERP/crossctx/internal/store"
)

func TestIndex_TruncationMetadataSurvivesReindex(t *testing.T) {
	// Given: a 40 character embedding limit and a function well past it
	env := newTestEnv(t, nil, withMaxInputChars(40))
	long := "func Long() int {\n\treturn " + strings.Repeat("1 + ", 48) + "1\n}"
	require.Greater(t, utf8.RuneCountInString(long), 200)
	env.fetcher.Commit("acme/svc-a", "c1", map[string]string{"long.go": "package a\n\n" + long + "\n"})

	// When: the same commit is fully indexed twice
	env.index(t, "acme/svc-a", true)
	embedded := env.provider.texts.Load()
	job := env.index(t, "acme/svc-a", true)

	// Then: nothing was re-embedded, yet the truncation is still recorded
	assert.Equal(t, store.JobCompleted, job.State)
	assert.Equal(t, embedded, env.provider.texts.Load())
	frags, err := env.store.FragmentsByPath(t.Context(), "acme/svc-a", "long.go")
	require.NoError(t, err)
	require.NotEmpty(t, frags)
	truncated := 0
	for _, f := range frags {
		n := utf8.RuneCountInString(f.Content)
		if n <= 40 {
			assert.NotContains(t, f.Metadata, embed.MetaTruncated)
			continue
		}
		truncated++
		assert.Equal(t, "true", f.Metadata[embed.MetaTruncated])
		assert.Equal(t, strconv.Itoa(n), f.Metadata[embed.MetaOriginalChars])
		assert.NotNil(t, f.Embedding)
	}
	assert.Positive(t, truncated)
}

func TestIndex_FileBatchesRunEveryStage(t *testing.T) {
	// Given: three files and batches of two
	env := newTestEnv(t, nil, withFileBatch(2))
	env.fetcher.Commit("acme/svc-a", "c1", map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
		"b.go": "package a\n\nfunc B() {}\n",
		"c.go": "package a\n\nfunc C() {}\n",
	})

	// When: indexing
	job := env.index(t, "acme/svc-a", true)

	// Then: each batch passed extract, embed and persist in turn
	assert.Equal(t, store.JobCompleted, job.State)
	assert.Equal(t, 3, job.Stats.FilesProcessed)
	stages := make([]store.Stage, 0, len(job.Transitions))
	for _, tr := range job.Transitions {
		stages = append(stages, tr.Stage)
	}
	assert.Equal(t, []store.Stage{
		store.StageIdle, store.StageCloning,
		store.StageExtracting, store.StageEmbedding, store.StagePersisting,
		store.StageExtracting, store.StageEmbedding, store.StagePersisting,
		store.StageIdle,
	}, stages)
	assert.Equal(t, int64(2), env.provider.calls.Load())
}

func TestIndex_CancelDuringEmbeddingKeepsPersistedBatches(t *testing.T) {
	// Given: one file per batch and a provider that stalls on the third file
	env := newTestEnv(t, nil, withFileBatch(1))
	reached := make(chan struct{})
	var once sync.Once
	env.provider.onBatch = func(ctx context.Context, call int64) error {
		if call < 3 {
			return nil
		}
		once.Do(func() { close(reached) })
		<-ctx.Done()
		return ctx.Err()
	}
	env.fetcher.Commit("acme/svc-a", "c1", map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
		"b.go": "package a\n\nfunc B() {}\n",
		"c.go": "package a\n\nfunc C() {}\n",
	})
	id, err := env.coord.ScheduleFullIndex(t.Context(), "acme/svc-a", "")
	require.NoError(t, err)

	// When: the job is cancelled while the third file is being embedded
	select {
	case <-reached:
	case <-time.After(10 * time.Second):
		t.Fatal("third embedding call never started")
	}
	require.True(t, env.coord.Cancel("acme/svc-a"))
	job, err := env.coord.Wait(t.Context(), id)
	require.NoError(t, err)

	// Then: the first two files are stored with their vectors, the third is not
	assert.Equal(t, store.JobCancelled, job.State)
	paths, err := env.store.ListPaths(t.Context(), "acme/svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, paths)
	for _, path := range paths {
		frags, err := env.store.FragmentsByPath(t.Context(), "acme/svc-a", path)
		require.NoError(t, err)
		require.NotEmpty(t, frags)
		for _, f := range frags {
			assert.NotNil(t, f.Embedding, path)
			assert.False(t, f.EmbeddingRetry, path)
		}
	}
	repo, err := env.store.GetRepository(t.Context(), "acme/svc-a")
	require.NoError(t, err)
	assert.Empty(t, repo.LastIndexedCommit)
}

func TestFileBatches(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, fileBatches(paths, 2))
	assert.Equal(t, [][]string{paths}, fileBatches(paths, 10))
	assert.Len(t, fileBatches(nil, 4), 1)
}
