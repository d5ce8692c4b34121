package store

import (
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/logging"
)

func testStoreConfig(mode string) config.StoreConfig {
	return config.StoreConfig{VectorIndex: mode, HNSWM: 8, HNSWEfSearch: 32, WriteTimeout: 5 * time.Second}
}

func newTestStore(t *testing.T, mode string) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "crossctx.db"), testStoreConfig(mode), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRepo(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.UpsertRepository(t.Context(), Repository{ID: id, DefaultBranch: "main"})
	require.NoError(t, err)
}

func frag(path string, line int, kind chunk.Kind, content string) Fragment {
	return Fragment{
		Path:        path,
		StartLine:   line,
		EndLine:     line + 2,
		Kind:        kind,
		Language:    "go",
		Content:     content,
		CommitSHA:   "c1",
		ContentHash: chunk.HashContent(content),
	}
}

func TestOpen_MigratesToCurrentVersion(t *testing.T) {
	// Given: a fresh store
	dbPath := filepath.Join(t.TempDir(), "nested", "crossctx.db")
	s, err := Open(t.Context(), dbPath, testStoreConfig("hnsw"), logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// When: opening it again
	s, err = Open(t.Context(), dbPath, testStoreConfig("hnsw"), logging.Discard())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Then: migrations are not re-applied and the version is current
	v, err := SchemaVersion(t.Context(), s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	var n int
	require.NoError(t, s.db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM schema_version").Scan(&n))
	assert.Equal(t, len(AllMigrations), n)
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	_, err := Open(t.Context(), "", testStoreConfig("exact"), logging.Discard())
	assert.Equal(t, cerrors.ErrCodeInvalidInput, cerrors.GetCode(err))
}

func TestParseRepoID(t *testing.T) {
	tests := []struct {
		id      string
		org     string
		name    string
		wantErr bool
	}{
		{id: "acme/svc-a", org: "acme", name: "svc-a"},
		{id: "acme/svc.b_2", org: "acme", name: "svc.b_2"},
		{id: "", wantErr: true},
		{id: "acme", wantErr: true},
		{id: "acme/svc/extra", wantErr: true},
		{id: "/svc", wantErr: true},
		{id: "acme/", wantErr: true},
		{id: "acme/svc a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			org, name, err := ParseRepoID(tt.id)
			if tt.wantErr {
				assert.Equal(t, cerrors.ErrCodeInvalidRepoID, cerrors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.org, org)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestUpsertRepository_KeepsIndexedCommit(t *testing.T) {
	s := newTestStore(t, "exact")
	ctx := t.Context()

	r, err := s.UpsertRepository(ctx, Repository{ID: "acme/svc-a", CloneURL: "https://git.example/acme/svc-a.git"})
	require.NoError(t, err)
	assert.Equal(t, "acme", r.Org)
	assert.Equal(t, "svc-a", r.Name)

	job := &Job{ID: "j1", RepoID: "acme/svc-a", Kind: JobFull, State: JobRunning, Stage: StageCloning, HeadCommit: "abc"}
	require.NoError(t, s.CreateJob(ctx, job))
	job.State = JobCompleted
	require.NoError(t, s.FinishJob(ctx, job, true))

	// When: upserting again without a clone URL
	r, err = s.UpsertRepository(ctx, Repository{ID: "acme/svc-a", DefaultBranch: "main"})
	require.NoError(t, err)

	// Then: earlier values survive
	assert.Equal(t, "abc", r.LastIndexedCommit)
	assert.Equal(t, "https://git.example/acme/svc-a.git", r.CloneURL)
	assert.Equal(t, "main", r.DefaultBranch)
	assert.False(t, r.LastIndexedAt.IsZero())

	_, err = s.GetRepository(ctx, "acme/unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveRepository(t *testing.T) {
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/a")
	seedRepo(t, s, "acme/b")

	require.NoError(t, s.ArchiveRepository(t.Context(), "acme/a"))

	repos, err := s.ListRepositories(t.Context())
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "acme/b", repos[0].ID)

	r, err := s.GetRepository(t.Context(), "acme/a")
	require.NoError(t, err)
	assert.True(t, r.Archived)
	assert.ErrorIs(t, s.ArchiveRepository(t.Context(), "acme/none"), ErrNotFound)
}

func TestUpsertFragments_PreservesIdentity(t *testing.T) {
	// Given: a stored fragment
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/svc-a")
	ctx := t.Context()
	frags := []Fragment{frag("main.go", 3, chunk.KindFunction, "func a() {}")}
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", frags))
	firstID := frags[0].ID
	require.NotZero(t, firstID)

	// When: the same (repo, path, start line) is upserted with new content
	again := []Fragment{frag("main.go", 3, chunk.KindFunction, "func a() { return }")}
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", again))

	// Then: the row keeps its id and carries the new content
	assert.Equal(t, firstID, again[0].ID)
	got, err := s.FindFragmentAt(ctx, "acme/svc-a", "main.go", 3)
	require.NoError(t, err)
	assert.Equal(t, "func a() { return }", got.Content)
	assert.Equal(t, chunk.HashContent("func a() { return }"), got.ContentHash)

	_, err = s.FindFragmentAt(ctx, "acme/svc-a", "main.go", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertFragments_KeepsEmbeddingForUnchangedContent(t *testing.T) {
	s := newTestStore(t, "hnsw")
	seedRepo(t, s, "acme/svc-a")
	ctx := t.Context()

	withVec := frag("a.go", 1, chunk.KindFunction, "func a() {}")
	withVec.Embedding = []float32{1, 0, 0}
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", []Fragment{withVec}))

	// When: the unchanged fragment is written without an embedding
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", []Fragment{frag("a.go", 1, chunk.KindFunction, "func a() {}")}))

	// Then: the stored vector survives and stays searchable
	got, err := s.FindFragmentAt(ctx, "acme/svc-a", "a.go", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.False(t, got.EmbeddingRetry)
	assert.Equal(t, 1, s.ann.len())

	// When: the content changes and no embedding is available
	changed := frag("a.go", 1, chunk.KindFunction, "func a() { changed() }")
	changed.EmbeddingRetry = true
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", []Fragment{changed}))

	// Then: the stale vector is dropped and the fragment is flagged
	got, err = s.FindFragmentAt(ctx, "acme/svc-a", "a.go", 1)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
	assert.True(t, got.EmbeddingRetry)
	assert.Zero(t, s.ann.len())

	pending, err := s.FragmentsNeedingEmbedding(ctx, "acme/svc-a", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// And: storing the retried vector clears the flag
	require.NoError(t, s.SetEmbeddings(ctx, map[int64][]float32{pending[0].ID: {0, 1, 0}}))
	pending, err = s.FragmentsNeedingEmbedding(ctx, "acme/svc-a", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, s.ann.len())
}

func TestReplaceFile_Atomic(t *testing.T) {
	// Given: a file with two fragments, one carrying a call edge
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/svc-b")
	ctx := t.Context()
	call := graph.Edge{Kind: graph.KindHTTPCall, Target: "/orders", Method: "POST"}
	first := []Fragment{
		frag("client.go", 1, chunk.KindHTTPCall, "post(\"/orders\")"),
		frag("client.go", 10, chunk.KindFunction, "func helper() {}"),
	}
	change, err := s.ReplaceFile(ctx, "acme/svc-b", "client.go", first, map[int][]graph.Edge{0: {call}})
	require.NoError(t, err)
	assert.Equal(t, 2, change.FragmentsWritten)
	assert.Equal(t, 1, change.EdgesWritten)
	assert.Empty(t, change.OldEdges)

	// When: the file is replaced by a single fragment calling another route
	moved := graph.Edge{Kind: graph.KindHTTPCall, Target: "/payments", Method: "POST"}
	second := []Fragment{frag("client.go", 1, chunk.KindHTTPCall, "post(\"/payments\")")}
	change, err = s.ReplaceFile(ctx, "acme/svc-b", "client.go", second, map[int][]graph.Edge{0: {moved}})
	require.NoError(t, err)

	// Then: the stale fragment and the old edge are gone
	assert.Equal(t, 1, change.FragmentsDeleted)
	require.Len(t, change.OldEdges, 1)
	assert.Equal(t, "/orders", change.OldEdges[0].Target)
	require.Len(t, change.NewEdges, 1)
	assert.Equal(t, "/payments", change.NewEdges[0].Target)

	counts, err := s.CountByPath(ctx, "acme/svc-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"client.go": 1}, counts)

	old, err := s.FindEdgesByTarget(ctx, graph.KindHTTPCall, "/orders")
	require.NoError(t, err)
	assert.Empty(t, old)
	now, err := s.FindEdgesByTarget(ctx, graph.KindHTTPCall, "/payments")
	require.NoError(t, err)
	require.Len(t, now, 1)
	assert.Equal(t, second[0].ID, now[0].Fragment.ID)
	assert.Equal(t, "POST", now[0].Edge.Method)
	assert.Equal(t, "acme/svc-b", now[0].Fragment.RepoID)
}

func TestReplaceFile_RejectsForeignPath(t *testing.T) {
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/a")

	_, err := s.ReplaceFile(t.Context(), "acme/a", "a.go", []Fragment{frag("b.go", 1, chunk.KindFunction, "x")}, nil)

	assert.Equal(t, cerrors.ErrCodeInvalidInput, cerrors.GetCode(err))
}

func TestReplaceFile_UnknownRepositoryRollsBack(t *testing.T) {
	// Given: no repository row, so the foreign key fails mid-transaction
	s := newTestStore(t, "exact")

	_, err := s.ReplaceFile(t.Context(), "acme/missing", "a.go",
		[]Fragment{frag("a.go", 1, chunk.KindFunction, "x")}, nil)

	// Then: a retryable store error and nothing written
	require.Error(t, err)
	assert.True(t, cerrors.IsRetryable(err))
	paths, err := s.ListPaths(t.Context(), "acme/missing")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDeleteFile_RemovesFragmentsAndEdges(t *testing.T) {
	s := newTestStore(t, "hnsw")
	seedRepo(t, s, "acme/svc-a")
	ctx := t.Context()
	ep := frag("routes.go", 5, chunk.KindEndpoint, "r.Post(\"/orders\", create)")
	ep.Embedding = []float32{0, 0, 1}
	_, err := s.ReplaceFile(ctx, "acme/svc-a", "routes.go", []Fragment{ep},
		map[int][]graph.Edge{0: {{Kind: graph.KindEndpoint, Target: "/orders", Method: "POST"}}})
	require.NoError(t, err)
	require.NoError(t, s.UpsertFragments(ctx, "acme/svc-a", []Fragment{frag("other.go", 1, chunk.KindFunction, "y")}))

	change, err := s.DeleteFile(ctx, "acme/svc-a", "routes.go")
	require.NoError(t, err)

	assert.Equal(t, 1, change.FragmentsDeleted)
	require.Len(t, change.OldEdges, 1)
	paths, err := s.ListPaths(ctx, "acme/svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"other.go"}, paths)
	counts, err := s.CountEdgesByTarget(ctx, []graph.Key{{Kind: graph.KindEndpoint, Target: "/orders"}})
	require.NoError(t, err)
	assert.Zero(t, counts[graph.Key{Kind: graph.KindEndpoint, Target: "/orders"}])
	assert.Zero(t, s.ann.len())
}

func TestEdgesFor(t *testing.T) {
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/a")
	ctx := t.Context()
	frags := []Fragment{frag("a.go", 1, chunk.KindEventPublisher, "publish")}
	require.NoError(t, s.UpsertFragments(ctx, "acme/a", frags))
	require.NoError(t, s.UpsertEdges(ctx, frags[0].ID, []graph.Edge{
		{Kind: graph.KindPublish, Target: "order.created", Schema: "OrderCreated"},
	}))

	edges, err := s.EdgesFor(ctx, []int64{frags[0].ID})
	require.NoError(t, err)
	require.Len(t, edges[frags[0].ID], 1)
	assert.Equal(t, "OrderCreated", edges[frags[0].ID][0].Schema)

	// Replacing clears the previous set
	require.NoError(t, s.UpsertEdges(ctx, frags[0].ID, nil))
	edges, err = s.EdgesFor(ctx, []int64{frags[0].ID})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestEmbeddedHashes(t *testing.T) {
	s := newTestStore(t, "exact")
	seedRepo(t, s, "acme/a")
	withVec := frag("a.go", 1, chunk.KindFunction, "one")
	withVec.Embedding = []float32{1, 0}
	require.NoError(t, s.UpsertFragments(t.Context(), "acme/a", []Fragment{withVec, frag("a.go", 9, chunk.KindFunction, "two")}))

	hashes, err := s.EmbeddedHashes(t.Context(), "acme/a", "a.go")
	require.NoError(t, err)

	assert.Equal(t, map[int]string{1: chunk.HashContent("one")}, hashes)
}

func TestStats(t *testing.T) {
	s := newTestStore(t, "hnsw")
	seedRepo(t, s, "acme/a")
	f := frag("a.go", 1, chunk.KindFunction, "one")
	f.Embedding = []float32{1, 0}
	_, err := s.ReplaceFile(t.Context(), "acme/a", "a.go", []Fragment{f},
		map[int][]graph.Edge{0: {{Kind: graph.KindHTTPCall, Target: "/x"}}})
	require.NoError(t, err)

	st, err := s.Stats(t.Context())
	require.NoError(t, err)

	assert.Equal(t, Stats{Repositories: 1, Fragments: 1, Embedded: 1, Edges: 1, Vectors: 1}, st)
}

func TestFromChunk(t *testing.T) {
	c := chunk.Fragment{Path: "a.py", Language: "python", Kind: chunk.KindEndpoint, StartLine: 4, EndLine: 8,
		Content: "def create(): ...", Metadata: map[string]string{chunk.MetaRoute: "/orders"}}

	f := FromChunk("acme/a", "sha1", c)

	assert.Equal(t, "acme/a", f.RepoID)
	assert.Equal(t, "sha1", f.CommitSHA)
	assert.Equal(t, c.ContentHash(), f.ContentHash)
	assert.Equal(t, "/orders", f.Metadata[chunk.MetaRoute])
}

func TestWriteError_ClassifiesBusy(t *testing.T) {
	err := writeError("replace file", sql.ErrConnDone)
	assert.Equal(t, cerrors.ErrCodeStoreWrite, cerrors.GetCode(err))
	assert.True(t, cerrors.IsRetryable(err))

	err = writeError("replace file", stderrors.New("database is locked (5) (SQLITE_BUSY)"))
	assert.Equal(t, cerrors.ErrCodeStoreBusy, cerrors.GetCode(err))
}
