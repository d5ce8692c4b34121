package mcp

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/logging"
	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
)

type mockRetriever struct {
	RetrieveFn func(ctx context.Context, repoID string, files []retrieve.ChangedFile, opts retrieve.Options) ([]retrieve.Result, error)
	gotOpts    retrieve.Options
}

func (m *mockRetriever) RetrieveContext(ctx context.Context, repoID string, files []retrieve.ChangedFile, opts retrieve.Options) ([]retrieve.Result, error) {
	m.gotOpts = opts
	if m.RetrieveFn != nil {
		return m.RetrieveFn(ctx, repoID, files, opts)
	}
	return nil, nil
}

type mockCoordinator struct {
	job       *store.Job
	err       error
	scheduled []string
}

func (m *mockCoordinator) GetIndexingStatus(_ context.Context, _ string) (*store.Job, error) {
	return m.job, m.err
}

func (m *mockCoordinator) ScheduleIncrementalIndex(_ context.Context, repoID, _ string) (string, error) {
	m.scheduled = append(m.scheduled, "incremental "+repoID)
	return "job-inc", m.err
}

func (m *mockCoordinator) ScheduleFullIndex(_ context.Context, repoID, _ string) (string, error) {
	m.scheduled = append(m.scheduled, "full "+repoID)
	return "job-full", m.err
}

func endpointResult() retrieve.Result {
	return retrieve.Result{
		Fragment: store.Fragment{
			RepoID:    "acme/svc-a",
			Path:      "server.go",
			StartLine: 12,
			EndLine:   20,
			Kind:      chunk.KindEndpoint,
			Language:  "go",
			Symbol:    "createOrder",
			Content:   "func createOrder(w http.ResponseWriter, r *http.Request) {}",
		},
		MatchKind: retrieve.MatchStructural,
		Score:     1,
		RepoID:    "acme/svc-a",
		Reason:    "endpoint POST /orders for http-call at client.js:3",
	}
}

func newTestServer(t *testing.T, r Retriever, c Coordinator) *Server {
	t.Helper()
	s, err := NewServer(r, c, logging.Discard())
	require.NoError(t, err)
	return s
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, &mockCoordinator{}, nil)
	assert.Error(t, err)

	_, err = NewServer(&mockRetriever{}, nil, nil)
	assert.Error(t, err)
}

func TestListTools(t *testing.T) {
	s := newTestServer(t, &mockRetriever{}, &mockCoordinator{})

	names := make([]string, 0, 3)
	for _, tool := range s.ListTools() {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
	assert.Equal(t, []string{"retrieve_context", "indexing_status", "schedule_index"}, names)
}

func TestRetrieveContextHandler_ReturnsResults(t *testing.T) {
	// Given: a retriever that finds the endpoint in another repository
	r := &mockRetriever{RetrieveFn: func(_ context.Context, repoID string, files []retrieve.ChangedFile, _ retrieve.Options) ([]retrieve.Result, error) {
		assert.Equal(t, "acme/svc-b", repoID)
		require.Len(t, files, 1)
		return []retrieve.Result{endpointResult()}, nil
	}}
	s := newTestServer(t, r, &mockCoordinator{})

	// When: calling the handler
	res, out, err := s.retrieveContextHandler(context.Background(), nil, RetrieveContextInput{
		RepoID:     "acme/svc-b",
		Files:      []retrieve.ChangedFile{{Path: "client.js", Content: "axios.post('/orders', o)"}},
		MaxResults: 5,
	})

	// Then: structured and text output both describe the match
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	got := out.Results[0]
	assert.Equal(t, "acme/svc-a", got.RepoID)
	assert.Equal(t, "server.go", got.Path)
	assert.Equal(t, "endpoint", got.Kind)
	assert.Equal(t, "structural", got.MatchKind)
	assert.Equal(t, 5, r.gotOpts.MaxResults)

	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "acme/svc-a `server.go:12-20`")
	assert.Contains(t, text.Text, "```go")
}

func TestRetrieveContextHandler_PassesExplicitZeroSimilarity(t *testing.T) {
	// Given: a retriever recording its options
	r := &mockRetriever{}
	s := newTestServer(t, r, &mockCoordinator{})
	file := []retrieve.ChangedFile{{Path: "a.go"}}

	// When: one call omits min_similarity and another sets it to 0
	_, _, err := s.retrieveContextHandler(context.Background(), nil, RetrieveContextInput{RepoID: "acme/a", Files: file})
	require.NoError(t, err)
	omitted := r.gotOpts.MinSimilarity
	_, _, err = s.retrieveContextHandler(context.Background(), nil, RetrieveContextInput{
		RepoID: "acme/a", Files: file, MinSimilarity: retrieve.Similarity(0),
	})
	require.NoError(t, err)

	// Then: the omitted value defers to config, the 0 reaches the retriever
	assert.Nil(t, omitted)
	require.NotNil(t, r.gotOpts.MinSimilarity)
	assert.Equal(t, 0.0, *r.gotOpts.MinSimilarity)
}

func TestRetrieveContextHandler_Validation(t *testing.T) {
	s := newTestServer(t, &mockRetriever{}, &mockCoordinator{})
	file := []retrieve.ChangedFile{{Path: "a.go"}}

	tests := []struct {
		name  string
		input RetrieveContextInput
	}{
		{"missing repo", RetrieveContextInput{Files: file}},
		{"no files", RetrieveContextInput{RepoID: "acme/a"}},
		{"negative limit", RetrieveContextInput{RepoID: "acme/a", Files: file, MaxResults: -1}},
		{"negative similarity", RetrieveContextInput{RepoID: "acme/a", Files: file, MinSimilarity: retrieve.Similarity(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.retrieveContextHandler(context.Background(), nil, tt.input)

			var mcpErr *MCPError
			require.ErrorAs(t, err, &mcpErr)
			assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
		})
	}
}

func TestRetrieveContextHandler_MapsRetrieverErrors(t *testing.T) {
	r := &mockRetriever{RetrieveFn: func(context.Context, string, []retrieve.ChangedFile, retrieve.Options) ([]retrieve.Result, error) {
		return nil, cerrors.New(cerrors.ErrCodeInvalidRepoID, "repository id must be org/name", nil)
	}}
	s := newTestServer(t, r, &mockCoordinator{})

	_, _, err := s.retrieveContextHandler(context.Background(), nil, RetrieveContextInput{
		RepoID: "bad",
		Files:  []retrieve.ChangedFile{{Path: "a.go"}},
	})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestRetrieveContextHandler_EmptyResults(t *testing.T) {
	s := newTestServer(t, &mockRetriever{}, &mockCoordinator{})

	res, out, err := s.retrieveContextHandler(context.Background(), nil, RetrieveContextInput{
		RepoID: "acme/a",
		Files:  []retrieve.ChangedFile{{Path: "a.go"}},
	})

	require.NoError(t, err)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "No related code found outside acme/a")
}

func TestIndexingStatusHandler(t *testing.T) {
	// Given: a finished job with errors
	job := &store.Job{
		ID:          "job-1",
		RepoID:      "acme/a",
		Kind:        store.JobIncremental,
		State:       store.JobCompletedWithErrors,
		Stage:       store.StageIdle,
		HeadCommit:  "0123456789abcdef0123",
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CompletedAt: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
		Stats:       store.JobStats{FilesTotal: 3, FilesProcessed: 3, ParseErrors: 1},
	}
	s := newTestServer(t, &mockRetriever{}, &mockCoordinator{job: job})

	// When: asking for its status
	res, out, err := s.indexingStatusHandler(context.Background(), nil, IndexingStatusInput{RepoID: "acme/a"})

	// Then: the job is reported in both forms
	require.NoError(t, err)
	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, "completed-with-errors", out.State)
	assert.Equal(t, "2026-01-02T03:04:05Z", out.StartedAt)
	assert.Equal(t, 1, out.Stats.ParseErrors)

	text := res.Content[0].(*mcp.TextContent).Text
	assert.Contains(t, text, "**State:** completed-with-errors")
	assert.Contains(t, text, "**Commit:** 0123456789ab")
	assert.Contains(t, text, "1 parse")
	assert.NotContains(t, text, "**Stage:**")
}

func TestIndexingStatusHandler_NotFound(t *testing.T) {
	c := &mockCoordinator{err: cerrors.New(cerrors.ErrCodeNotFound, "no indexing job for repository", nil)}
	s := newTestServer(t, &mockRetriever{}, c)

	_, _, err := s.indexingStatusHandler(context.Background(), nil, IndexingStatusInput{RepoID: "acme/a"})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeRepoNotFound, mcpErr.Code)
}

func TestScheduleIndexHandler(t *testing.T) {
	c := &mockCoordinator{}
	s := newTestServer(t, &mockRetriever{}, c)

	_, inc, err := s.scheduleIndexHandler(context.Background(), nil, ScheduleIndexInput{RepoID: "acme/a"})
	require.NoError(t, err)
	_, full, err := s.scheduleIndexHandler(context.Background(), nil, ScheduleIndexInput{RepoID: "acme/a", Full: true})
	require.NoError(t, err)

	assert.Equal(t, "job-inc", inc.JobID)
	assert.Equal(t, "job-full", full.JobID)
	assert.Equal(t, []string{"incremental acme/a", "full acme/a"}, c.scheduled)

	_, _, err = s.scheduleIndexHandler(context.Background(), nil, ScheduleIndexInput{})
	assert.Error(t, err)
}

func TestScheduleIndexHandler_CoordinatorClosed(t *testing.T) {
	c := &mockCoordinator{err: cerrors.New(cerrors.ErrCodeCoordinatorOff, "coordinator is closed", nil)}
	s := newTestServer(t, &mockRetriever{}, c)

	_, _, err := s.scheduleIndexHandler(context.Background(), nil, ScheduleIndexInput{RepoID: "acme/a"})

	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr))
	assert.Equal(t, ErrCodeShuttingDown, mcpErr.Code)
}

func TestServer_InMemorySession(t *testing.T) {
	// Given: a server connected to a client over in-memory transports
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := &mockRetriever{RetrieveFn: func(context.Context, string, []retrieve.ChangedFile, retrieve.Options) ([]retrieve.Result, error) {
		return []retrieve.Result{endpointResult()}, nil
	}}
	s := newTestServer(t, r, &mockCoordinator{})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	// When: listing and calling tools
	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "retrieve_context",
		Arguments: map[string]any{
			"repo_id": "acme/svc-b",
			"files":   []map[string]any{{"path": "client.js", "content": "axios.post('/orders', o)"}},
		},
	})

	// Then: every tool is advertised and the call succeeds
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"indexing_status", "retrieve_context", "schedule_index"}, names)
	assert.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "acme/svc-a")
}
