package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
	"github.com/Aman-CERP/crossctx/pkg/version"
)

// Retriever is the read path behind retrieve_context.
type Retriever interface {
	RetrieveContext(ctx context.Context, repoID string, files []retrieve.ChangedFile, opts retrieve.Options) ([]retrieve.Result, error)
}

// Coordinator is the indexing side behind indexing_status and schedule_index.
type Coordinator interface {
	GetIndexingStatus(ctx context.Context, repoID string) (*store.Job, error)
	ScheduleIncrementalIndex(ctx context.Context, repoID, ref string) (string, error)
	ScheduleFullIndex(ctx context.Context, repoID, ref string) (string, error)
}

// Server is the MCP server for crossctx. It bridges review agents with the
// context retriever and the indexing coordinator.
type Server struct {
	mcp         *mcp.Server
	retriever   Retriever
	coordinator Coordinator
	logger      *slog.Logger
	tools       []ToolInfo
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

const (
	toolRetrieveContext = "retrieve_context"
	toolIndexingStatus  = "indexing_status"
	toolScheduleIndex   = "schedule_index"
)

// NewServer creates an MCP server. Both dependencies are required.
func NewServer(retriever Retriever, coordinator Coordinator, logger *slog.Logger) (*Server, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "crossctx",
			Version: version.Version,
		}, nil),
		retriever:   retriever,
		coordinator: coordinator,
		logger:      logger.With(slog.String("component", "mcp")),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.tools = []ToolInfo{
		{
			Name: toolRetrieveContext,
			Description: "Find code in other repositories related to a set of changed files. " +
				"Returns callers of changed endpoints, endpoints of changed callers, producers and " +
				"consumers of the same topics, then semantically similar fragments.",
		},
		{
			Name:        toolIndexingStatus,
			Description: "Report the current or last indexing job of a repository: state, stage, counters and last error.",
		},
		{
			Name: toolScheduleIndex,
			Description: "Schedule indexing of a repository. Incremental by default; a running job " +
				"for the same repository is reused.",
		},
	}

	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolRetrieveContext, Description: s.tools[0].Description}, s.retrieveContextHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolIndexingStatus, Description: s.tools[1].Description}, s.indexingStatusHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: toolScheduleIndex, Description: s.tools[2].Description}, s.scheduleIndexHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", len(s.tools)))
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Server) retrieveContextHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveContextInput) (
	*mcp.CallToolResult,
	RetrieveContextOutput,
	error,
) {
	if strings.TrimSpace(input.RepoID) == "" {
		return nil, RetrieveContextOutput{}, NewInvalidParamsError("repo_id parameter is required")
	}
	if len(input.Files) == 0 {
		return nil, RetrieveContextOutput{}, NewInvalidParamsError("files parameter must list at least one file")
	}
	if input.MaxResults < 0 || (input.MinSimilarity != nil && *input.MinSimilarity < 0) {
		return nil, RetrieveContextOutput{}, NewInvalidParamsError("max_results and min_similarity must not be negative")
	}

	start := time.Now()
	requestID := generateRequestID()
	results, err := s.retriever.RetrieveContext(ctx, input.RepoID, input.Files, retrieve.Options{
		MaxResults:    input.MaxResults,
		MinSimilarity: input.MinSimilarity,
	})
	if err != nil {
		s.logger.Warn("tool_failed",
			slog.String("request_id", requestID),
			slog.String("tool", toolRetrieveContext),
			slog.String("error", err.Error()))
		return nil, RetrieveContextOutput{}, MapError(err)
	}

	output := RetrieveContextOutput{Results: make([]ResultOutput, 0, len(results))}
	for _, r := range results {
		output.Results = append(output.Results, ToResultOutput(r))
	}
	s.logger.Debug("tool_complete",
		slog.String("request_id", requestID),
		slog.String("tool", toolRetrieveContext),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))

	return textResult(FormatResults(input.RepoID, results)), output, nil
}

func (s *Server) indexingStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, input IndexingStatusInput) (
	*mcp.CallToolResult,
	JobOutput,
	error,
) {
	if strings.TrimSpace(input.RepoID) == "" {
		return nil, JobOutput{}, NewInvalidParamsError("repo_id parameter is required")
	}
	job, err := s.coordinator.GetIndexingStatus(ctx, input.RepoID)
	if err != nil {
		return nil, JobOutput{}, MapError(err)
	}
	return textResult(FormatJob(job)), ToJobOutput(job), nil
}

func (s *Server) scheduleIndexHandler(ctx context.Context, _ *mcp.CallToolRequest, input ScheduleIndexInput) (
	*mcp.CallToolResult,
	ScheduleIndexOutput,
	error,
) {
	if strings.TrimSpace(input.RepoID) == "" {
		return nil, ScheduleIndexOutput{}, NewInvalidParamsError("repo_id parameter is required")
	}

	schedule := s.coordinator.ScheduleIncrementalIndex
	if input.Full {
		schedule = s.coordinator.ScheduleFullIndex
	}
	jobID, err := schedule(ctx, input.RepoID, input.Ref)
	if err != nil {
		return nil, ScheduleIndexOutput{}, MapError(err)
	}
	s.logger.Info("index_scheduled",
		slog.String("repo", input.RepoID),
		slog.String("job_id", jobID),
		slog.Bool("full", input.Full))
	return textResult(fmt.Sprintf("Scheduled indexing of %s as job %s", input.RepoID, jobID)),
		ScheduleIndexOutput{JobID: jobID}, nil
}

// Serve runs the server over stdio until ctx is done or the client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Starting MCP server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped gracefully")
	return nil
}

// Connect serves one session over t. Serve uses stdio; tests and embedders
// use in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
