package mcp

import (
	"time"

	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// RetrieveContextInput defines the input schema for the retrieve_context tool.
type RetrieveContextInput struct {
	RepoID        string                 `json:"repo_id" jsonschema:"repository of the change, as org/name"`
	Files         []retrieve.ChangedFile `json:"files" jsonschema:"changed files with their new content"`
	MaxResults    int                    `json:"max_results,omitempty" jsonschema:"maximum number of results, default 20"`
	MinSimilarity *float64               `json:"min_similarity,omitempty" jsonschema:"minimum cosine similarity for semantic matches, default 0.72"`
}

// RetrieveContextOutput defines the output schema for the retrieve_context tool.
type RetrieveContextOutput struct {
	Results []ResultOutput `json:"results" jsonschema:"related fragments, structural matches first"`
}

// ResultOutput is one related fragment.
type ResultOutput struct {
	RepoID    string  `json:"repo_id"`
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Kind      string  `json:"kind"`
	Symbol    string  `json:"symbol,omitempty"`
	Language  string  `json:"language"`
	MatchKind string  `json:"match_kind"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	Content   string  `json:"content"`
}

// IndexingStatusInput defines the input schema for the indexing_status tool.
type IndexingStatusInput struct {
	RepoID string `json:"repo_id" jsonschema:"repository as org/name"`
}

// JobOutput is the status of one indexing job.
type JobOutput struct {
	JobID       string         `json:"job_id"`
	RepoID      string         `json:"repo_id"`
	Kind        string         `json:"kind"`
	State       string         `json:"state"`
	Stage       string         `json:"stage"`
	Ref         string         `json:"ref,omitempty"`
	BaseCommit  string         `json:"base_commit,omitempty"`
	HeadCommit  string         `json:"head_commit,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Stats       store.JobStats `json:"stats"`
}

// ScheduleIndexInput defines the input schema for the schedule_index tool.
type ScheduleIndexInput struct {
	RepoID string `json:"repo_id" jsonschema:"repository as org/name"`
	Ref    string `json:"ref,omitempty" jsonschema:"branch or commit to index, default branch if empty"`
	Full   bool   `json:"full,omitempty" jsonschema:"reindex every file instead of the delta since the last indexed commit"`
}

// ScheduleIndexOutput defines the output schema for the schedule_index tool.
type ScheduleIndexOutput struct {
	JobID string `json:"job_id" jsonschema:"job identifier, shared with an already running job for the repository"`
}

// ToResultOutput converts a retrieval result to its wire form.
func ToResultOutput(r retrieve.Result) ResultOutput {
	return ResultOutput{
		RepoID:    r.RepoID,
		Path:      r.Fragment.Path,
		StartLine: r.Fragment.StartLine,
		EndLine:   r.Fragment.EndLine,
		Kind:      string(r.Fragment.Kind),
		Symbol:    r.Fragment.Symbol,
		Language:  r.Fragment.Language,
		MatchKind: string(r.MatchKind),
		Score:     r.Score,
		Reason:    r.Reason,
		Content:   r.Fragment.Content,
	}
}

// ToJobOutput converts a job to its wire form.
func ToJobOutput(j *store.Job) JobOutput {
	return JobOutput{
		JobID:       j.ID,
		RepoID:      j.RepoID,
		Kind:        string(j.Kind),
		State:       string(j.State),
		Stage:       string(j.Stage),
		Ref:         j.Ref,
		BaseCommit:  j.BaseCommit,
		HeadCommit:  j.HeadCommit,
		StartedAt:   formatTime(j.StartedAt),
		CompletedAt: formatTime(j.CompletedAt),
		LastError:   j.LastError,
		Stats:       j.Stats,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
