// Package store persists repositories, code fragments, structural edges and
// indexing jobs in SQLite, and answers vector and edge lookups over them.
//
// All writes for one file happen in one transaction so readers never see a
// file half replaced. Vector search is served from an in-process HNSW graph
// rebuilt on open, with an exact cosine scan as fallback.
package store

import (
	"regexp"
	"strings"
	"time"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
)

// Repository is one indexed repository. Rows are never deleted, only archived.
type Repository struct {
	ID                string // "org/name"
	Org               string
	Name              string
	CloneURL          string
	DefaultBranch     string
	LastIndexedCommit string
	LastIndexedAt     time.Time
	Archived          bool
	CreatedAt         time.Time
}

// Fragment is a stored code fragment.
type Fragment struct {
	ID        int64
	RepoID    string
	Path      string
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
	Kind      chunk.Kind
	Language  string
	Symbol    string
	Content   string
	Metadata  map[string]string

	CommitSHA   string
	ContentHash string

	// Embedding is nil when the fragment has no vector yet.
	Embedding []float32
	// EmbeddingRetry marks fragments whose embedding failed and should be
	// retried on a later run.
	EmbeddingRetry bool

	LastUpdated time.Time
}

// FromChunk converts an extracted fragment into a storable one.
func FromChunk(repoID, commit string, f chunk.Fragment) Fragment {
	return Fragment{
		RepoID:      repoID,
		Path:        f.Path,
		StartLine:   f.StartLine,
		EndLine:     f.EndLine,
		StartByte:   f.StartByte,
		EndByte:     f.EndByte,
		Kind:        f.Kind,
		Language:    f.Language,
		Symbol:      f.Symbol,
		Content:     f.Content,
		Metadata:    f.Metadata,
		CommitSHA:   commit,
		ContentHash: f.ContentHash(),
	}
}

// Edge is a stored structural edge.
type Edge struct {
	ID         int64
	FragmentID int64
	Kind       graph.Kind
	Target     string
	Method     string
	Schema     string
}

// Key returns the (kind, target) pair of e.
func (e Edge) Key() graph.Key { return graph.Key{Kind: e.Kind, Target: e.Target} }

// EdgeMatch is an edge together with the fragment that owns it.
type EdgeMatch struct {
	Edge     Edge
	Fragment Fragment
}

// VectorHit is one vector search result. Score is the cosine similarity
// in [-1, 1], higher is nearer; Distance is the cosine distance 1 - Score,
// lower is nearer.
type VectorHit struct {
	Fragment Fragment
	Score    float64
	Distance float64
}

// FileChange reports what ReplaceFile or DeleteFile did to one path.
type FileChange struct {
	Path             string
	FragmentsWritten int
	FragmentsDeleted int
	EdgesWritten     int
	// OldEdges are the edges the file had before the change; NewEdges after.
	OldEdges []graph.Edge
	NewEdges []graph.Edge
}

// JobKind is the indexing mode.
type JobKind string

const (
	JobFull        JobKind = "full"
	JobIncremental JobKind = "incremental"
)

// JobState is the lifecycle state of an indexing job.
type JobState string

const (
	JobPending             JobState = "pending"
	JobRunning             JobState = "running"
	JobCompleted           JobState = "completed"
	JobCompletedWithErrors JobState = "completed-with-errors"
	JobFailed              JobState = "failed"
	JobCancelled           JobState = "cancelled"
)

// Terminal reports whether no further transitions can follow s.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Succeeded reports whether s advances the repository's indexed commit.
func (s JobState) Succeeded() bool {
	return s == JobCompleted || s == JobCompletedWithErrors
}

// Stage is the phase a running job is in.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageCloning    Stage = "cloning"
	StageExtracting Stage = "extracting"
	StageEmbedding  Stage = "embedding"
	StagePersisting Stage = "persisting"
)

// Transition is one recorded stage or state change of a job.
type Transition struct {
	Stage Stage
	State JobState
	At    time.Time
	Note  string
}

// JobStats are the counters of a job.
type JobStats struct {
	FilesTotal       int `json:"files_total"`
	FilesProcessed   int `json:"files_processed"`
	FilesSkipped     int `json:"files_skipped"`
	FilesDeleted     int `json:"files_deleted"`
	FragmentsWritten int `json:"fragments_written"`
	EdgesWritten     int `json:"edges_written"`
	EmbeddingsFailed int `json:"embeddings_failed"`
	ParseErrors      int `json:"parse_errors"`
	StoreErrors      int `json:"store_errors"`
}

// CountedErrors is the number of errors that mark a job completed-with-errors.
func (s JobStats) CountedErrors() int {
	return s.EmbeddingsFailed + s.ParseErrors + s.StoreErrors
}

// Job is one indexing run of one repository.
type Job struct {
	ID          string
	RepoID      string
	Kind        JobKind
	Ref         string
	State       JobState
	Stage       Stage
	Transitions []Transition
	StartedAt   time.Time
	CompletedAt time.Time
	Stats       JobStats
	LastError   string
	BaseCommit  string
	HeadCommit  string
	CreatedAt   time.Time
}

var repoIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*/[A-Za-z0-9._-]+$`)

// ParseRepoID splits "org/name" and validates both halves.
func ParseRepoID(id string) (org, name string, err error) {
	if !repoIDPattern.MatchString(id) || strings.HasSuffix(id, ".") {
		return "", "", cerrors.New(cerrors.ErrCodeInvalidRepoID, "repository id must be org/name", nil).
			WithDetail("repo", id)
	}
	org, name, _ = strings.Cut(id, "/")
	return org, name, nil
}
