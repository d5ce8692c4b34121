package ui

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
)

func TestIsTTY_NonFile(t *testing.T) {
	assert.False(t, IsTTY(&bytes.Buffer{}))
	assert.False(t, IsTTY(nil))
}

func TestNoColorFor(t *testing.T) {
	// Given: a buffer is never a terminal
	buf := &bytes.Buffer{}

	// Then: output to it is plain
	assert.True(t, NoColorFor(buf, false))
	assert.True(t, NoColorFor(os.Stdout, true))
}

func TestDetectNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.True(t, DetectNoColor())
}

func TestDetectCI(t *testing.T) {
	t.Setenv("CI", "true")
	assert.True(t, DetectCI())
}

func sampleJob() *store.Job {
	return &store.Job{
		ID:          "job-1",
		RepoID:      "acme/svc-a",
		Kind:        store.JobFull,
		State:       store.JobCompletedWithErrors,
		Stage:       store.StageIdle,
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 1, 10, 0, 12, 0, time.UTC),
		LastError:   "",
		Stats: store.JobStats{
			FilesTotal: 10, FilesProcessed: 9, FilesDeleted: 1,
			FragmentsWritten: 40, EdgesWritten: 3, ParseErrors: 2,
		},
	}
}

func TestStatusRenderer_Render(t *testing.T) {
	// Given: a finished job and its repository
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)
	repo := &store.Repository{ID: "acme/svc-a", LastIndexedCommit: "0123456789abcdef"}

	// When: rendering
	require.NoError(t, r.Render(NewStatusInfo(sampleJob(), repo)))

	// Then: counters, errors and the short commit are shown
	out := buf.String()
	assert.Contains(t, out, "Indexing Status: acme/svc-a")
	assert.Contains(t, out, "State:        completed-with-errors")
	assert.Contains(t, out, "Duration:     12s")
	assert.Contains(t, out, "Indexed at:   0123456789ab")
	assert.Contains(t, out, "Processed:  9/10")
	assert.Contains(t, out, "Parse:      2")
	assert.NotContains(t, out, "Stage:")
	assert.NotContains(t, out, "Last error:")
}

func TestStatusRenderer_RunningShowsStage(t *testing.T) {
	buf := &bytes.Buffer{}
	job := sampleJob()
	job.State = store.JobRunning
	job.Stage = store.StageEmbedding
	job.CompletedAt = time.Time{}
	job.LastError = ""

	require.NoError(t, NewStatusRenderer(buf, true).Render(NewStatusInfo(job, nil)))

	assert.Contains(t, buf.String(), "Stage:        embedding")
	assert.NotContains(t, buf.String(), "Duration:")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	// Given: a failed job
	buf := &bytes.Buffer{}
	job := sampleJob()
	job.State = store.JobFailed
	job.LastError = "error rate 0.30 exceeds 0.25"

	// When: rendering JSON
	require.NoError(t, NewStatusRenderer(buf, true).RenderJSON(NewStatusInfo(job, nil)))

	// Then: the document carries the job fields
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "acme/svc-a", parsed["repo_id"])
	assert.Equal(t, "failed", parsed["state"])
	assert.Equal(t, "error rate 0.30 exceeds 0.25", parsed["last_error"])
	assert.NotContains(t, parsed, "last_indexed_commit")
	stats, ok := parsed["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), stats["parse_errors"])
}

func result(kind retrieve.MatchKind, content string) retrieve.Result {
	return retrieve.Result{
		Fragment: store.Fragment{
			RepoID: "acme/svc-a", Path: "server.go", StartLine: 3, EndLine: 5,
			Kind: chunk.KindEndpoint, Symbol: "createOrder", Content: content,
		},
		MatchKind: kind,
		Score:     1,
		RepoID:    "acme/svc-a",
		Reason:    "endpoint POST /orders for http-call at client.js:1",
	}
}

func TestResultsRenderer_Render(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewResultsRenderer(buf, true)

	require.NoError(t, r.Render("acme/svc-b", []retrieve.Result{result(retrieve.MatchStructural, "func createOrder() {}\n")}))

	out := buf.String()
	assert.Contains(t, out, "1 related fragment for acme/svc-b")
	assert.Contains(t, out, " 1. acme/svc-a server.go:3-5  structural 1.00")
	assert.Contains(t, out, "endpoint createOrder")
	assert.Contains(t, out, "endpoint POST /orders for http-call at client.js:1")
	assert.Contains(t, out, "    func createOrder() {}")
}

func TestResultsRenderer_TruncatesLongSnippets(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewResultsRenderer(buf, true)
	r.MaxLines = 2

	require.NoError(t, r.Render("acme/svc-b", []retrieve.Result{result(retrieve.MatchSemantic, "a\nb\nc\nd")}))

	out := buf.String()
	assert.Contains(t, out, "... 2 more lines")
	assert.NotContains(t, out, "c\n")
}

func TestResultsRenderer_Empty(t *testing.T) {
	buf := &bytes.Buffer{}

	require.NoError(t, NewResultsRenderer(buf, true).Render("acme/svc-b", nil))

	assert.Equal(t, "No related code found outside acme/svc-b\n", buf.String())
}

func TestResultsRenderer_RenderJSON(t *testing.T) {
	buf := &bytes.Buffer{}

	require.NoError(t, NewResultsRenderer(buf, true).RenderJSON([]retrieve.Result{result(retrieve.MatchStructural, "x")}))

	var parsed []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Len(t, parsed, 1)
	assert.Equal(t, "structural", parsed[0]["match_kind"])
	assert.Equal(t, "endpoint", parsed[0]["kind"])
	assert.NotContains(t, parsed[0], "embedding")
}

func TestJobProgress(t *testing.T) {
	// Given: a progress printer on a fake clock
	buf := &bytes.Buffer{}
	p := NewJobProgress(buf, true)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	job := &store.Job{RepoID: "acme/svc-a", State: store.JobRunning, Stage: store.StageCloning}

	// When: snapshots arrive
	p.Update(job)
	p.Update(job) // same stage, nothing new
	job.Stage = store.StagePersisting
	job.Stats = store.JobStats{FilesTotal: 4, FilesProcessed: 1}
	p.Update(job)
	job.Stats.FilesProcessed = 2
	p.Update(job) // within the interval
	now = now.Add(3 * time.Second)
	p.Update(job)
	job.State = store.JobCompleted
	job.Stats.FilesProcessed = 4
	p.Update(job) // terminal snapshots are left to Complete
	p.Complete(job)

	// Then: one line per stage change or interval, then the summary
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "[CLONE] acme/svc-a", lines[0])
	assert.Equal(t, "[WRITE] 1/4 files (25%)", lines[1])
	assert.Equal(t, "[WRITE] 2/4 files (50%)", lines[2])
	assert.Equal(t, "Complete: acme/svc-a, 4 files, 0 fragments, 0 edges", lines[3])
}
