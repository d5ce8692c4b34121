package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Aman-CERP/crossctx/internal/store"
)

// StatusInfo is the JSON form of a repository's indexing status.
type StatusInfo struct {
	RepoID            string         `json:"repo_id"`
	LastIndexedCommit string         `json:"last_indexed_commit,omitempty"`
	LastIndexedAt     *time.Time     `json:"last_indexed_at,omitempty"`
	JobID             string         `json:"job_id"`
	Kind              string         `json:"kind"`
	State             string         `json:"state"`
	Stage             string         `json:"stage"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	Stats             store.JobStats `json:"stats"`
}

// NewStatusInfo builds the status of a job. repo may be nil.
func NewStatusInfo(job *store.Job, repo *store.Repository) StatusInfo {
	info := StatusInfo{
		RepoID:      job.RepoID,
		JobID:       job.ID,
		Kind:        string(job.Kind),
		State:       string(job.State),
		Stage:       string(job.Stage),
		StartedAt:   timePtr(job.StartedAt),
		CompletedAt: timePtr(job.CompletedAt),
		LastError:   job.LastError,
		Stats:       job.Stats,
	}
	if repo != nil {
		info.LastIndexedCommit = repo.LastIndexedCommit
		info.LastIndexedAt = timePtr(repo.LastIndexedAt)
	}
	return info
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// StatusRenderer displays indexing status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render displays status info to the terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Indexing Status: "+info.RepoID))

	_, _ = fmt.Fprintf(r.out, "  Job:          %s (%s)\n", info.JobID, info.Kind)
	_, _ = fmt.Fprintf(r.out, "  State:        %s\n", r.renderState(info.State))
	if !store.JobState(info.State).Terminal() {
		_, _ = fmt.Fprintf(r.out, "  Stage:        %s\n", info.Stage)
	}
	if info.StartedAt != nil {
		_, _ = fmt.Fprintf(r.out, "  Started:      %s\n", formatTime(*info.StartedAt))
	}
	if info.StartedAt != nil && info.CompletedAt != nil {
		_, _ = fmt.Fprintf(r.out, "  Duration:     %s\n", info.CompletedAt.Sub(*info.StartedAt).Round(100*time.Millisecond))
	}
	if info.LastIndexedCommit != "" {
		_, _ = fmt.Fprintf(r.out, "  Indexed at:   %s", shortSHA(info.LastIndexedCommit))
		if info.LastIndexedAt != nil {
			_, _ = fmt.Fprintf(r.out, " (%s)", formatTime(*info.LastIndexedAt))
		}
		_, _ = fmt.Fprintln(r.out)
	}
	_, _ = fmt.Fprintln(r.out)

	st := info.Stats
	_, _ = fmt.Fprintln(r.out, "  Files:")
	_, _ = fmt.Fprintf(r.out, "    Processed:  %d/%d\n", st.FilesProcessed, st.FilesTotal)
	_, _ = fmt.Fprintf(r.out, "    Deleted:    %d\n", st.FilesDeleted)
	_, _ = fmt.Fprintf(r.out, "    Skipped:    %d\n", st.FilesSkipped)
	_, _ = fmt.Fprintf(r.out, "  Fragments:    %d\n", st.FragmentsWritten)
	_, _ = fmt.Fprintf(r.out, "  Edges:        %d\n", st.EdgesWritten)

	if st.CountedErrors() > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Errors:")
		_, _ = fmt.Fprintf(r.out, "    Parse:      %d\n", st.ParseErrors)
		_, _ = fmt.Fprintf(r.out, "    Embedding:  %d\n", st.EmbeddingsFailed)
		_, _ = fmt.Fprintf(r.out, "    Store:      %d\n", st.StoreErrors)
	}
	if info.LastError != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.styles.Error.Render("Last error:"), info.LastError)
	}
	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderState(state string) string {
	switch store.JobState(state) {
	case store.JobCompleted:
		return r.styles.Success.Render(state)
	case store.JobCompletedWithErrors, store.JobCancelled:
		return r.styles.Warning.Render(state)
	case store.JobFailed:
		return r.styles.Error.Render(state)
	default:
		return state
	}
}

// formatTime formats a time for display relative to now.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
