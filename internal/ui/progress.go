package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Aman-CERP/crossctx/internal/store"
)

// JobProgress prints the progress of one indexing job from successive
// status snapshots. A line is written when the stage changes and at most
// once per interval while the stage stays the same.
type JobProgress struct {
	mu       sync.Mutex
	out      io.Writer
	styles   Styles
	interval time.Duration
	now      func() time.Time

	stage     store.Stage
	lastLine  time.Time
	processed int
}

// NewJobProgress creates a progress printer.
func NewJobProgress(out io.Writer, noColor bool) *JobProgress {
	return &JobProgress{
		out:      out,
		styles:   GetStyles(noColor),
		interval: 2 * time.Second,
		now:      time.Now,
	}
}

// Update reports a snapshot of the job.
func (p *JobProgress) Update(job *store.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if job.State.Terminal() {
		return
	}
	now := p.now()
	changed := job.Stage != p.stage
	if !changed && (now.Sub(p.lastLine) < p.interval || job.Stats.FilesProcessed == p.processed) {
		return
	}
	p.stage = job.Stage
	p.lastLine = now
	p.processed = job.Stats.FilesProcessed

	st := job.Stats
	if st.FilesTotal > 0 {
		pct := float64(st.FilesProcessed+st.FilesDeleted) / float64(st.FilesTotal) * 100
		_, _ = fmt.Fprintf(p.out, "[%s] %d/%d files (%.0f%%)\n",
			stageIcon(job.Stage), st.FilesProcessed+st.FilesDeleted, st.FilesTotal, pct)
		return
	}
	_, _ = fmt.Fprintf(p.out, "[%s] %s\n", stageIcon(job.Stage), job.RepoID)
}

// Complete prints the final summary of a terminal job.
func (p *JobProgress) Complete(job *store.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := job.Stats
	var state string
	switch job.State {
	case store.JobCompleted:
		state = p.styles.Success.Render("Complete")
	case store.JobCompletedWithErrors:
		state = p.styles.Warning.Render("Complete with errors")
	case store.JobCancelled:
		state = p.styles.Warning.Render("Cancelled")
	default:
		state = p.styles.Error.Render("Failed")
	}

	_, _ = fmt.Fprintf(p.out, "%s: %s, %d files, %d fragments, %d edges",
		state, job.RepoID, st.FilesProcessed, st.FragmentsWritten, st.EdgesWritten)
	if !job.StartedAt.IsZero() && !job.CompletedAt.IsZero() {
		_, _ = fmt.Fprintf(p.out, " in %s", job.CompletedAt.Sub(job.StartedAt).Round(100*time.Millisecond))
	}
	if n := st.CountedErrors(); n > 0 {
		_, _ = fmt.Fprintf(p.out, " (%d errors)", n)
	}
	_, _ = fmt.Fprintln(p.out)
	if job.LastError != "" {
		_, _ = fmt.Fprintf(p.out, "%s %s\n", p.styles.Error.Render("Error:"), job.LastError)
	}
}

// stageIcon returns the short stage tag for progress lines.
func stageIcon(s store.Stage) string {
	switch s {
	case store.StageCloning:
		return "CLONE"
	case store.StageExtracting:
		return "EXTRACT"
	case store.StageEmbedding:
		return "EMBED"
	case store.StagePersisting:
		return "WRITE"
	case store.StageIdle:
		return "IDLE"
	default:
		return "???"
	}
}
