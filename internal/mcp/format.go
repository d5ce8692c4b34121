package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// FormatResults formats retrieval results as markdown for agents that read
// text content rather than structured output.
func FormatResults(repoID string, results []retrieve.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No related code found outside %s", repoID)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Related code for changes in %s\n\n", repoID))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, n int, r retrieve.Result) {
	f := r.Fragment
	sb.WriteString(fmt.Sprintf("### %d. %s `%s:%d-%d`", n, r.RepoID, f.Path, f.StartLine, f.EndLine))
	if f.Symbol != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", f.Symbol))
	}
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("**%s** match, score %.2f: %s\n\n", r.MatchKind, r.Score, r.Reason))
	sb.WriteString("```" + fenceLanguage(f.Language) + "\n")
	sb.WriteString(strings.TrimRight(f.Content, "\n"))
	sb.WriteString("\n```\n\n")
}

// fenceLanguage maps a fragment language to a markdown code fence tag.
func fenceLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "typescript", "tsx":
		return "typescript"
	case "javascript", "jsx":
		return "javascript"
	case "proto", "protobuf":
		return "protobuf"
	case "yaml", "openapi":
		return "yaml"
	default:
		return strings.ToLower(lang)
	}
}

// FormatJob formats an indexing job as markdown.
func FormatJob(j *store.Job) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Indexing status for %s\n\n", j.RepoID))
	sb.WriteString(fmt.Sprintf("**Job:** %s (%s)\n", j.ID, j.Kind))
	sb.WriteString(fmt.Sprintf("**State:** %s\n", j.State))
	if !j.State.Terminal() {
		sb.WriteString(fmt.Sprintf("**Stage:** %s\n", j.Stage))
	}
	if j.HeadCommit != "" {
		sb.WriteString(fmt.Sprintf("**Commit:** %s\n", shortSHA(j.HeadCommit)))
	}
	st := j.Stats
	sb.WriteString(fmt.Sprintf("**Files:** %d/%d processed, %d deleted, %d skipped\n",
		st.FilesProcessed, st.FilesTotal, st.FilesDeleted, st.FilesSkipped))
	sb.WriteString(fmt.Sprintf("**Fragments:** %d written, %d edges\n", st.FragmentsWritten, st.EdgesWritten))
	if n := st.CountedErrors(); n > 0 {
		sb.WriteString(fmt.Sprintf("**Errors:** %d parse, %d embedding, %d store\n",
			st.ParseErrors, st.EmbeddingsFailed, st.StoreErrors))
	}
	if j.LastError != "" {
		sb.WriteString(fmt.Sprintf("\n> %s\n", j.LastError))
	}
	return sb.String()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
