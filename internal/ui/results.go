package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Aman-CERP/crossctx/internal/retrieve"
)

// ResultInfo is the JSON form of one retrieval result.
type ResultInfo struct {
	RepoID    string  `json:"repo_id"`
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Kind      string  `json:"kind"`
	Symbol    string  `json:"symbol,omitempty"`
	MatchKind string  `json:"match_kind"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	Content   string  `json:"content"`
}

// ResultsRenderer displays retrieval results.
type ResultsRenderer struct {
	out    io.Writer
	styles Styles
	// MaxLines bounds the code shown per result; 0 shows everything.
	MaxLines int
}

// NewResultsRenderer creates a results renderer.
func NewResultsRenderer(out io.Writer, noColor bool) *ResultsRenderer {
	return &ResultsRenderer{out: out, styles: GetStyles(noColor), MaxLines: 12}
}

// Render displays results in ranked order.
func (r *ResultsRenderer) Render(repoID string, results []retrieve.Result) error {
	if len(results) == 0 {
		_, _ = fmt.Fprintf(r.out, "No related code found outside %s\n", repoID)
		return nil
	}

	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render(
		fmt.Sprintf("%d related fragment%s for %s", len(results), plural(len(results)), repoID)))

	for i, res := range results {
		f := res.Fragment
		kind := r.styles.Semantic.Render(string(res.MatchKind))
		if res.MatchKind == retrieve.MatchStructural {
			kind = r.styles.Structural.Render(string(res.MatchKind))
		}
		_, _ = fmt.Fprintf(r.out, "%2d. %s %s:%d-%d  %s %s\n",
			i+1, res.RepoID, f.Path, f.StartLine, f.EndLine, kind, r.styles.Label.Render(fmt.Sprintf("%.2f", res.Score)))
		if f.Symbol != "" {
			_, _ = fmt.Fprintf(r.out, "    %s %s\n", r.styles.Label.Render(string(f.Kind)), f.Symbol)
		}
		_, _ = fmt.Fprintf(r.out, "    %s\n", r.styles.Dim.Render(res.Reason))
		if snippet := r.snippet(f.Content); snippet != "" {
			_, _ = fmt.Fprintln(r.out, r.styles.Code.Render(snippet))
		}
		_, _ = fmt.Fprintln(r.out)
	}
	return nil
}

// RenderJSON outputs results as a JSON array.
func (r *ResultsRenderer) RenderJSON(results []retrieve.Result) error {
	out := make([]ResultInfo, 0, len(results))
	for _, res := range results {
		f := res.Fragment
		out = append(out, ResultInfo{
			RepoID:    res.RepoID,
			Path:      f.Path,
			StartLine: f.StartLine,
			EndLine:   f.EndLine,
			Kind:      string(f.Kind),
			Symbol:    f.Symbol,
			MatchKind: string(res.MatchKind),
			Score:     res.Score,
			Reason:    res.Reason,
			Content:   f.Content,
		})
	}
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func (r *ResultsRenderer) snippet(content string) string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return ""
	}
	lines := strings.Split(content, "\n")
	if r.MaxLines > 0 && len(lines) > r.MaxLines {
		more := len(lines) - r.MaxLines
		lines = append(lines[:r.MaxLines:r.MaxLines], fmt.Sprintf("... %d more line%s", more, plural(more)))
	}
	return strings.Join(lines, "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
