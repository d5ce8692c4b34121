package retrieve

import "sort"

// span identifies a result for deduplication.
type span struct {
	repo       string
	path       string
	start, end int
}

func spanOf(r Result) span {
	return span{r.RepoID, r.Fragment.Path, r.Fragment.StartLine, r.Fragment.EndLine}
}

// merge deduplicates by (repository, path, line range), keeping the better
// of two hits on the same span, orders the rest and keeps at most limit.
func merge(structural, semantic []Result, limit int) []Result {
	best := make(map[span]Result, len(structural)+len(semantic))
	for _, list := range [][]Result{structural, semantic} {
		for _, r := range list {
			k := spanOf(r)
			if cur, ok := best[k]; !ok || less(r, cur) {
				best[k] = r
			}
		}
	}

	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// less reports whether a ranks before b.
//
// Priority:
//  1. Structural before semantic
//  2. Higher score
//  3. Repository, then path, then start line, ascending
func less(a, b Result) bool {
	if a.MatchKind != b.MatchKind {
		return a.MatchKind == MatchStructural
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.RepoID != b.RepoID {
		return a.RepoID < b.RepoID
	}
	if a.Fragment.Path != b.Fragment.Path {
		return a.Fragment.Path < b.Fragment.Path
	}
	if a.Fragment.StartLine != b.Fragment.StartLine {
		return a.Fragment.StartLine < b.Fragment.StartLine
	}
	return a.Reason < b.Reason
}
