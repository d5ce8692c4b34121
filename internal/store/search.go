package store

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/crossctx/internal/graph"
)

// VectorSearch returns up to limit (fragment, distance) pairs nearest to
// query, across all repositories except excludeRepo, nearest first. The HNSW graph answers
// when it can; otherwise every stored embedding is scanned.
func (s *Store) VectorSearch(ctx context.Context, query []float32, excludeRepo string, limit int) ([]VectorHit, error) {
	if limit <= 0 || len(query) == 0 {
		return nil, nil
	}

	var scored []scoredID
	if s.ann != nil {
		hits, complete := s.ann.search(query, excludeRepo, limit)
		if complete {
			scored = hits
		} else {
			s.logger.Debug("vector index short of candidates, scanning",
				slog.Int("hits", len(hits)),
				slog.Int("limit", limit))
		}
	}
	if scored == nil {
		var err error
		scored, err = s.exactScan(ctx, query, excludeRepo, limit)
		if err != nil {
			return nil, err
		}
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(scored))
	for i, h := range scored {
		ids[i] = h.id
	}
	frags, err := s.FragmentsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]VectorHit, 0, len(scored))
	for _, h := range scored {
		f, ok := frags[h.id]
		if !ok {
			continue // deleted between search and load
		}
		out = append(out, VectorHit{Fragment: f, Score: h.score, Distance: 1 - h.score})
	}
	return out, nil
}

func (s *Store) exactScan(ctx context.Context, query []float32, excludeRepo string, limit int) ([]scoredID, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT id, embedding FROM fragments WHERE embedding IS NOT NULL AND repo_id != ?", excludeRepo)
	if err != nil {
		return nil, readError("scan vectors", err)
	}
	defer func() { _ = rows.Close() }()

	var out []scoredID
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, readError("scan vector", err)
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			continue
		}
		out = append(out, scoredID{id: id, score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, readError("scan vectors", err)
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindEdgesByTarget returns every edge of kind pointing at target, with its
// fragment, ordered by repository, path and start line.
func (s *Store) FindEdgesByTarget(ctx context.Context, kind graph.Kind, target string) ([]EdgeMatch, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT e.id, e.fragment_id, e.kind, e.target, e.method, e.schema_ref, `+prefixed("f", fragmentColumns)+`
		FROM edges e JOIN fragments f ON f.id = e.fragment_id
		WHERE e.kind = ? AND e.target = ?
		ORDER BY f.repo_id, f.path, f.start_line, e.id`, string(kind), target)
	if err != nil {
		return nil, readError("find edges", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EdgeMatch
	for rows.Next() {
		var (
			m        EdgeMatch
			edgeKind string
		)
		dest := []any{&m.Edge.ID, &m.Edge.FragmentID, &edgeKind, &m.Edge.Target, &m.Edge.Method, &m.Edge.Schema}
		f, err := scanFragment(prefixScanner{rows: rows, prefix: dest})
		if err != nil {
			return nil, readError("scan edge", err)
		}
		m.Edge.Kind = graph.Kind(edgeKind)
		m.Fragment = f
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("find edges", err)
	}
	return out, nil
}

// EdgesFor returns the stored edges of the given fragments, keyed by fragment id.
func (s *Store) EdgesFor(ctx context.Context, fragmentIDs []int64) (map[int64][]Edge, error) {
	out := make(map[int64][]Edge)
	if len(fragmentIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(fragmentIDs))
	for i, id := range fragmentIDs {
		args[i] = id
	}
	rows, err := s.read.QueryContext(ctx,
		"SELECT id, fragment_id, kind, target, method, schema_ref FROM edges WHERE fragment_id IN ("+
			placeholders(len(args))+") ORDER BY id", args...)
	if err != nil {
		return nil, readError("load edges", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e    Edge
			kind string
		)
		if err := rows.Scan(&e.ID, &e.FragmentID, &kind, &e.Target, &e.Method, &e.Schema); err != nil {
			return nil, readError("scan edge", err)
		}
		e.Kind = graph.Kind(kind)
		out[e.FragmentID] = append(out[e.FragmentID], e)
	}
	return out, rows.Err()
}

// CountEdgesByTarget counts the edges pointing at each key. Keys with no
// edges are reported as zero.
func (s *Store) CountEdgesByTarget(ctx context.Context, keys []graph.Key) (map[graph.Key]int, error) {
	out := make(map[graph.Key]int, len(keys))
	for _, k := range keys {
		var n int
		err := s.read.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM edges WHERE kind = ? AND target = ?", string(k.Kind), k.Target).Scan(&n)
		if err != nil {
			return nil, readError("count edges", err)
		}
		out[k] = n
	}
	return out, nil
}

// prefixScanner scans leading columns into prefix before handing the rest
// to the caller's destinations.
type prefixScanner struct {
	rows   rowScanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append(p.prefix[:len(p.prefix):len(p.prefix)], dest...)...)
}

func prefixed(alias, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		if c == ',' {
			start = true
		}
		out = append(out, c)
	}
	return string(out)
}
