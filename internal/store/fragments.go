package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"strconv"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
)

const fragmentColumns = `id, repo_id, path, start_line, end_line, start_byte, end_byte, kind, language,
	symbol, content, metadata, commit_sha, content_hash, embedding, embedding_retry, last_updated`

// The stored embedding survives an upsert that carries none, as long as
// the content is unchanged.
const upsertFragmentSQL = `
INSERT INTO fragments (repo_id, path, start_line, end_line, start_byte, end_byte, kind, language,
	symbol, content, metadata, commit_sha, content_hash, embedding, embedding_retry, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(repo_id, path, start_line) DO UPDATE SET
	end_line = excluded.end_line,
	start_byte = excluded.start_byte,
	end_byte = excluded.end_byte,
	kind = excluded.kind,
	language = excluded.language,
	symbol = excluded.symbol,
	content = excluded.content,
	metadata = excluded.metadata,
	commit_sha = excluded.commit_sha,
	embedding_retry = CASE
		WHEN excluded.embedding IS NULL AND fragments.content_hash = excluded.content_hash AND fragments.embedding IS NOT NULL
		THEN 0 ELSE excluded.embedding_retry END,
	embedding = CASE
		WHEN excluded.embedding IS NULL AND fragments.content_hash = excluded.content_hash
		THEN fragments.embedding ELSE excluded.embedding END,
	content_hash = excluded.content_hash,
	last_updated = excluded.last_updated
RETURNING id, embedding IS NOT NULL`

// vectorOp is an ANN change applied once its transaction commits.
type vectorOp struct {
	id     int64
	repo   string
	vec    []float32
	keep   bool // stored vector kept; index unchanged
	remove bool
}

func (s *Store) applyVectorOps(ops []vectorOp) {
	if s.ann == nil {
		return
	}
	for _, op := range ops {
		switch {
		case op.remove:
			s.ann.remove(op.id)
		case op.keep:
		default:
			if !s.ann.put(op.id, op.repo, op.vec) {
				s.logger.Warn("embedding dimension differs from index, exact scan only",
					slog.Int64("fragment_id", op.id),
					slog.Int("dimensions", len(op.vec)),
					slog.Int("index_dimensions", s.ann.dimensions()))
			}
		}
	}
}

func (s *Store) upsertFragment(ctx context.Context, q querier, f *Fragment) (int64, vectorOp, error) {
	meta := f.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, vectorOp{}, cerrors.InternalError("encode fragment metadata", err)
	}
	if f.LastUpdated.IsZero() {
		f.LastUpdated = s.now()
	}

	var (
		id       int64
		embedded bool
	)
	err = q.QueryRowContext(ctx, upsertFragmentSQL,
		f.RepoID, f.Path, f.StartLine, f.EndLine, f.StartByte, f.EndByte, string(f.Kind), f.Language,
		f.Symbol, f.Content, string(metaJSON), f.CommitSHA, f.ContentHash, encodeVector(f.Embedding),
		boolInt(f.EmbeddingRetry && f.Embedding == nil), toMillis(f.LastUpdated),
	).Scan(&id, &embedded)
	if err != nil {
		return 0, vectorOp{}, err
	}
	f.ID = id

	op := vectorOp{id: id, repo: f.RepoID, vec: f.Embedding}
	switch {
	case f.Embedding != nil:
	case embedded:
		op.keep = true
	default:
		op.remove = true
	}
	return id, op, nil
}

// UpsertFragments inserts or updates fragments keyed by (repo, path, start
// line). Existing rows keep their id. IDs are written back into frags.
func (s *Store) UpsertFragments(ctx context.Context, repoID string, frags []Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	var ops []vectorOp
	err := s.inTx(ctx, "upsert fragments", func(ctx context.Context, tx *sql.Tx) error {
		ops = ops[:0]
		for i := range frags {
			frags[i].RepoID = repoID
			_, op, err := s.upsertFragment(ctx, tx, &frags[i])
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.applyVectorOps(ops)
	return nil
}

// UpsertEdges replaces every edge of one fragment.
func (s *Store) UpsertEdges(ctx context.Context, fragmentID int64, edges []graph.Edge) error {
	return s.inTx(ctx, "upsert edges", func(ctx context.Context, tx *sql.Tx) error {
		_, err := replaceEdges(ctx, tx, fragmentID, edges)
		return err
	})
}

func replaceEdges(ctx context.Context, q querier, fragmentID int64, edges []graph.Edge) (int, error) {
	if _, err := q.ExecContext(ctx, "DELETE FROM edges WHERE fragment_id = ?", fragmentID); err != nil {
		return 0, err
	}
	for _, e := range edges {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO edges (fragment_id, kind, target, method, schema_ref) VALUES (?, ?, ?, ?, ?)",
			fragmentID, string(e.Kind), e.Target, e.Method, e.Schema); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}

// fileEdges returns the edges currently attached to fragments of one file.
func fileEdges(ctx context.Context, q querier, repoID, path string) ([]graph.Edge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.kind, e.target, e.method, e.schema_ref
		FROM edges e JOIN fragments f ON f.id = e.fragment_id
		WHERE f.repo_id = ? AND f.path = ?
		ORDER BY f.start_line, e.id`, repoID, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []graph.Edge
	for rows.Next() {
		e := graph.Edge{Fragment: -1}
		var kind string
		if err := rows.Scan(&kind, &e.Target, &e.Method, &e.Schema); err != nil {
			return nil, err
		}
		e.Kind = graph.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceFile makes the stored fragments of one file equal frags, in one
// transaction: fragments no longer present are deleted with their edges,
// the rest are upserted, and each fragment's edges are replaced by
// edgesByIndex[i]. Readers see either the old file or the new one.
func (s *Store) ReplaceFile(ctx context.Context, repoID, path string, frags []Fragment, edgesByIndex map[int][]graph.Edge) (*FileChange, error) {
	for i := range frags {
		if frags[i].Path != path {
			return nil, cerrors.ValidationError("fragment path does not match file", nil).
				WithDetail("path", path).
				WithDetail("fragment_path", frags[i].Path)
		}
	}

	change := &FileChange{Path: path}
	var ops []vectorOp
	err := s.inTx(ctx, "replace file", func(ctx context.Context, tx *sql.Tx) error {
		*change = FileChange{Path: path}
		ops = ops[:0]

		old, err := fileEdges(ctx, tx, repoID, path)
		if err != nil {
			return err
		}
		change.OldEdges = old

		keep := make(map[int]bool, len(frags))
		for i := range frags {
			keep[frags[i].StartLine] = true
		}
		existing, err := fragmentLines(ctx, tx, repoID, path)
		if err != nil {
			return err
		}
		for id, line := range existing {
			if keep[line] {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM fragments WHERE id = ?", id); err != nil {
				return err
			}
			ops = append(ops, vectorOp{id: id, remove: true})
			change.FragmentsDeleted++
		}

		for i := range frags {
			frags[i].RepoID = repoID
			id, op, err := s.upsertFragment(ctx, tx, &frags[i])
			if err != nil {
				return err
			}
			ops = append(ops, op)
			n, err := replaceEdges(ctx, tx, id, edgesByIndex[i])
			if err != nil {
				return err
			}
			change.EdgesWritten += n
			for _, e := range edgesByIndex[i] {
				e.Fragment = i
				change.NewEdges = append(change.NewEdges, e)
			}
		}
		change.FragmentsWritten = len(frags)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.applyVectorOps(ops)
	return change, nil
}

// DeleteFile removes every fragment of one file together with its edges.
func (s *Store) DeleteFile(ctx context.Context, repoID, path string) (*FileChange, error) {
	change := &FileChange{Path: path}
	var ids []int64
	err := s.inTx(ctx, "delete file", func(ctx context.Context, tx *sql.Tx) error {
		old, err := fileEdges(ctx, tx, repoID, path)
		if err != nil {
			return err
		}
		existing, err := fragmentLines(ctx, tx, repoID, path)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for id := range existing {
			ids = append(ids, id)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM fragments WHERE repo_id = ? AND path = ?", repoID, path); err != nil {
			return err
		}
		change.OldEdges = old
		change.FragmentsDeleted = len(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.ann != nil {
		s.ann.remove(ids...)
	}
	return change, nil
}

func fragmentLines(ctx context.Context, q querier, repoID, path string) (map[int64]int, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, start_line FROM fragments WHERE repo_id = ? AND path = ?", repoID, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]int)
	for rows.Next() {
		var (
			id   int64
			line int
		)
		if err := rows.Scan(&id, &line); err != nil {
			return nil, err
		}
		out[id] = line
	}
	return out, rows.Err()
}

// SetEmbeddings stores vectors for existing fragments and clears their
// retry flag. A nil vector keeps the fragment flagged for retry.
func (s *Store) SetEmbeddings(ctx context.Context, vectors map[int64][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ops []vectorOp
	err := s.inTx(ctx, "set embeddings", func(ctx context.Context, tx *sql.Tx) error {
		ops = ops[:0]
		for _, id := range ids {
			vec := vectors[id]
			var repo string
			err := tx.QueryRowContext(ctx, `
				UPDATE fragments SET embedding = ?, embedding_retry = ?, last_updated = ?
				WHERE id = ? RETURNING repo_id`,
				encodeVector(vec), boolInt(vec == nil), toMillis(s.now()), id).Scan(&repo)
			if stderrors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			ops = append(ops, vectorOp{id: id, repo: repo, vec: vec, remove: vec == nil})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.applyVectorOps(ops)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFragment(r rowScanner) (Fragment, error) {
	var (
		f       Fragment
		kind    string
		meta    string
		blob    []byte
		retry   int
		updated int64
	)
	if err := r.Scan(&f.ID, &f.RepoID, &f.Path, &f.StartLine, &f.EndLine, &f.StartByte, &f.EndByte,
		&kind, &f.Language, &f.Symbol, &f.Content, &meta, &f.CommitSHA, &f.ContentHash,
		&blob, &retry, &updated); err != nil {
		return Fragment{}, err
	}
	f.Kind = chunk.Kind(kind)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
			return Fragment{}, cerrors.New(cerrors.ErrCodeStoreRead, "decode fragment metadata", err).
				WithDetail("fragment_id", strconv.FormatInt(f.ID, 10))
		}
	}
	f.Embedding = decodeVector(blob)
	f.EmbeddingRetry = retry != 0
	f.LastUpdated = fromMillis(updated)
	return f, nil
}

func (s *Store) queryFragments(ctx context.Context, query string, args ...any) ([]Fragment, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("query fragments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, readError("scan fragment", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("query fragments", err)
	}
	return out, nil
}

// FindFragmentAt returns the fragment of a file starting at line.
func (s *Store) FindFragmentAt(ctx context.Context, repoID, path string, startLine int) (*Fragment, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+fragmentColumns+" FROM fragments WHERE repo_id = ? AND path = ? AND start_line = ?",
		repoID, path, startLine)
	f, err := scanFragment(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readError("find fragment", err)
	}
	return &f, nil
}

// FragmentsByPath returns the fragments of one file ordered by start line.
func (s *Store) FragmentsByPath(ctx context.Context, repoID, path string) ([]Fragment, error) {
	return s.queryFragments(ctx,
		"SELECT "+fragmentColumns+" FROM fragments WHERE repo_id = ? AND path = ? ORDER BY start_line",
		repoID, path)
}

// FragmentsByID loads fragments by id. Missing ids are skipped.
func (s *Store) FragmentsByID(ctx context.Context, ids []int64) (map[int64]Fragment, error) {
	out := make(map[int64]Fragment, len(ids))
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		frags, err := s.queryFragments(ctx,
			"SELECT "+fragmentColumns+" FROM fragments WHERE id IN ("+placeholders(len(args))+")", args...)
		if err != nil {
			return nil, err
		}
		for _, f := range frags {
			out[f.ID] = f
		}
	}
	return out, nil
}

// ListPaths returns the distinct file paths stored for a repository, sorted.
func (s *Store) ListPaths(ctx context.Context, repoID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT DISTINCT path FROM fragments WHERE repo_id = ? ORDER BY path", repoID)
	if err != nil {
		return nil, readError("list paths", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, readError("scan path", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByPath returns the number of fragments per path of a repository.
func (s *Store) CountByPath(ctx context.Context, repoID string) (map[string]int, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT path, COUNT(*) FROM fragments WHERE repo_id = ? GROUP BY path", repoID)
	if err != nil {
		return nil, readError("count fragments", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			p string
			n int
		)
		if err := rows.Scan(&p, &n); err != nil {
			return nil, readError("scan count", err)
		}
		out[p] = n
	}
	return out, rows.Err()
}

// EmbeddedHashes returns, for one file, the content hash of every fragment
// that already has an embedding, keyed by start line.
func (s *Store) EmbeddedHashes(ctx context.Context, repoID, path string) (map[int]string, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT start_line, content_hash FROM fragments
		WHERE repo_id = ? AND path = ? AND embedding IS NOT NULL`, repoID, path)
	if err != nil {
		return nil, readError("read content hashes", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]string)
	for rows.Next() {
		var (
			line int
			hash string
		)
		if err := rows.Scan(&line, &hash); err != nil {
			return nil, readError("scan content hash", err)
		}
		out[line] = hash
	}
	return out, rows.Err()
}

// FragmentsNeedingEmbedding returns up to limit fragments of a repository
// flagged for an embedding retry.
func (s *Store) FragmentsNeedingEmbedding(ctx context.Context, repoID string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryFragments(ctx,
		"SELECT "+fragmentColumns+" FROM fragments WHERE repo_id = ? AND embedding_retry = 1 ORDER BY id LIMIT ?",
		repoID, limit)
}
