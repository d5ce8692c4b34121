package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

const (
	busyTimeout = 5 * time.Second
	readConns   = 4
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = cerrors.New(cerrors.ErrCodeNotFound, "not found", nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed fragment store. It is safe for concurrent use:
// writes go through a single connection, reads through a small pool that
// WAL lets run alongside the writer.
type Store struct {
	db     *sql.DB
	read   *sql.DB
	path   string
	cfg    config.StoreConfig
	ann    *vectorIndex
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the store at path and migrates it. With the "hnsw"
// vector index the ANN graph is rebuilt from stored embeddings.
func Open(ctx context.Context, path string, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, cerrors.ValidationError("store path is empty", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cerrors.StoreError("create store directory", err).WithDetail("path", path)
	}

	db, err := sql.Open(DriverName, buildDSN(path, busyTimeout, false))
	if err != nil {
		return nil, cerrors.StoreError("open database", err).WithDetail("path", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cerrors.StoreError("connect to database", err).WithDetail("path", path)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, cerrors.New(cerrors.ErrCodeStoreMigration, "migrate database", err).WithDetail("path", path)
	}

	read, err := sql.Open(DriverName, buildDSN(path, busyTimeout, true))
	if err != nil {
		_ = db.Close()
		return nil, cerrors.StoreError("open read pool", err).WithDetail("path", path)
	}
	read.SetMaxOpenConns(readConns)

	s := &Store{
		db:     db,
		read:   read,
		path:   path,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	if cfg.VectorIndex != "exact" {
		s.ann = newVectorIndex(cfg.HNSWM, cfg.HNSWEfSearch)
		if err := s.loadVectors(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	logger.Info("store opened",
		slog.String("path", path),
		slog.String("driver", DriverName),
		slog.String("vector_index", s.vectorMode()))
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return stderrors.Join(s.read.Close(), s.db.Close())
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) vectorMode() string {
	if s.ann == nil {
		return "exact"
	}
	return "hnsw"
}

func (s *Store) loadVectors(ctx context.Context) error {
	rows, err := s.read.QueryContext(ctx,
		"SELECT id, repo_id, embedding FROM fragments WHERE embedding IS NOT NULL")
	if err != nil {
		return readError("load vectors", err)
	}
	defer func() { _ = rows.Close() }()

	loaded, skipped := 0, 0
	for rows.Next() {
		var (
			id   int64
			repo string
			blob []byte
		)
		if err := rows.Scan(&id, &repo, &blob); err != nil {
			return readError("scan vector", err)
		}
		if s.ann.put(id, repo, decodeVector(blob)) {
			loaded++
		} else {
			skipped++
		}
	}
	if err := rows.Err(); err != nil {
		return readError("load vectors", err)
	}
	if skipped > 0 {
		s.logger.Warn("vectors with mismatched dimensions left to exact scan",
			slog.Int("skipped", skipped),
			slog.Int("dimensions", s.ann.dimensions()))
	}
	s.logger.Debug("vector index rebuilt", slog.Int("vectors", loaded))
	return nil
}

// inTx runs fn in one write transaction bounded by the write timeout.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeError(op, err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if _, ok := cerrors.As(err); ok {
			return err
		}
		return writeError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return writeError(op, err)
	}
	return nil
}

// writeError classifies a failed write. Lock contention maps to the busy
// code; both are retryable.
func writeError(op string, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	code := cerrors.ErrCodeStoreWrite
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		code = cerrors.ErrCodeStoreBusy
	}
	return cerrors.New(code, op, err).AsRetryable(true)
}

func readError(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return cerrors.New(cerrors.ErrCodeStoreRead, op, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Stats summarizes store contents.
type Stats struct {
	Repositories int
	Fragments    int
	Embedded     int
	Edges        int
	Vectors      int
}

// Stats counts rows across the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.read.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repositories),
			(SELECT COUNT(*) FROM fragments),
			(SELECT COUNT(*) FROM fragments WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM edges)`).
		Scan(&st.Repositories, &st.Fragments, &st.Embedded, &st.Edges)
	if err != nil {
		return Stats{}, readError("count rows", err)
	}
	if s.ann != nil {
		st.Vectors = s.ann.len()
	}
	return st, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%s, %s)", s.path, s.vectorMode())
}
