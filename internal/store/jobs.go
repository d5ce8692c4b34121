package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// UpsertRepository creates the repository row on first use. Later calls
// refresh the clone URL and default branch when given but never touch the
// indexed commit.
func (s *Store) UpsertRepository(ctx context.Context, repo Repository) (*Repository, error) {
	org, name, err := ParseRepoID(repo.ID)
	if err != nil {
		return nil, err
	}
	now := toMillis(s.now())
	err = s.inTx(ctx, "upsert repository", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO repositories (id, org, name, clone_url, default_branch, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				clone_url = CASE WHEN excluded.clone_url != '' THEN excluded.clone_url ELSE repositories.clone_url END,
				default_branch = CASE WHEN excluded.default_branch != '' THEN excluded.default_branch ELSE repositories.default_branch END,
				updated_at = excluded.updated_at`,
			repo.ID, org, name, repo.CloneURL, repo.DefaultBranch, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetRepository(ctx, repo.ID)
}

// GetRepository returns ErrNotFound for unknown ids.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var (
		r        Repository
		indexed  int64
		created  int64
		archived int
	)
	err := s.read.QueryRowContext(ctx, `
		SELECT id, org, name, clone_url, default_branch, last_indexed_commit, last_indexed_at, archived, created_at
		FROM repositories WHERE id = ?`, id).
		Scan(&r.ID, &r.Org, &r.Name, &r.CloneURL, &r.DefaultBranch, &r.LastIndexedCommit, &indexed, &archived, &created)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readError("get repository", err)
	}
	r.LastIndexedAt = fromMillis(indexed)
	r.CreatedAt = fromMillis(created)
	r.Archived = archived != 0
	return &r, nil
}

// ListRepositories returns every non-archived repository sorted by id.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT id FROM repositories WHERE archived = 0 ORDER BY id")
	if err != nil {
		return nil, readError("list repositories", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, readError("scan repository", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	out := make([]Repository, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRepository(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// ArchiveRepository hides a repository from listings. Its rows stay.
func (s *Store) ArchiveRepository(ctx context.Context, id string) error {
	return s.inTx(ctx, "archive repository", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE repositories SET archived = 1, updated_at = ? WHERE id = ?", toMillis(s.now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateJob inserts a job and its first transition.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return cerrors.InternalError("encode job stats", err)
	}
	return s.inTx(ctx, "create job", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, repo_id, kind, ref, state, stage, started_at, completed_at, stats,
				last_error, base_commit, head_commit, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.RepoID, string(job.Kind), job.Ref, string(job.State), string(job.Stage),
			toMillis(job.StartedAt), toMillis(job.CompletedAt), string(stats), job.LastError,
			job.BaseCommit, job.HeadCommit, toMillis(job.CreatedAt)); err != nil {
			return err
		}
		t := Transition{Stage: job.Stage, State: job.State, At: job.CreatedAt, Note: "scheduled"}
		if err := insertTransition(ctx, tx, job.ID, t); err != nil {
			return err
		}
		job.Transitions = append(job.Transitions, t)
		return nil
	})
}

func updateJob(ctx context.Context, q querier, job *Job) error {
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return cerrors.InternalError("encode job stats", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET state = ?, stage = ?, started_at = ?, completed_at = ?, stats = ?,
			last_error = ?, base_commit = ?, head_commit = ?, kind = ?
		WHERE id = ?`,
		string(job.State), string(job.Stage), toMillis(job.StartedAt), toMillis(job.CompletedAt),
		string(stats), job.LastError, job.BaseCommit, job.HeadCommit, string(job.Kind), job.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertTransition(ctx context.Context, q querier, jobID string, t Transition) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO job_transitions (job_id, stage, state, at, note) VALUES (?, ?, ?, ?, ?)",
		jobID, string(t.Stage), string(t.State), toMillis(t.At), t.Note)
	return err
}

// UpdateJob writes the mutable columns of a job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	return s.inTx(ctx, "update job", func(ctx context.Context, tx *sql.Tx) error {
		return updateJob(ctx, tx, job)
	})
}

// AppendTransition records a stage or state change and updates the job row
// to match, in one transaction.
func (s *Store) AppendTransition(ctx context.Context, job *Job, t Transition) error {
	if t.At.IsZero() {
		t.At = s.now()
	}
	err := s.inTx(ctx, "append transition", func(ctx context.Context, tx *sql.Tx) error {
		job.Stage, job.State = t.Stage, t.State
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		return insertTransition(ctx, tx, job.ID, t)
	})
	if err != nil {
		return err
	}
	job.Transitions = append(job.Transitions, t)
	return nil
}

// FinishJob writes the terminal state of job. When advanceCommit is set
// the repository's last indexed commit moves to job.HeadCommit in the same
// transaction, so the pointer never runs ahead of or behind the job.
func (s *Store) FinishJob(ctx context.Context, job *Job, advanceCommit bool) error {
	if !job.State.Terminal() {
		return cerrors.ValidationError("job state is not terminal", nil).WithDetail("state", string(job.State))
	}
	if job.CompletedAt.IsZero() {
		job.CompletedAt = s.now()
	}
	t := Transition{Stage: StageIdle, State: job.State, At: job.CompletedAt, Note: job.LastError}
	err := s.inTx(ctx, "finish job", func(ctx context.Context, tx *sql.Tx) error {
		job.Stage = StageIdle
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, job.ID, t); err != nil {
			return err
		}
		if !advanceCommit {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE repositories SET last_indexed_commit = ?, last_indexed_at = ?, updated_at = ?
			WHERE id = ?`,
			job.HeadCommit, toMillis(job.CompletedAt), toMillis(job.CompletedAt), job.RepoID)
		return err
	})
	if err != nil {
		return err
	}
	job.Transitions = append(job.Transitions, t)
	return nil
}

const jobColumns = `id, repo_id, kind, ref, state, stage, started_at, completed_at, stats,
	last_error, base_commit, head_commit, created_at`

func (s *Store) loadJob(ctx context.Context, where string, args ...any) (*Job, error) {
	var (
		j                           Job
		kind, state, stage, stats   string
		started, completed, created int64
	)
	err := s.read.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE "+where, args...).
		Scan(&j.ID, &j.RepoID, &kind, &j.Ref, &state, &stage, &started, &completed, &stats,
			&j.LastError, &j.BaseCommit, &j.HeadCommit, &created)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readError("load job", err)
	}
	j.Kind, j.State, j.Stage = JobKind(kind), JobState(state), Stage(stage)
	j.StartedAt, j.CompletedAt, j.CreatedAt = fromMillis(started), fromMillis(completed), fromMillis(created)
	if err := json.Unmarshal([]byte(stats), &j.Stats); err != nil {
		return nil, cerrors.New(cerrors.ErrCodeStoreRead, "decode job stats", err).WithDetail("job", j.ID)
	}

	rows, err := s.read.QueryContext(ctx,
		"SELECT stage, state, at, note FROM job_transitions WHERE job_id = ? ORDER BY id", j.ID)
	if err != nil {
		return nil, readError("load transitions", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			t              Transition
			tStage, tState string
			at             int64
		)
		if err := rows.Scan(&tStage, &tState, &at, &t.Note); err != nil {
			return nil, readError("scan transition", err)
		}
		t.Stage, t.State, t.At = Stage(tStage), JobState(tState), fromMillis(at)
		j.Transitions = append(j.Transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("load transitions", err)
	}
	return &j, nil
}

// GetJob returns ErrNotFound for unknown ids.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.loadJob(ctx, "id = ?", id)
}

// LatestJob returns the most recently created job of a repository.
func (s *Store) LatestJob(ctx context.Context, repoID string) (*Job, error) {
	return s.loadJob(ctx, "repo_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1", repoID)
}

// ActiveJob returns the pending or running job of a repository, if any.
func (s *Store) ActiveJob(ctx context.Context, repoID string) (*Job, error) {
	return s.loadJob(ctx,
		"repo_id = ? AND state IN ('pending', 'running') ORDER BY created_at DESC, rowid DESC LIMIT 1", repoID)
}

// AbandonActiveJobs marks jobs left pending or running by a previous
// process as failed. It returns how many were changed.
func (s *Store) AbandonActiveJobs(ctx context.Context, reason string) (int, error) {
	var n int64
	now := toMillis(s.now())
	err := s.inTx(ctx, "abandon jobs", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_transitions (job_id, stage, state, at, note)
			SELECT id, 'idle', 'failed', ?, ? FROM jobs WHERE state IN ('pending', 'running')`,
			now, reason); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'failed', stage = 'idle', completed_at = ?, last_error = ?
			WHERE state IN ('pending', 'running')`, now, reason)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}
