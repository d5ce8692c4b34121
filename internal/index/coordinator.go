// Package index runs indexing jobs: it fetches a repository snapshot,
// extracts fragments and structural edges, embeds them and persists the
// result one file per transaction.
//
// The Coordinator owns job rows and each repository's last-indexed commit.
// At most one job per repository is pending or running at any time; further
// requests for that repository return the existing job id.
package index

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/config"
	"github.com/Aman-CERP/crossctx/internal/embed"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/source"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// terminalAttempts is the least number of tries a job's final state write gets.
const terminalAttempts = 3

// Store is the slice of the fragment store the coordinator writes through.
type Store interface {
	UpsertRepository(ctx context.Context, repo store.Repository) (*store.Repository, error)
	GetRepository(ctx context.Context, id string) (*store.Repository, error)

	CreateJob(ctx context.Context, job *store.Job) error
	UpdateJob(ctx context.Context, job *store.Job) error
	AppendTransition(ctx context.Context, job *store.Job, t store.Transition) error
	FinishJob(ctx context.Context, job *store.Job, advanceCommit bool) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	LatestJob(ctx context.Context, repoID string) (*store.Job, error)
	ActiveJob(ctx context.Context, repoID string) (*store.Job, error)
	AbandonActiveJobs(ctx context.Context, reason string) (int, error)

	ListPaths(ctx context.Context, repoID string) ([]string, error)
	EmbeddedHashes(ctx context.Context, repoID, path string) (map[int]string, error)
	ReplaceFile(ctx context.Context, repoID, path string, frags []store.Fragment, edgesByIndex map[int][]graph.Edge) (*store.FileChange, error)
	DeleteFile(ctx context.Context, repoID, path string) (*store.FileChange, error)
	FragmentsNeedingEmbedding(ctx context.Context, repoID string, limit int) ([]store.Fragment, error)
	SetEmbeddings(ctx context.Context, vectors map[int64][]float32) error
	CountEdgesByTarget(ctx context.Context, keys []graph.Key) (map[graph.Key]int, error)
}

var _ Store = (*store.Store)(nil)

// Deps are the collaborators of a Coordinator. Store, Fetcher, Dispatcher
// and Batch are required.
type Deps struct {
	Store      Store
	Fetcher    source.Fetcher
	Dispatcher *chunk.Dispatcher
	Batch      *embed.BatchGenerator
	Logger     *slog.Logger
	Metrics    *Metrics

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Coordinator schedules and runs indexing jobs.
type Coordinator struct {
	cfg   config.IndexingConfig
	deps  Deps
	log   *slog.Logger
	sem   *semaphore.Weighted
	now   func() time.Time
	retry cerrors.RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]*run // by repository
	runs   map[string]*run // by job id, until finished
}

// run is one in-flight job. snapshot is the latest published copy of the
// job for status readers; the job goroutine owns the working copy.
type run struct {
	jobID  string
	repoID string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	snapshot *store.Job

	// unsaved is set, under Coordinator.mu, when the terminal state could
	// not be written. The run then keeps its repository blocked.
	unsaved   *store.Job
	unsavedBy error
}

func (r *run) publish(job *store.Job) {
	c := cloneJob(job)
	r.mu.Lock()
	r.snapshot = c
	r.mu.Unlock()
}

func (r *run) current() *store.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.snapshot)
}

func cloneJob(j *store.Job) *store.Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Transitions = append([]store.Transition(nil), j.Transitions...)
	return &c
}

// NewCoordinator validates deps and returns a running coordinator.
func NewCoordinator(cfg config.IndexingConfig, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case deps.Batch == nil:
		return nil, fmt.Errorf("batch generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	retries := cfg.StoreRetries
	if retries < 0 {
		retries = 0
	}
	if cfg.FileBatch <= 0 {
		cfg.FileBatch = config.DefaultFileBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With(slog.String("component", "coordinator")),
		sem:  semaphore.NewWeighted(int64(workers)),
		now:  now,
		retry: cerrors.RetryPolicy{
			MaxAttempts:  retries + 1,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*run),
		runs:   make(map[string]*run),
	}, nil
}

// Register records a repository's clone URL and default branch ahead of
// its first job.
func (c *Coordinator) Register(ctx context.Context, repo store.Repository) (*store.Repository, error) {
	return c.deps.Store.UpsertRepository(ctx, repo)
}

// Recover marks jobs left pending or running by an earlier process as
// failed so they no longer block scheduling. Call it once at startup,
// before scheduling anything.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	n, err := c.deps.Store.AbandonActiveJobs(ctx, "abandoned by previous process")
	if n > 0 {
		c.log.Warn("recovered_stale_jobs", slog.Int("jobs", n))
	}
	return n, err
}

// ScheduleIncrementalIndex queues an incremental job for repoID at ref.
// Without a previous indexed commit the job runs as a full index.
func (c *Coordinator) ScheduleIncrementalIndex(ctx context.Context, repoID, ref string) (string, error) {
	return c.schedule(ctx, repoID, ref, store.JobIncremental)
}

// ScheduleFullIndex queues a full job for repoID at ref.
func (c *Coordinator) ScheduleFullIndex(ctx context.Context, repoID, ref string) (string, error) {
	return c.schedule(ctx, repoID, ref, store.JobFull)
}

func (c *Coordinator) schedule(ctx context.Context, repoID, ref string, kind store.JobKind) (string, error) {
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", cerrors.New(cerrors.ErrCodeCoordinatorOff, "coordinator is closed", nil)
	}
	if r, ok := c.active[repoID]; ok && r.unsaved != nil {
		if err := c.saveUnsaved(ctx, r); err != nil {
			return "", err
		}
	}
	if r, ok := c.active[repoID]; ok {
		c.deps.Metrics.jobCoalesced()
		c.log.Info("index_coalesced",
			slog.String("repo", repoID),
			slog.String("job_id", r.jobID),
			slog.String("requested_kind", string(kind)))
		return r.jobID, nil
	}

	// A job row another process left active also blocks scheduling.
	existing, err := c.deps.Store.ActiveJob(ctx, repoID)
	switch {
	case err == nil:
		c.deps.Metrics.jobCoalesced()
		c.log.Info("index_coalesced",
			slog.String("repo", repoID),
			slog.String("job_id", existing.ID),
			slog.String("owner", "store"))
		return existing.ID, nil
	case !stderrors.Is(err, store.ErrNotFound):
		return "", err
	}

	if _, err := c.deps.Store.GetRepository(ctx, repoID); stderrors.Is(err, store.ErrNotFound) {
		if _, err := c.deps.Store.UpsertRepository(ctx, store.Repository{ID: repoID}); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	job := &store.Job{
		ID:        uuid.NewString(),
		RepoID:    repoID,
		Kind:      kind,
		Ref:       ref,
		State:     store.JobPending,
		Stage:     store.StageIdle,
		CreatedAt: c.now(),
	}
	if err := c.deps.Store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{jobID: job.ID, repoID: repoID, cancel: cancel, done: make(chan struct{})}
	r.publish(job)
	c.active[repoID] = r
	c.runs[job.ID] = r
	c.deps.Metrics.jobStarted()

	c.log.Info("index_scheduled",
		slog.String("repo", repoID),
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.String("ref", ref))

	c.wg.Add(1)
	go c.run(runCtx, r, job)
	return job.ID, nil
}

func (c *Coordinator) run(ctx context.Context, r *run, job *store.Job) {
	defer c.wg.Done()
	defer close(r.done)
	defer r.cancel()

	started := c.now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.finish(r, job, cerrors.New(cerrors.ErrCodeJobCancelled, "job cancelled before start", err), false)
		c.deps.Metrics.jobFinished(job, c.now().Sub(started))
		return
	}
	defer c.sem.Release(1)

	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	p := newPipeline(c, r, job)
	err := p.execute(ctx)
	c.finish(r, job, err, p.countedErrors())
	c.deps.Metrics.jobFinished(job, c.now().Sub(started))
}

// finish decides the terminal state, writes it and releases the
// repository for the next job.
func (c *Coordinator) finish(r *run, job *store.Job, err error, withErrors bool) {
	switch {
	case err == nil && withErrors:
		job.State = store.JobCompletedWithErrors
	case err == nil:
		job.State = store.JobCompleted
	case stderrors.Is(err, context.Canceled) || cerrors.GetCode(err) == cerrors.ErrCodeJobCancelled:
		job.State = store.JobCancelled
		job.LastError = "cancelled"
	case stderrors.Is(err, context.DeadlineExceeded):
		job.State = store.JobFailed
		job.LastError = "job timed out"
	default:
		job.State = store.JobFailed
		job.LastError = err.Error()
	}
	job.CompletedAt = c.now()

	ferr := c.writeTerminal(job)
	if ferr != nil {
		c.log.Error("job_finish_failed",
			append([]any{slog.String("repo", job.RepoID), slog.String("job_id", job.ID)}, cerrors.LogAttrs(ferr)...)...)
	}
	r.publish(job)

	attrs := []any{
		slog.String("repo", job.RepoID),
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("state", string(job.State)),
		slog.String("head", job.HeadCommit),
		slog.Int("files_processed", job.Stats.FilesProcessed),
		slog.Int("files_deleted", job.Stats.FilesDeleted),
		slog.Int("fragments_written", job.Stats.FragmentsWritten),
		slog.Int("edges_written", job.Stats.EdgesWritten),
		slog.Int("parse_errors", job.Stats.ParseErrors),
		slog.Int("store_errors", job.Stats.StoreErrors),
		slog.Int("embeddings_failed", job.Stats.EmbeddingsFailed),
		slog.Int64("duration_ms", job.CompletedAt.Sub(job.CreatedAt).Milliseconds()),
	}
	if job.State == store.JobFailed {
		c.log.Error("index_failed", append(attrs, slog.String("error", job.LastError))...)
	} else {
		c.log.Info("index_complete", attrs...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ferr != nil {
		// The row still reads as running; keep the repository blocked until
		// a later schedule call manages to write it.
		r.unsaved, r.unsavedBy = job, ferr
		return
	}
	c.release(r)
}

// release forgets r. The caller holds c.mu.
func (c *Coordinator) release(r *run) {
	if c.active[r.repoID] == r {
		delete(c.active, r.repoID)
	}
	delete(c.runs, r.jobID)
}

// writeTerminal records the final state of job, retrying transient store
// failures. The job context may be gone; the write must still happen.
func (c *Coordinator) writeTerminal(job *store.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	policy := c.retry
	policy.MaxAttempts = max(policy.MaxAttempts, terminalAttempts)
	return cerrors.Retry(ctx, policy, func(ctx context.Context) error {
		return c.deps.Store.FinishJob(ctx, job, job.State.Succeeded())
	})
}

// saveUnsaved makes one more attempt at the terminal write of a finished
// run and releases its repository on success. The caller holds c.mu.
func (c *Coordinator) saveUnsaved(ctx context.Context, r *run) error {
	if err := c.deps.Store.FinishJob(ctx, r.unsaved, r.unsaved.State.Succeeded()); err != nil {
		r.unsavedBy = err
		return cerrors.StoreError("previous job finished but its final state is not saved", err).
			WithDetail("job_id", r.jobID)
	}
	c.log.Info("job_finish_recovered", slog.String("repo", r.repoID), slog.String("job_id", r.jobID))
	r.publish(r.unsaved)
	r.unsaved, r.unsavedBy = nil, nil
	c.release(r)
	return nil
}

// GetIndexingStatus returns the running job of a repository, or its most
// recent one when none is running.
func (c *Coordinator) GetIndexingStatus(ctx context.Context, repoID string) (*store.Job, error) {
	if _, _, err := store.ParseRepoID(repoID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	r, ok := c.active[repoID]
	c.mu.Unlock()
	if ok {
		return r.current(), nil
	}

	job, err := c.deps.Store.LatestJob(ctx, repoID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, cerrors.New(cerrors.ErrCodeNotFound, "repository has no indexing jobs", nil).
			WithDetail("repo", repoID)
	}
	return job, err
}

// Cancel stops the active job of repoID. It reports whether one was found.
// Files already persisted stay; the file in flight is either fully written
// or untouched.
func (c *Coordinator) Cancel(repoID string) bool {
	c.mu.Lock()
	r, ok := c.active[repoID]
	c.mu.Unlock()
	if ok {
		c.log.Info("index_cancel_requested", slog.String("repo", repoID), slog.String("job_id", r.jobID))
		r.cancel()
	}
	return ok
}

// Wait blocks until jobID is terminal and returns its final row.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (*store.Job, error) {
	c.mu.Lock()
	r, ok := c.runs[jobID]
	c.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		unsaved := r.unsavedBy
		c.mu.Unlock()
		if unsaved != nil {
			return r.current(), cerrors.StoreError("job finished but its final state is not saved", unsaved).
				WithDetail("job_id", jobID)
		}
	}
	return c.deps.Store.GetJob(ctx, jobID)
}

// Close cancels running jobs, waits for them to record their final state
// and rejects further scheduling.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
