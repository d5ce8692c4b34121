package index

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/embed"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/graph"
	"github.com/Aman-CERP/crossctx/internal/source"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// progressEvery is how many persisted files pass between job row updates.
const progressEvery = 50

// retryBatch caps how many previously failed embeddings one job retries.
const retryBatch = 512

// pipeline executes one job. Changed files go through extract, embed and
// persist in groups of FileBatch; each persisted file is its own
// transaction, so a job that stops midway leaves whole files.
type pipeline struct {
	c   *Coordinator
	r   *run
	job *store.Job
	log *slog.Logger

	stage      store.Stage
	stageStart time.Time

	// touched holds every path this job wrote or removed.
	touched map[string]bool
	// edgeKeys holds the edge keys whose edge set changed.
	edgeKeys map[graph.Key]bool
	written  int
}

// plan is the file work of one job.
type plan struct {
	changed []string
	removed []string
}

// extracted is one file ready to persist.
type extracted struct {
	path  string
	frags []store.Fragment
	edges map[int][]graph.Edge
}

func newPipeline(c *Coordinator, r *run, job *store.Job) *pipeline {
	return &pipeline{
		c:        c,
		r:        r,
		job:      job,
		log:      c.log.With(slog.String("repo", job.RepoID), slog.String("job_id", job.ID)),
		touched:  make(map[string]bool),
		edgeKeys: make(map[graph.Key]bool),
	}
}

func (p *pipeline) countedErrors() bool {
	return p.job.Stats.CountedErrors() > 0
}

func (p *pipeline) execute(ctx context.Context) error {
	defer p.leaveStage()
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := p.c.deps.Store.GetRepository(ctx, p.job.RepoID)
	if err != nil {
		return err
	}

	p.job.StartedAt = p.c.now()
	if err := p.enter(ctx, store.StageCloning); err != nil {
		return err
	}
	snap, err := p.c.deps.Fetcher.Snapshot(ctx, source.Repo{
		ID:       repo.ID,
		CloneURL: repo.CloneURL,
		Branch:   repo.DefaultBranch,
	}, p.job.Ref)
	if err != nil {
		return fetchFailure(ctx, "snapshot failed", err)
	}
	defer snap.Close()
	p.job.HeadCommit = snap.Commit

	pl, err := p.plan(ctx, repo, snap)
	if err != nil {
		return err
	}
	p.job.Stats.FilesTotal = len(pl.changed) + len(pl.removed)
	p.r.publish(p.job)
	p.log.Info("index_planned",
		slog.String("base", p.job.BaseCommit),
		slog.String("head", p.job.HeadCommit),
		slog.Int("changed", len(pl.changed)),
		slog.Int("removed", len(pl.removed)),
		slog.Int("skipped", p.job.Stats.FilesSkipped))

	removed := pl.removed
	for _, paths := range fileBatches(pl.changed, p.c.cfg.FileBatch) {
		if err := p.runBatch(ctx, snap, paths, removed); err != nil {
			return err
		}
		removed = nil
	}
	p.reportEdges(ctx, p.changedKeys())
	p.retryEmbeddings(ctx)

	return p.checkErrorRate()
}

// runBatch takes one group of changed files through every stage. Removals
// are persisted ahead of the group's writes.
func (p *pipeline) runBatch(ctx context.Context, snap *source.Snapshot, paths, removed []string) error {
	if err := p.enter(ctx, store.StageExtracting); err != nil {
		return err
	}
	files, err := p.extract(ctx, snap, paths)
	if err != nil {
		return err
	}

	if err := p.enter(ctx, store.StageEmbedding); err != nil {
		return err
	}
	if err := p.embed(ctx, files); err != nil {
		return err
	}

	if err := p.enter(ctx, store.StagePersisting); err != nil {
		return err
	}
	return p.persist(ctx, removed, files)
}

// fileBatches splits paths into groups of at most size. It always yields
// one group so a job with nothing changed still passes every stage.
func fileBatches(paths []string, size int) [][]string {
	if len(paths) == 0 || size <= 0 {
		return [][]string{paths}
	}
	out := make([][]string, 0, (len(paths)+size-1)/size)
	for start := 0; start < len(paths); start += size {
		out = append(out, paths[start:min(start+size, len(paths))])
	}
	return out
}

// plan picks the files to process. An incremental job diffs against the
// last indexed commit and falls back to a full listing when there is no
// usable base.
func (p *pipeline) plan(ctx context.Context, repo *store.Repository, snap *source.Snapshot) (plan, error) {
	if p.job.Kind == store.JobIncremental && repo.LastIndexedCommit != "" {
		p.job.BaseCommit = repo.LastIndexedCommit
		if p.job.BaseCommit == snap.Commit {
			return plan{}, nil
		}
		delta, err := p.c.deps.Fetcher.ChangedFiles(ctx, snap, p.job.BaseCommit)
		switch {
		case err == nil:
			return p.filter(delta.Changed(), delta.Removed()), nil
		case stderrors.Is(err, source.ErrBaseNotFound):
			p.log.Warn("index_base_missing",
				slog.String("base", p.job.BaseCommit),
				slog.String("fallback", string(store.JobFull)))
		default:
			return plan{}, fetchFailure(ctx, "diff failed", err)
		}
	}

	listed, err := p.c.deps.Fetcher.ListFiles(ctx, snap)
	if err != nil {
		return plan{}, fetchFailure(ctx, "list files failed", err)
	}
	stored, err := p.c.deps.Store.ListPaths(ctx, p.job.RepoID)
	if err != nil {
		return plan{}, err
	}
	present := make(map[string]bool, len(listed))
	for _, path := range listed {
		present[path] = true
	}
	var gone []string
	for _, path := range stored {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	return p.filter(listed, gone), nil
}

// filter drops changed files no extractor handles. Removals are kept
// whatever their extension; a path only has rows if it was indexed.
func (p *pipeline) filter(changed, removed []string) plan {
	out := plan{removed: removed}
	for _, path := range changed {
		if p.c.deps.Dispatcher.Supports(path) {
			out.changed = append(out.changed, path)
		} else {
			p.job.Stats.FilesSkipped++
		}
	}
	return out
}

func (p *pipeline) extract(ctx context.Context, snap *source.Snapshot, paths []string) ([]extracted, error) {
	inputs := make([]chunk.FileInput, 0, len(paths))
	for _, path := range paths {
		data, err := p.c.deps.Fetcher.ReadFile(ctx, snap, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.parseFailed(path, err)
			continue
		}
		inputs = append(inputs, chunk.FileInput{Path: path, Content: data})
	}

	results, sum, err := p.c.deps.Dispatcher.ExtractAll(ctx, inputs)
	if err != nil {
		return nil, err
	}
	p.log.Debug("extract_complete",
		slog.Int("files", sum.Files),
		slog.Int("fragments", sum.Fragments),
		slog.Int("parse_errors", sum.ParseErrors))

	files := make([]extracted, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			p.job.Stats.ParseErrors++
			p.c.deps.Metrics.fileError(true)
			continue
		}
		frags := make([]store.Fragment, len(res.Fragments))
		for i, f := range res.Fragments {
			frags[i] = store.FromChunk(p.job.RepoID, p.job.HeadCommit, f)
		}
		files = append(files, extracted{
			path:  res.Path,
			frags: frags,
			edges: graph.ByFragment(graph.Derive(res.Fragments)),
		})
	}
	return files, nil
}

func (p *pipeline) parseFailed(path string, err error) {
	p.job.Stats.ParseErrors++
	p.c.deps.Metrics.fileError(true)
	p.log.Warn("file_skipped", append([]any{slog.String("path", path)}, cerrors.LogAttrs(err)...)...)
}

// embed requests vectors for every fragment whose content differs from
// what is already embedded at the same position. Fragments whose batch
// fails are persisted without a vector and flagged for retry. Truncation
// metadata is set on every fragment, embedded now or not, because a write
// replaces the stored metadata.
func (p *pipeline) embed(ctx context.Context, files []extracted) error {
	type slot struct{ file, frag int }
	var (
		slots []slot
		texts []string
	)
	for i := range files {
		hashes, err := p.c.deps.Store.EmbeddedHashes(ctx, p.job.RepoID, files[i].path)
		if err != nil {
			return err
		}
		for j := range files[i].frags {
			f := &files[i].frags[j]
			if meta := p.c.deps.Batch.Truncation(f.Content); meta != nil {
				merged := make(map[string]string, len(f.Metadata)+len(meta))
				maps.Copy(merged, f.Metadata)
				maps.Copy(merged, meta)
				f.Metadata = merged
			}
			if h, ok := hashes[f.StartLine]; ok && h == f.ContentHash {
				continue
			}
			slots = append(slots, slot{i, j})
			texts = append(texts, f.Content)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	results := p.c.deps.Batch.Embed(ctx, texts)
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, res := range results {
		f := &files[slots[k].file].frags[slots[k].frag]
		switch {
		case res.Err != nil:
			f.EmbeddingRetry = true
			p.job.Stats.EmbeddingsFailed++
		case res.Vector != nil:
			f.Embedding = res.Vector
		}
	}
	p.log.Debug("embed_complete",
		slog.Int("requested", len(texts)),
		slog.Int("failed", embed.Failed(results)))
	return nil
}

// persist removes deleted files, then replaces changed ones, one
// transaction per file.
func (p *pipeline) persist(ctx context.Context, removed []string, files []extracted) error {
	step := func(path string, deleted bool, write func(ctx context.Context) (*store.FileChange, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var change *store.FileChange
		err := cerrors.Retry(ctx, p.c.retry, func(ctx context.Context) error {
			var err error
			change, err = write(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.job.Stats.StoreErrors++
			p.c.deps.Metrics.fileError(false)
			p.log.Error("file_write_failed", append([]any{slog.String("path", path)}, cerrors.LogAttrs(err)...)...)
			return nil
		}

		p.touched[path] = true
		if deleted {
			p.job.Stats.FilesDeleted++
		} else {
			p.job.Stats.FilesProcessed++
			p.job.Stats.FragmentsWritten += change.FragmentsWritten
			p.job.Stats.EdgesWritten += change.EdgesWritten
		}
		p.c.deps.Metrics.file(change, deleted)
		for _, k := range graph.ChangedTargets(change.OldEdges, change.NewEdges) {
			p.edgeKeys[k] = true
		}

		p.written++
		p.r.publish(p.job)
		if p.written%progressEvery == 0 {
			if err := p.c.deps.Store.UpdateJob(ctx, p.job); err != nil && ctx.Err() == nil {
				p.log.Warn("job_progress_write_failed", cerrors.LogAttrs(err)...)
			}
		}
		return nil
	}

	for _, path := range removed {
		err := step(path, true, func(ctx context.Context) (*store.FileChange, error) {
			return p.c.deps.Store.DeleteFile(ctx, p.job.RepoID, path)
		})
		if err != nil {
			return err
		}
	}
	for i := range files {
		f := &files[i]
		err := step(f.path, false, func(ctx context.Context) (*store.FileChange, error) {
			return p.c.deps.Store.ReplaceFile(ctx, p.job.RepoID, f.path, f.frags, f.edges)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// changedKeys returns the changed edge keys in a stable order.
func (p *pipeline) changedKeys() []graph.Key {
	keys := make([]graph.Key, 0, len(p.edgeKeys))
	for k := range p.edgeKeys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Target < keys[j].Target
	})
	return keys
}

// reportEdges logs the edge keys this job changed together with how many
// edges now share each key across all repositories. A key at zero no
// longer links anything.
func (p *pipeline) reportEdges(ctx context.Context, keys []graph.Key) {
	if len(keys) == 0 {
		return
	}
	counts, err := p.c.deps.Store.CountEdgesByTarget(ctx, keys)
	if err != nil {
		p.log.Warn("edge_report_failed", cerrors.LogAttrs(err)...)
		return
	}
	dangling := 0
	for _, k := range keys {
		n := counts[k]
		if n == 0 {
			dangling++
		}
		p.log.Debug("edge_target_changed", slog.String("key", k.String()), slog.Int("edges", n))
	}
	p.log.Info("edges_changed", slog.Int("targets", len(keys)), slog.Int("dangling", dangling))
}

// retryEmbeddings embeds fragments an earlier job left without a vector.
// Fragments written by this job are skipped; they just had their attempt.
func (p *pipeline) retryEmbeddings(ctx context.Context) {
	pending, err := p.c.deps.Store.FragmentsNeedingEmbedding(ctx, p.job.RepoID, retryBatch)
	if err != nil {
		p.log.Warn("embedding_retry_failed", cerrors.LogAttrs(err)...)
		return
	}
	var (
		ids   []int64
		texts []string
	)
	for _, f := range pending {
		if p.touched[f.Path] {
			continue
		}
		ids = append(ids, f.ID)
		texts = append(texts, f.Content)
	}
	if len(texts) == 0 {
		return
	}

	results := p.c.deps.Batch.Embed(ctx, texts)
	vectors := make(map[int64][]float32, len(results))
	for i, res := range results {
		if res.Err == nil && res.Vector != nil {
			vectors[ids[i]] = res.Vector
		}
	}
	if err := p.c.deps.Store.SetEmbeddings(ctx, vectors); err != nil {
		p.log.Warn("embedding_retry_failed", cerrors.LogAttrs(err)...)
		return
	}
	p.log.Info("embedding_retry_complete",
		slog.Int("attempted", len(texts)),
		slog.Int("embedded", len(vectors)))
}

// checkErrorRate fails the job when too many of its files were skipped.
// Files written before the check stay written.
func (p *pipeline) checkErrorRate() error {
	s := p.job.Stats
	if s.FilesTotal == 0 {
		return nil
	}
	rate := float64(s.ParseErrors+s.StoreErrors) / float64(s.FilesTotal)
	if rate <= p.c.cfg.ErrorRateThreshold {
		return nil
	}
	return cerrors.New(cerrors.ErrCodeErrorRate,
		fmt.Sprintf("%.0f%% of files failed", rate*100), nil).
		WithDetail("parse_errors", fmt.Sprint(s.ParseErrors)).
		WithDetail("store_errors", fmt.Sprint(s.StoreErrors)).
		WithDetail("files_total", fmt.Sprint(s.FilesTotal))
}

// enter records a stage transition and closes the timing of the previous one.
func (p *pipeline) enter(ctx context.Context, stage store.Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.leaveStage()
	err := p.c.deps.Store.AppendTransition(ctx, p.job, store.Transition{
		Stage: stage,
		State: store.JobRunning,
		At:    p.c.now(),
	})
	if err != nil {
		return err
	}
	p.stage, p.stageStart = stage, time.Now()
	p.r.publish(p.job)
	p.log.Debug("stage_entered", slog.String("stage", string(stage)))
	return nil
}

func (p *pipeline) leaveStage() {
	if p.stage != "" && p.stage != store.StageIdle {
		p.c.deps.Metrics.stage(p.stage, time.Since(p.stageStart))
	}
	p.stage = ""
}

// fetchFailure keeps context errors as they are so the job ends cancelled
// or timed out rather than failed on fetch.
func fetchFailure(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ce, ok := cerrors.As(err); ok && ce.Category == cerrors.CategoryFetch {
		return ce
	}
	return cerrors.FetchError(msg, err)
}
