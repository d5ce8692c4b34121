// Package trigger schedules incremental indexing when a branch of a local
// git repository moves. It watches <root>/<org>/<name> repositories, the
// layout of a directory of bare repositories receiving pushes, and falls
// back to polling when fsnotify is unavailable.
package trigger

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// Scheduler receives the debounced updates. *index.Coordinator satisfies it.
type Scheduler interface {
	ScheduleIncrementalIndex(ctx context.Context, repoID, ref string) (string, error)
}

// Options configures the trigger.
type Options struct {
	// DebounceWindow is the quiet period before a repository is scheduled.
	// Default: 2s
	DebounceWindow time.Duration

	// PollInterval is the scan interval in polling mode.
	// Default: 10s
	PollInterval time.Duration

	// Branches restricts which heads schedule a run. Empty means any.
	Branches []string

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default trigger options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 2 * time.Second,
		PollInterval:   10 * time.Second,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	return o
}

// Trigger watches a root of repositories and schedules index runs.
type Trigger struct {
	root      string
	scheduler Scheduler
	opts      Options
	logger    *slog.Logger
	debouncer *Debouncer

	mu      sync.Mutex
	mirrors map[string]Mirror // by GitDir
	fsw     *fsnotify.Watcher
}

// New creates a trigger over root.
func New(root string, scheduler Scheduler, opts Options, logger *slog.Logger) (*Trigger, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}
	if !isDir(abs) {
		return nil, cerrors.ConfigError("watch root is not a directory", nil).WithDetail("path", abs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithDefaults()
	logger = logger.With(slog.String("component", "trigger"))
	return &Trigger{
		root:      abs,
		scheduler: scheduler,
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		mirrors:   make(map[string]Mirror),
	}, nil
}

// Mirrors returns the repositories currently watched, sorted by RepoID.
func (t *Trigger) Mirrors() []Mirror {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mirror, 0, len(t.mirrors))
	for _, m := range t.mirrors {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Mirror) int { return strings.Compare(a.RepoID, b.RepoID) })
	return out
}

// Run watches until ctx is done. Updates still in the debounce window when
// ctx ends are dropped.
func (t *Trigger) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.forward(ctx)
	}()
	defer func() {
		t.debouncer.Stop()
		wg.Wait()
	}()

	if !t.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			t.mu.Lock()
			t.fsw = fsw
			t.mu.Unlock()
			defer fsw.Close()
			return t.watch(ctx, fsw)
		}
		t.logger.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
	}
	return t.poll(ctx)
}

func (t *Trigger) watch(ctx context.Context, fsw *fsnotify.Watcher) error {
	if err := fsw.Add(t.root); err != nil {
		return fmt.Errorf("watch %s: %w", t.root, err)
	}
	t.rescan()
	t.logger.Info("trigger_started",
		slog.String("root", t.root),
		slog.String("mode", "fsnotify"),
		slog.Int("mirrors", len(t.Mirrors())))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			t.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// rescan discovers mirrors and adds watches for new ones. Org directories
// and the directories a repository is created through are watched too, so
// repositories created later are picked up.
func (t *Trigger) rescan() {
	t.mu.Lock()
	defer t.mu.Unlock()

	orgs, _ := os.ReadDir(t.root)
	for _, org := range orgs {
		if !org.IsDir() || strings.HasPrefix(org.Name(), ".") {
			continue
		}
		orgDir := filepath.Join(t.root, org.Name())
		t.add(orgDir)
		names, _ := os.ReadDir(orgDir)
		for _, name := range names {
			if !name.IsDir() {
				continue
			}
			dir := filepath.Join(orgDir, name.Name())
			for _, p := range []string{dir, filepath.Join(dir, "refs"), filepath.Join(dir, ".git"), filepath.Join(dir, ".git", "refs")} {
				if isDir(p) {
					t.add(p)
				}
			}
		}
	}

	found, err := Discover(t.root)
	if err != nil {
		t.logger.Warn("discover_failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range found {
		if _, known := t.mirrors[m.GitDir]; known {
			continue
		}
		t.mirrors[m.GitDir] = m
		t.add(m.GitDir)
		_ = filepath.WalkDir(m.RefsDir(), func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				t.add(path)
			}
			return nil
		})
		t.logger.Debug("mirror_watched", slog.String("repo", m.RepoID), slog.String("git_dir", m.GitDir))
	}
}

// add watches dir when running on fsnotify. Must be called with mu held.
func (t *Trigger) add(dir string) {
	if t.fsw == nil {
		return
	}
	if err := t.fsw.Add(dir); err != nil {
		t.logger.Debug("watch_add_failed", slog.String("path", dir), slog.String("error", err.Error()))
	}
}

func (t *Trigger) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	if ev.Has(fsnotify.Create) && isDir(ev.Name) {
		if m, ok := t.mirrorFor(ev.Name); ok {
			// new branch namespace, e.g. refs/heads/feature
			if strings.HasPrefix(ev.Name, m.RefsDir()) {
				t.mu.Lock()
				t.add(ev.Name)
				t.mu.Unlock()
			}
		} else {
			t.rescan()
		}
		return
	}

	m, ok := t.mirrorFor(ev.Name)
	if !ok {
		return
	}
	branch, ok := refChange(m, ev.Name)
	if !ok {
		return
	}
	t.record(m, branch)
}

func (t *Trigger) record(m Mirror, branch string) {
	if branch != "" && len(t.opts.Branches) > 0 && !slices.Contains(t.opts.Branches, branch) {
		return
	}
	t.logger.Debug("ref_changed", slog.String("repo", m.RepoID), slog.String("branch", branch))
	t.debouncer.Add(RefEvent{RepoID: m.RepoID, Branch: branch, At: time.Now()})
}

func (t *Trigger) mirrorFor(path string) (Mirror, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dir, m := range t.mirrors {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return m, true
		}
	}
	return Mirror{}, false
}

// forward schedules every debounced batch. The default branch is indexed
// regardless of which head moved.
func (t *Trigger) forward(ctx context.Context) {
	for batch := range t.debouncer.Output() {
		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			jobID, err := t.scheduler.ScheduleIncrementalIndex(ctx, ev.RepoID, "")
			if err != nil {
				t.logger.Warn("trigger_schedule_failed",
					append([]any{slog.String("repo", ev.RepoID)}, cerrors.LogAttrs(err)...)...)
				continue
			}
			t.logger.Info("index_triggered",
				slog.String("repo", ev.RepoID),
				slog.String("branch", ev.Branch),
				slog.String("job_id", jobID))
		}
	}
}
