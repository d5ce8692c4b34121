package source

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// CommandExecutor abstracts command execution for testing.
type CommandExecutor interface {
	// Run executes a command in dir and returns its stdout.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// ExecExecutor runs commands with os/exec.
type ExecExecutor struct{}

// Run executes a command; stderr is folded into the returned error.
func (ExecExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Never prompt for credentials; fail fast instead.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// GitOptions configures a GitFetcher.
type GitOptions struct {
	MirrorDir   string
	BaseURL     string
	GitBinary   string
	CloneDepth  int
	Timeout     time.Duration
	MaxAttempts int
	Exclude     []string
	Logger      *slog.Logger
}

// GitFetcher keeps a shallow mirror per repository and serves snapshots from it.
type GitFetcher struct {
	opts   GitOptions
	exec   CommandExecutor
	ignore *Matcher
	retry  cerrors.RetryPolicy
	logger *slog.Logger
}

var _ Fetcher = (*GitFetcher)(nil)

// NewGitFetcher creates a fetcher. A nil executor uses os/exec.
func NewGitFetcher(opts GitOptions, executor CommandExecutor) *GitFetcher {
	if opts.GitBinary == "" {
		opts.GitBinary = "git"
	}
	if opts.CloneDepth <= 0 {
		opts.CloneDepth = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if executor == nil {
		executor = ExecExecutor{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retry := cerrors.DefaultRetryPolicy()
	retry.MaxAttempts = opts.MaxAttempts
	retry.InitialDelay = time.Second

	return &GitFetcher{
		opts:   opts,
		exec:   executor,
		ignore: NewMatcher(opts.Exclude),
		retry:  retry,
		logger: logger,
	}
}

// SetRetryPolicy overrides the fetch retry policy (tests use a no-op sleep).
func (g *GitFetcher) SetRetryPolicy(p cerrors.RetryPolicy) {
	g.retry = p
}

// MirrorPath returns the directory holding repoID's mirror.
func (g *GitFetcher) MirrorPath(repoID string) string {
	return filepath.Join(g.opts.MirrorDir, filepath.FromSlash(repoID))
}

func (g *GitFetcher) cloneURL(repo Repo) string {
	if repo.CloneURL != "" {
		return repo.CloneURL
	}
	return strings.TrimSuffix(g.opts.BaseURL, "/") + "/" + repo.ID + ".git"
}

// Snapshot clones the mirror on first use, fetches ref and checks it out.
// The returned snapshot holds the mirror lock until Close.
func (g *GitFetcher) Snapshot(ctx context.Context, repo Repo, ref string) (*Snapshot, error) {
	dir := g.MirrorPath(repo.ID)
	lock := NewMirrorLock(dir)
	if err := lock.Lock(ctx); err != nil {
		return nil, cerrors.FetchError("failed to lock mirror", err).WithDetail("repo", repo.ID)
	}
	release := func() { _ = lock.Unlock() }

	target := ref
	if target == "" {
		target = repo.Branch
	}
	if target == "" {
		target = "HEAD"
	}

	if err := g.syncMirror(ctx, repo, dir, target); err != nil {
		release()
		return nil, err
	}

	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		release()
		return nil, classifyGitError("failed to resolve head commit", err).WithDetail("repo", repo.ID)
	}

	snap := &Snapshot{
		RepoID:  repo.ID,
		Ref:     target,
		Commit:  strings.TrimSpace(string(out)),
		Dir:     dir,
		release: release,
	}
	g.logger.Debug("snapshot_ready",
		slog.String("repo", repo.ID),
		slog.String("ref", target),
		slog.String("commit", snap.Commit))
	return snap, nil
}

func (g *GitFetcher) syncMirror(ctx context.Context, repo Repo, dir, target string) error {
	depth := fmt.Sprintf("--depth=%d", g.opts.CloneDepth)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return cerrors.FetchError("failed to create mirror directory", err)
		}
		_ = os.RemoveAll(dir) // leftovers from an interrupted clone
		url := g.cloneURL(repo)
		err := g.withRetry(ctx, "clone", repo.ID, func(ctx context.Context) error {
			_, err := g.git(ctx, "", "clone", depth, "--no-checkout", "--no-tags", url, dir)
			if err != nil {
				_ = os.RemoveAll(dir)
				return classifyGitError("git clone failed", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	err := g.withRetry(ctx, "fetch", repo.ID, func(ctx context.Context) error {
		if _, err := g.git(ctx, dir, "fetch", depth, "--no-tags", "origin", target); err != nil {
			return classifyGitError("git fetch failed", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := g.git(ctx, dir, "checkout", "--force", "--detach", "FETCH_HEAD"); err != nil {
		return classifyGitError("git checkout failed", err).WithDetail("repo", repo.ID)
	}
	return nil
}

func (g *GitFetcher) withRetry(ctx context.Context, op, repoID string, fn func(ctx context.Context) error) error {
	_, attempts, err := cerrors.Do(ctx, g.retry, func(ctx context.Context, attempt int) cerrors.Attempt[struct{}] {
		if attempt > 1 {
			g.logger.Warn("fetch_retry",
				slog.String("op", op),
				slog.String("repo", repoID),
				slog.Int("attempt", attempt))
		}
		return cerrors.Classify(struct{}{}, fn(ctx))
	})
	if err != nil {
		if ce, ok := cerrors.As(err); ok {
			ce.WithDetail("repo", repoID).WithDetail("attempts", fmt.Sprint(attempts))
			return ce
		}
		return cerrors.FetchError("git "+op+" failed", err).WithDetail("repo", repoID)
	}
	return nil
}

// git runs one git command with the per-call timeout.
func (g *GitFetcher) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	args = append([]string{"-c", "core.quotepath=off"}, args...)
	out, err := g.exec.Run(ctx, dir, g.opts.GitBinary, args...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return out, err
}

// ListFiles lists tracked files, minus excluded paths.
func (g *GitFetcher) ListFiles(ctx context.Context, snap *Snapshot) ([]string, error) {
	out, err := g.git(ctx, snap.Dir, "ls-files", "-z")
	if err != nil {
		return nil, classifyGitError("git ls-files failed", err).WithDetail("repo", snap.RepoID)
	}

	var files []string
	for _, p := range strings.Split(string(out), "\x00") {
		if p == "" || g.ignore.Match(p) {
			continue
		}
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile reads from the checked-out working tree.
func (g *GitFetcher) ReadFile(_ context.Context, snap *Snapshot, path string) ([]byte, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return nil, cerrors.New(cerrors.ErrCodeInvalidPath, "path escapes repository", nil).WithDetail("path", path)
	}
	data, err := os.ReadFile(filepath.Join(snap.Dir, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.New(cerrors.ErrCodeFileNotFound, "file not found", err).WithDetail("path", path)
		}
		return nil, cerrors.FetchError("failed to read file", err).WithDetail("path", path)
	}
	return data, nil
}

// ChangedFiles diffs baseCommit..HEAD. A base outside the shallow history is
// fetched once; if still missing ErrBaseNotFound is returned.
func (g *GitFetcher) ChangedFiles(ctx context.Context, snap *Snapshot, baseCommit string) (*Delta, error) {
	if baseCommit == "" {
		return nil, ErrBaseNotFound
	}
	if baseCommit == snap.Commit {
		return &Delta{Base: baseCommit, Head: snap.Commit}, nil
	}

	if !g.hasCommit(ctx, snap.Dir, baseCommit) {
		_, _ = g.git(ctx, snap.Dir, "fetch", "--depth=1", "--no-tags", "origin", baseCommit)
		if !g.hasCommit(ctx, snap.Dir, baseCommit) {
			return nil, ErrBaseNotFound
		}
	}

	out, err := g.git(ctx, snap.Dir, "diff", "--name-status", "-M", baseCommit, snap.Commit)
	if err != nil {
		return nil, classifyGitError("git diff failed", err).WithDetail("repo", snap.RepoID)
	}

	delta := ParseNameStatus(out)
	delta.Base = baseCommit
	delta.Head = snap.Commit
	g.filterDelta(delta)
	return delta, nil
}

func (g *GitFetcher) hasCommit(ctx context.Context, dir, commit string) bool {
	_, err := g.git(ctx, dir, "cat-file", "-e", commit+"^{commit}")
	return err == nil
}

// filterDelta drops excluded paths. Renames into an excluded path become deletes.
func (g *GitFetcher) filterDelta(d *Delta) {
	keep := func(paths []string) []string {
		out := paths[:0]
		for _, p := range paths {
			if !g.ignore.Match(p) {
				out = append(out, p)
			}
		}
		return out
	}
	d.Added = keep(d.Added)
	d.Modified = keep(d.Modified)

	renamed := d.Renamed[:0]
	for _, r := range d.Renamed {
		switch {
		case g.ignore.Match(r.To):
			d.Deleted = append(d.Deleted, r.From)
		default:
			renamed = append(renamed, r)
		}
	}
	d.Renamed = renamed
}

// ParseNameStatus parses `git diff --name-status` output.
func ParseNameStatus(out []byte) *Delta {
	d := &Delta{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		switch fields[0][0] {
		case 'A':
			d.Added = append(d.Added, fields[1])
		case 'M', 'T':
			d.Modified = append(d.Modified, fields[1])
		case 'D':
			d.Deleted = append(d.Deleted, fields[1])
		case 'R':
			if len(fields) >= 3 {
				d.Renamed = append(d.Renamed, Rename{From: fields[1], To: fields[2]})
			}
		case 'C':
			if len(fields) >= 3 {
				d.Added = append(d.Added, fields[2])
			}
		}
	}
	return d
}

// classifyGitError maps git failures onto fetch error codes.
func classifyGitError(msg string, err error) *cerrors.CtxError {
	text := strings.ToLower(err.Error())
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return cerrors.New(cerrors.ErrCodeFetchTimeout, msg, err)
	case stderrors.Is(err, context.Canceled):
		return cerrors.New(cerrors.ErrCodeJobCancelled, msg, err)
	case strings.Contains(text, "authentication failed"),
		strings.Contains(text, "could not read username"),
		strings.Contains(text, "permission denied"),
		strings.Contains(text, "403"):
		return cerrors.New(cerrors.ErrCodeFetchAuth, msg, err).
			WithSuggestion("check the credentials configured for the git host")
	case strings.Contains(text, "couldn't find remote ref"),
		strings.Contains(text, "not a valid object"),
		strings.Contains(text, "unknown revision"):
		return cerrors.New(cerrors.ErrCodeRefNotFound, msg, err)
	default:
		return cerrors.New(cerrors.ErrCodeFetchUnavailable, msg, err)
	}
}
