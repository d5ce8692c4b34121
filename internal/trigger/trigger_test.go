package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
	"github.com/Aman-CERP/crossctx/internal/logging"
)

type recordingScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingScheduler) ScheduleIncrementalIndex(_ context.Context, repoID, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, repoID+"@"+ref)
	return fmt.Sprintf("job-%d", len(r.calls)), r.err
}

func (r *recordingScheduler) scheduled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// bareRepo lays out the parts of a bare repository the trigger looks at.
func bareRepo(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(id)+".git")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	writeRef(t, dir, "main", strings.Repeat("a", 40))
	return dir
}

func writeRef(t *testing.T, gitDir, branch, sha string) {
	t.Helper()
	path := filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(branch))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(sha+"\n"), 0o644))
}

func TestDiscover(t *testing.T) {
	// Given: a bare repository, a working-tree clone and noise
	root := t.TempDir()
	bareRepo(t, root, "acme/svc-b")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "svc-a", ".git", "refs", "heads"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache", "x", "refs", "heads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))

	// When: discovering
	mirrors, err := Discover(root)

	// Then: both repositories are found with their git directories
	require.NoError(t, err)
	require.Len(t, mirrors, 2)
	assert.Equal(t, "acme/svc-a", mirrors[0].RepoID)
	assert.Equal(t, filepath.Join(root, "acme", "svc-a", ".git"), mirrors[0].GitDir)
	assert.Equal(t, "acme/svc-b", mirrors[1].RepoID)
	assert.Equal(t, filepath.Join(root, "acme", "svc-b.git"), mirrors[1].GitDir)
}

func TestRefChange(t *testing.T) {
	m := Mirror{RepoID: "acme/a", GitDir: "/srv/git/acme/a.git"}

	tests := []struct {
		path   string
		branch string
		ok     bool
	}{
		{"/srv/git/acme/a.git/refs/heads/main", "main", true},
		{"/srv/git/acme/a.git/refs/heads/feature/x", "feature/x", true},
		{"/srv/git/acme/a.git/packed-refs", "", true},
		{"/srv/git/acme/a.git/refs/heads/main.lock", "", false},
		{"/srv/git/acme/a.git/refs/tags/v1", "", false},
		{"/srv/git/acme/a.git/FETCH_HEAD", "", false},
		{"/srv/git/acme/b.git/refs/heads/main", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			branch, ok := refChange(m, filepath.FromSlash(tt.path))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.branch, branch)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(t.TempDir(), nil, Options{}, nil)
	assert.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "missing"), &recordingScheduler{}, Options{}, nil)
	require.Error(t, err)
	assert.True(t, cerrors.IsCategory(err, cerrors.CategoryConfig))
}

func TestOptions_WithDefaults(t *testing.T) {
	got := Options{DebounceWindow: time.Second}.WithDefaults()

	assert.Equal(t, time.Second, got.DebounceWindow)
	assert.Equal(t, DefaultOptions().PollInterval, got.PollInterval)
}

// runTrigger starts tr and returns a stop function that waits for Run.
func runTrigger(t *testing.T, tr *Trigger) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("trigger did not stop")
		}
	}
}

func testTriggerModes(t *testing.T, forcePolling bool) {
	// Given: a root with one bare repository and a running trigger
	root := t.TempDir()
	gitDir := bareRepo(t, root, "acme/svc-a")
	sched := &recordingScheduler{}
	tr, err := New(root, sched, Options{
		DebounceWindow: 20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		ForcePolling:   forcePolling,
	}, logging.Discard())
	require.NoError(t, err)
	stop := runTrigger(t, tr)
	defer stop()

	// When: the branch moves, repeatedly until noticed
	i := 0
	require.Eventually(t, func() bool {
		i++
		writeRef(t, gitDir, "main", strings.Repeat(fmt.Sprint(i%10), 40+i%3))
		return len(sched.scheduled()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// Then: the default branch of the repository is scheduled
	assert.Equal(t, "acme/svc-a@", sched.scheduled()[0])
	require.Len(t, tr.Mirrors(), 1)
}

func TestTrigger_SchedulesOnRefUpdate(t *testing.T) {
	testTriggerModes(t, false)
}

func TestTrigger_PollingFallback(t *testing.T) {
	testTriggerModes(t, true)
}

func TestTrigger_PicksUpNewRepositories(t *testing.T) {
	// Given: a running trigger over a root with an org but no repositories
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme"), 0o755))
	sched := &recordingScheduler{}
	tr, err := New(root, sched, Options{DebounceWindow: 20 * time.Millisecond, PollInterval: 20 * time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	stop := runTrigger(t, tr)
	defer stop()

	// When: a repository is created and pushed to
	gitDir := bareRepo(t, root, "acme/svc-new")
	i := 0
	require.Eventually(t, func() bool {
		i++
		writeRef(t, gitDir, "main", strings.Repeat("b", 40+i%3))
		return len(sched.scheduled()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// Then: it is scheduled
	assert.Equal(t, "acme/svc-new@", sched.scheduled()[0])
}

func TestTrigger_BranchFilter(t *testing.T) {
	// Given: a trigger that only follows main
	root := t.TempDir()
	gitDir := bareRepo(t, root, "acme/svc-a")
	sched := &recordingScheduler{}
	tr, err := New(root, sched, Options{
		DebounceWindow: 20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		ForcePolling:   true,
		Branches:       []string{"main"},
	}, logging.Discard())
	require.NoError(t, err)
	stop := runTrigger(t, tr)
	defer stop()
	require.Eventually(t, func() bool { return len(tr.Mirrors()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// When: only a feature branch moves
	for i := 0; i < 5; i++ {
		writeRef(t, gitDir, "feature/x", strings.Repeat("c", 40+i))
		time.Sleep(30 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	// Then: nothing is scheduled
	assert.Empty(t, sched.scheduled())
}

func TestTrigger_ScheduleFailureKeepsRunning(t *testing.T) {
	root := t.TempDir()
	gitDir := bareRepo(t, root, "acme/svc-a")
	sched := &recordingScheduler{err: cerrors.New(cerrors.ErrCodeCoordinatorOff, "coordinator is closed", nil)}
	tr, err := New(root, sched, Options{DebounceWindow: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond, ForcePolling: true}, logging.Discard())
	require.NoError(t, err)
	stop := runTrigger(t, tr)
	defer stop()

	i := 0
	require.Eventually(t, func() bool {
		i++
		writeRef(t, gitDir, "main", strings.Repeat("d", 40+i%3))
		return len(sched.scheduled()) >= 2
	}, 5*time.Second, 40*time.Millisecond)
}
