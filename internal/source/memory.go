package source

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// MemoryFetcher serves snapshots from in-memory commits. It backs tests and
// dry runs where no git host is reachable.
type MemoryFetcher struct {
	mu    sync.Mutex
	repos map[string]*memoryRepo
	gate  chan struct{}
	err   error

	snapshots atomic.Int64
}

type memoryRepo struct {
	head    string
	commits map[string]map[string][]byte
}

var _ Fetcher = (*MemoryFetcher)(nil)

// NewMemoryFetcher creates an empty fetcher.
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{repos: make(map[string]*memoryRepo)}
}

// Commit records files as commit of repoID and moves the head there.
func (m *MemoryFetcher) Commit(repoID, commit string, files map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[repoID]
	if !ok {
		r = &memoryRepo{commits: make(map[string]map[string][]byte)}
		m.repos[repoID] = r
	}
	tree := make(map[string][]byte, len(files))
	for p, c := range files {
		tree[p] = []byte(c)
	}
	r.commits[commit] = tree
	r.head = commit
}

// Block makes Snapshot wait until the returned function is called.
func (m *MemoryFetcher) Block() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FailWith makes every Snapshot call return err (nil clears it).
func (m *MemoryFetcher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SnapshotCalls returns how many times Snapshot has been called.
func (m *MemoryFetcher) SnapshotCalls() int {
	return int(m.snapshots.Load())
}

// Snapshot pins ref, or the head commit when ref is empty.
func (m *MemoryFetcher) Snapshot(ctx context.Context, repo Repo, ref string) (*Snapshot, error) {
	m.snapshots.Add(1)

	m.mu.Lock()
	gate, failure := m.gate, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[repo.ID]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCodeRefNotFound, "unknown repository", nil).WithDetail("repo", repo.ID)
	}
	commit := ref
	if commit == "" || commit == repo.Branch {
		commit = r.head
	}
	if _, ok := r.commits[commit]; !ok {
		return nil, cerrors.New(cerrors.ErrCodeRefNotFound, "unknown ref", nil).WithDetail("ref", ref)
	}
	return &Snapshot{RepoID: repo.ID, Ref: ref, Commit: commit}, nil
}

func (m *MemoryFetcher) tree(snap *Snapshot) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[snap.RepoID]; ok {
		return r.commits[snap.Commit]
	}
	return nil
}

// ListFiles returns the snapshot's paths, sorted.
func (m *MemoryFetcher) ListFiles(_ context.Context, snap *Snapshot) ([]string, error) {
	tree := m.tree(snap)
	files := make([]string, 0, len(tree))
	for p := range tree {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns a file's content at the snapshot commit.
func (m *MemoryFetcher) ReadFile(_ context.Context, snap *Snapshot, path string) ([]byte, error) {
	data, ok := m.tree(snap)[path]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCodeFileNotFound, "file not found", nil).WithDetail("path", path)
	}
	return data, nil
}

// ChangedFiles compares the two trees by content.
func (m *MemoryFetcher) ChangedFiles(_ context.Context, snap *Snapshot, baseCommit string) (*Delta, error) {
	m.mu.Lock()
	r, ok := m.repos[snap.RepoID]
	var base, head map[string][]byte
	if ok {
		base, ok = r.commits[baseCommit]
		head = r.commits[snap.Commit]
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrBaseNotFound
	}

	d := &Delta{Base: baseCommit, Head: snap.Commit}
	for p, content := range head {
		old, existed := base[p]
		switch {
		case !existed:
			d.Added = append(d.Added, p)
		case !bytes.Equal(old, content):
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range base {
		if _, still := head[p]; !still {
			d.Deleted = append(d.Deleted, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d, nil
}
