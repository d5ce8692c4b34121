// Package source obtains read-only repository snapshots for indexing.
//
// A Snapshot pins one repository at one commit. Fetchers list its files, read
// their content and compute the file delta against an earlier commit.
package source

import (
	"bytes"
	"context"
	stderrors "errors"
	"sort"
)

// ErrBaseNotFound is returned by ChangedFiles when the base commit is not
// reachable from the snapshot. Callers fall back to a full index.
var ErrBaseNotFound = stderrors.New("base commit not found")

// Repo identifies what to fetch.
type Repo struct {
	// ID is "org/name".
	ID string
	// CloneURL is the remote; empty means derive it from the fetcher's base URL.
	CloneURL string
	// Branch is used when no explicit ref is requested.
	Branch string
}

// Snapshot is a repository pinned at a commit.
type Snapshot struct {
	RepoID string
	// Ref is what was requested (branch, tag or commit).
	Ref string
	// Commit is the resolved commit SHA.
	Commit string
	// Dir is the working tree for git-backed snapshots.
	Dir string

	release func()
}

// Close releases resources held by the snapshot, such as the mirror lock.
func (s *Snapshot) Close() {
	if s != nil && s.release != nil {
		s.release()
		s.release = nil
	}
}

// Rename is a path move between two commits.
type Rename struct {
	From string
	To   string
}

// Delta is the set of file changes between two commits.
type Delta struct {
	Base     string
	Head     string
	Added    []string
	Modified []string
	Deleted  []string
	Renamed  []Rename
}

// Changed returns paths whose content must be (re)extracted, sorted.
func (d *Delta) Changed() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified)+len(d.Renamed))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	for _, r := range d.Renamed {
		out = append(out, r.To)
	}
	sort.Strings(out)
	return out
}

// Removed returns paths whose fragments must be dropped, sorted.
func (d *Delta) Removed() []string {
	out := make([]string, 0, len(d.Deleted)+len(d.Renamed))
	out = append(out, d.Deleted...)
	for _, r := range d.Renamed {
		out = append(out, r.From)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether nothing changed.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0 && len(d.Renamed) == 0
}

// Fetcher is the git-hosting collaborator seen by the coordinator.
type Fetcher interface {
	// Snapshot resolves ref (empty means the repo's branch) and pins it.
	Snapshot(ctx context.Context, repo Repo, ref string) (*Snapshot, error)

	// ListFiles returns every indexable path in the snapshot, sorted.
	ListFiles(ctx context.Context, snap *Snapshot) ([]string, error)

	// ReadFile returns a file's content at the snapshot commit.
	ReadFile(ctx context.Context, snap *Snapshot, path string) ([]byte, error)

	// ChangedFiles diffs the snapshot against baseCommit.
	ChangedFiles(ctx context.Context, snap *Snapshot, baseCommit string) (*Delta, error)
}

// IsBinary reports whether content looks binary (a NUL byte in the first 8 KiB).
func IsBinary(content []byte) bool {
	n := len(content)
	if n > 8192 {
		n = 8192
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}
