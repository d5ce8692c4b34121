package trigger

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Mirror is one git repository found under the watched root.
type Mirror struct {
	// RepoID is "org/name", taken from the two directory levels under the root.
	RepoID string
	// GitDir is the repository's git directory: the mirror itself when bare,
	// its .git directory otherwise.
	GitDir string
}

// RefsDir is the directory holding the mirror's branch heads.
func (m Mirror) RefsDir() string {
	return filepath.Join(m.GitDir, "refs", "heads")
}

// Discover finds repositories laid out as <root>/<org>/<name>, bare
// (<name> or <name>.git) or with a working tree. Results are sorted by RepoID.
func Discover(root string) ([]Mirror, error) {
	orgs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var mirrors []Mirror
	for _, org := range orgs {
		if !org.IsDir() || strings.HasPrefix(org.Name(), ".") {
			continue
		}
		names, err := os.ReadDir(filepath.Join(root, org.Name()))
		if err != nil {
			continue
		}
		for _, name := range names {
			if !name.IsDir() {
				continue
			}
			if m, ok := mirrorAt(filepath.Join(root, org.Name(), name.Name()), org.Name(), name.Name()); ok {
				mirrors = append(mirrors, m)
			}
		}
	}
	sort.Slice(mirrors, func(i, j int) bool { return mirrors[i].RepoID < mirrors[j].RepoID })
	return mirrors, nil
}

func mirrorAt(dir, org, name string) (Mirror, bool) {
	id := org + "/" + strings.TrimSuffix(name, ".git")
	for _, gitDir := range []string{dir, filepath.Join(dir, ".git")} {
		if isDir(filepath.Join(gitDir, "refs", "heads")) {
			return Mirror{RepoID: id, GitDir: gitDir}, true
		}
	}
	return Mirror{}, false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// refChange maps a path inside a mirror's git directory to the branch it
// updates. packed-refs reports an empty branch since any head may have moved.
func refChange(m Mirror, path string) (branch string, ok bool) {
	rel, err := filepath.Rel(m.GitDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "packed-refs" {
		return "", true
	}
	branch, found := strings.CutPrefix(rel, "refs/heads/")
	if !found || branch == "" || strings.HasSuffix(branch, ".lock") {
		return "", false
	}
	return branch, true
}
