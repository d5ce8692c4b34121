package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// DirFetcher serves a local directory as a single static snapshot. The commit
// is a digest of the listing and modification times, so an untouched tree resolves to
// the same commit. It never has a delta base; incremental runs fall back to full.
type DirFetcher struct {
	root         string
	ignore       *Matcher
	maxFileBytes int64
}

var _ Fetcher = (*DirFetcher)(nil)

// NewDirFetcher creates a fetcher rooted at dir.
func NewDirFetcher(dir string, exclude []string, maxFileBytes int64) *DirFetcher {
	return &DirFetcher{root: dir, ignore: NewMatcher(exclude), maxFileBytes: maxFileBytes}
}

// Snapshot pins the directory as it is now. ref is recorded but not resolved.
func (d *DirFetcher) Snapshot(ctx context.Context, repo Repo, ref string) (*Snapshot, error) {
	info, err := os.Stat(d.root)
	if err != nil || !info.IsDir() {
		return nil, cerrors.FetchError("directory not readable", err).WithDetail("dir", d.root)
	}
	files, err := d.walk(ctx)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	for _, f := range files {
		st, err := os.Stat(filepath.Join(d.root, filepath.FromSlash(f)))
		if err != nil {
			continue
		}
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write([]byte(st.ModTime().UTC().String()))
	}
	return &Snapshot{
		RepoID: repo.ID,
		Ref:    ref,
		Commit: hex.EncodeToString(h.Sum(nil))[:40],
		Dir:    d.root,
	}, nil
}

func (d *DirFetcher) walk(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(d.root, p)
		rel = filepath.ToSlash(rel)
		if e.IsDir() {
			if e.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !e.Type().IsRegular() || d.ignore.Match(rel) {
			return nil
		}
		if d.maxFileBytes > 0 {
			if info, err := e.Info(); err == nil && info.Size() > d.maxFileBytes {
				return nil
			}
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, cerrors.FetchError("walk directory", err).WithDetail("dir", d.root)
	}
	sort.Strings(files)
	return files, nil
}

// ListFiles walks the directory, skipping .git, excluded and oversized files.
func (d *DirFetcher) ListFiles(ctx context.Context, _ *Snapshot) ([]string, error) {
	return d.walk(ctx)
}

// ReadFile reads path relative to the directory root.
func (d *DirFetcher) ReadFile(_ context.Context, _ *Snapshot, path string) ([]byte, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return nil, cerrors.New(cerrors.ErrCodeInvalidPath, "path escapes snapshot", nil).WithDetail("path", path)
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodeFileNotFound, "read file", err).WithDetail("path", path)
	}
	return data, nil
}

// ChangedFiles always reports ErrBaseNotFound.
func (d *DirFetcher) ChangedFiles(context.Context, *Snapshot, string) (*Delta, error) {
	return nil, ErrBaseNotFound
}
