package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, c := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(c), 0o644))
	}
}

func TestDirFetcher_ListsAndReads(t *testing.T) {
	// Given: a directory with a vendored file, a git dir and an oversized file
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.go":             "package main",
		"api/routes.go":       "package api",
		"vendor/x/x.go":       "package x",
		".git/HEAD":           "ref: refs/heads/main",
		"assets/big.json":     string(make([]byte, 64)),
		"internal/svc/svc.go": "package svc",
	})
	d := NewDirFetcher(root, []string{"vendor/"}, 32)

	// When: snapshotting and listing
	snap, err := d.Snapshot(t.Context(), Repo{ID: "acme/local"}, "")
	require.NoError(t, err)
	files, err := d.ListFiles(t.Context(), snap)
	require.NoError(t, err)

	// Then: only indexable files are listed, sorted
	assert.Equal(t, []string{"api/routes.go", "internal/svc/svc.go", "main.go"}, files)
	assert.Len(t, snap.Commit, 40)

	data, err := d.ReadFile(t.Context(), snap, "api/routes.go")
	require.NoError(t, err)
	assert.Equal(t, "package api", string(data))

	_, err = d.ReadFile(t.Context(), snap, "../etc/passwd")
	assert.Error(t, err)
}

func TestDirFetcher_NoDeltaBase(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.py": "x = 1"})
	d := NewDirFetcher(root, nil, 0)
	snap, err := d.Snapshot(t.Context(), Repo{ID: "acme/local"}, "")
	require.NoError(t, err)

	_, err = d.ChangedFiles(t.Context(), snap, "abc")
	assert.ErrorIs(t, err, ErrBaseNotFound)
}

func TestDirFetcher_MissingRoot(t *testing.T) {
	d := NewDirFetcher(filepath.Join(t.TempDir(), "missing"), nil, 0)
	_, err := d.Snapshot(t.Context(), Repo{ID: "acme/local"}, "")
	assert.Error(t, err)
}
