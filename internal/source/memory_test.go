package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFetcher_DeltaBetweenCommits(t *testing.T) {
	// Given: two commits of one repository
	m := NewMemoryFetcher()
	m.Commit("acme/a", "c1", map[string]string{"a.go": "1", "b.go": "2", "c.go": "3"})
	m.Commit("acme/a", "c2", map[string]string{"a.go": "1", "b.go": "22", "d.go": "4"})

	// When: diffing the head against c1
	snap, err := m.Snapshot(t.Context(), Repo{ID: "acme/a"}, "")
	require.NoError(t, err)
	d, err := m.ChangedFiles(t.Context(), snap, "c1")

	// Then: adds, modifications and deletions are reported
	require.NoError(t, err)
	assert.Equal(t, "c2", snap.Commit)
	assert.Equal(t, []string{"d.go"}, d.Added)
	assert.Equal(t, []string{"b.go"}, d.Modified)
	assert.Equal(t, []string{"c.go"}, d.Deleted)
	assert.Equal(t, 1, m.SnapshotCalls())
}

func TestMemoryFetcher_UnknownBase(t *testing.T) {
	m := NewMemoryFetcher()
	m.Commit("acme/a", "c1", map[string]string{"a.go": "1"})
	snap, err := m.Snapshot(t.Context(), Repo{ID: "acme/a"}, "c1")
	require.NoError(t, err)

	_, err = m.ChangedFiles(t.Context(), snap, "nope")
	assert.ErrorIs(t, err, ErrBaseNotFound)
}

func TestParseNameStatus_Copies(t *testing.T) {
	d := ParseNameStatus([]byte("C100\ta.go\tb.go\nT\tlink\n\n"))
	assert.Equal(t, []string{"b.go"}, d.Added)
	assert.Equal(t, []string{"link"}, d.Modified)
}
