package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateUserConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: documented defaults apply
	assert.Equal(t, 0.72, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, 20, cfg.Retrieval.MaxResults)
	assert.Equal(t, 8000, cfg.Embeddings.MaxInputChars)
	assert.Equal(t, 100, cfg.Embeddings.BatchSize)
	assert.Equal(t, 0.25, cfg.Indexing.ErrorRateThreshold)
	assert.Equal(t, 1, cfg.Indexing.StoreRetries)
	assert.Equal(t, 4, cfg.Embeddings.MaxInFlight)
	assert.Equal(t, 64, cfg.Indexing.FileBatch)
	assert.Equal(t, "hnsw", cfg.Store.VectorIndex)
	assert.Contains(t, cfg.Fetch.Exclude, "**/node_modules/**")
	require.NoError(t, cfg.Validate())
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()

	// Given: a project config overriding retrieval and embeddings
	content := `
retrieval:
  max_results: 5
  min_similarity: 0.5
embeddings:
  provider: static
  request_timeout: 3s
fetch:
  exclude:
    - "**/generated/**"
repositories:
  - id: acme/orders
    url: https://git.example.com/acme/orders.git
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".crossctx.yaml"), []byte(content), 0o644))

	// When: loading config
	cfg, err := Load(dir)

	// Then: file values win, untouched defaults remain
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retrieval.MaxResults)
	assert.Equal(t, 0.5, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, 3*time.Second, cfg.Embeddings.RequestTimeout)
	assert.Equal(t, 100, cfg.Embeddings.BatchSize)
	assert.Contains(t, cfg.Fetch.Exclude, "**/generated/**")
	assert.Contains(t, cfg.Fetch.Exclude, "**/vendor/**")

	repo, ok := cfg.Repository("acme/orders")
	require.True(t, ok)
	assert.Equal(t, "https://git.example.com/acme/orders.git", repo.URL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".crossctx.yaml"), []byte("retrieval:\n  max_results: 5\n"), 0o644))

	// Given: env vars for the same keys
	t.Setenv("CROSSCTX_MAX_RESULTS", "7")
	t.Setenv("CROSSCTX_MIN_SIMILARITY", "0")
	t.Setenv("CROSSCTX_EMBEDDINGS_PROVIDER", "static")

	cfg, err := Load(dir)

	// Then: env wins, including an explicit zero similarity floor
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retrieval.MaxResults)
	assert.Equal(t, 0.0, cfg.Retrieval.MinSimilarity)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".crossctx.yaml"), []byte("retrieval: [oops"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "carrier-pigeon" }},
		{"batch too large", func(c *Config) { c.Embeddings.BatchSize = 101 }},
		{"similarity above one", func(c *Config) { c.Retrieval.MinSimilarity = 1.5 }},
		{"zero workers", func(c *Config) { c.Indexing.Workers = 0 }},
		{"zero in flight", func(c *Config) { c.Embeddings.MaxInFlight = 0 }},
		{"zero file batch", func(c *Config) { c.Indexing.FileBatch = 0 }},
		{"bad vector index", func(c *Config) { c.Store.VectorIndex = "faiss" }},
		{"bad repo id", func(c *Config) { c.Repositories = []RepositoryConfig{{ID: "no-slash"}} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolvedPaths(t *testing.T) {
	cfg := NewConfig()
	cfg.DataDir = "/var/lib/crossctx"

	assert.Equal(t, "/var/lib/crossctx/index.db", cfg.StorePath())
	assert.Equal(t, "/var/lib/crossctx/mirrors", cfg.MirrorDir())

	cfg.Store.Path = "/tmp/x.db"
	assert.Equal(t, "/tmp/x.db", cfg.StorePath())
}

func TestWriteYAML_RoundTripsThroughLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	cfg := NewConfig()
	cfg.Retrieval.MaxResults = 9
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Retrieval.MaxResults)
}
