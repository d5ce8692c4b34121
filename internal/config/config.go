// Package config loads crossctx configuration.
//
// Configuration is layered, in order of increasing precedence:
//  1. Hardcoded defaults (NewConfig)
//  2. User config ($XDG_CONFIG_HOME/crossctx/config.yaml)
//  3. Project config (.crossctx.yaml in the working directory)
//  4. Environment variables (CROSSCTX_*)
//
// Components receive their own sub-struct through their constructors; there
// is no package-level configuration state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Version int `yaml:"version" json:"version"`

	// DataDir holds the index database, mirrors and logs. Default ~/.crossctx.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Store        StoreConfig        `yaml:"store" json:"store"`
	Fetch        FetchConfig        `yaml:"fetch" json:"fetch"`
	Extract      ExtractConfig      `yaml:"extract" json:"extract"`
	Embeddings   EmbeddingsConfig   `yaml:"embeddings" json:"embeddings"`
	Indexing     IndexingConfig     `yaml:"indexing" json:"indexing"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" json:"retrieval"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Repositories []RepositoryConfig `yaml:"repositories,omitempty" json:"repositories,omitempty"`
}

// StoreConfig configures the fragment store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means <data_dir>/index.db.
	Path string `yaml:"path" json:"path"`

	// VectorIndex selects vector search: "hnsw" (approximate, in memory) or "exact".
	VectorIndex string `yaml:"vector_index" json:"vector_index"`

	HNSWM        int `yaml:"hnsw_m" json:"hnsw_m"`
	HNSWEfSearch int `yaml:"hnsw_ef_search" json:"hnsw_ef_search"`

	// WriteTimeout bounds one per-file transaction.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// FetchConfig configures the git-backed source fetcher.
type FetchConfig struct {
	// MirrorDir holds shallow clones. Empty means <data_dir>/mirrors.
	MirrorDir string `yaml:"mirror_dir" json:"mirror_dir"`

	// BaseURL is prefixed to "org/name" when a repository has no explicit URL.
	BaseURL string `yaml:"base_url" json:"base_url"`

	GitBinary   string        `yaml:"git_binary" json:"git_binary"`
	CloneDepth  int           `yaml:"clone_depth" json:"clone_depth"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`

	// Exclude holds gitignore-style patterns skipped during listing.
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// ExtractConfig configures fragment extraction.
type ExtractConfig struct {
	// Parallelism bounds concurrent file parsing within one job.
	Parallelism  int           `yaml:"parallelism" json:"parallelism"`
	ParseTimeout time.Duration `yaml:"parse_timeout" json:"parse_timeout"`
	MaxFileBytes int64         `yaml:"max_file_bytes" json:"max_file_bytes"`
}

// EmbeddingsConfig configures the embedding provider and batch generator.
type EmbeddingsConfig struct {
	// Provider is "ollama", "openai" or "static".
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv  string `yaml:"api_key_env" json:"api_key_env"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`

	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	MaxInputChars  int           `yaml:"max_input_chars" json:"max_input_chars"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// RateLimit is requests per second shared by every caller of the provider.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`

	// MaxInFlight caps provider requests outstanding at once, across every
	// indexing job and retrieval.
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`

	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// IndexingConfig configures the update coordinator.
type IndexingConfig struct {
	// Workers bounds the number of repositories indexed at once.
	Workers int `yaml:"workers" json:"workers"`

	// ErrorRateThreshold fails a job when (parse+store errors)/files exceeds it.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`

	// StoreRetries is how often a failed per-file transaction is retried.
	StoreRetries int `yaml:"store_retries" json:"store_retries"`

	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`

	// FileBatch is how many changed files are extracted, embedded and
	// persisted together before the next group starts.
	FileBatch int `yaml:"file_batch" json:"file_batch"`
}

// RetrievalConfig configures the context retriever.
type RetrievalConfig struct {
	MaxResults    int     `yaml:"max_results" json:"max_results"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`

	// SemanticPerFragment bounds vector hits requested per changed fragment.
	SemanticPerFragment int `yaml:"semantic_per_fragment" json:"semantic_per_fragment"`

	EmbedTimeout    time.Duration `yaml:"embed_timeout" json:"embed_timeout"`
	BreakerFailures int           `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" json:"breaker_reset"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// RepositoryConfig describes a known repository.
type RepositoryConfig struct {
	ID            string `yaml:"id" json:"id"`
	URL           string `yaml:"url" json:"url"`
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`
}

// Defaults for the values callers most often tune.
const (
	DefaultMinSimilarity      = 0.72
	DefaultMaxResults         = 20
	DefaultMaxInputChars      = 8000
	DefaultBatchSize          = 100
	DefaultMaxInFlight        = 4
	DefaultFileBatch          = 64
	DefaultErrorRateThreshold = 0.25
)

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Store: StoreConfig{
			VectorIndex:  "hnsw",
			HNSWM:        16,
			HNSWEfSearch: 64,
			WriteTimeout: 30 * time.Second,
		},
		Fetch: FetchConfig{
			BaseURL:     "https://github.com",
			GitBinary:   "git",
			CloneDepth:  50,
			Timeout:     5 * time.Minute,
			MaxAttempts: 3,
			Exclude: []string{
				"**/node_modules/**",
				"**/vendor/**",
				"**/dist/**",
				"**/build/**",
				"**/*.min.js",
				"**/*_pb2.py",
				"**/*.pb.go",
			},
		},
		Extract: ExtractConfig{
			Parallelism:  runtime.NumCPU(),
			ParseTimeout: 10 * time.Second,
			MaxFileBytes: 1 << 20,
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "ollama",
			Model:          "nomic-embed-text",
			Endpoint:       "http://localhost:11434",
			APIKeyEnv:      "CROSSCTX_EMBEDDINGS_API_KEY",
			BatchSize:      DefaultBatchSize,
			MaxInputChars:  DefaultMaxInputChars,
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     16 * time.Second,
			RequestTimeout: 60 * time.Second,
			RateLimit:      10,
			Burst:          10,
			MaxInFlight:    DefaultMaxInFlight,
			CacheSize:      10000,
		},
		Indexing: IndexingConfig{
			Workers:            4,
			ErrorRateThreshold: DefaultErrorRateThreshold,
			StoreRetries:       1,
			JobTimeout:         2 * time.Hour,
			FileBatch:          DefaultFileBatch,
		},
		Retrieval: RetrievalConfig{
			MaxResults:          DefaultMaxResults,
			MinSimilarity:       DefaultMinSimilarity,
			SemanticPerFragment: 10,
			EmbedTimeout:        5 * time.Second,
			BreakerFailures:     3,
			BreakerReset:        30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".crossctx")
	}
	return filepath.Join(home, ".crossctx")
}

// StorePath returns the resolved database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "index.db")
}

// MirrorDir returns the resolved mirror directory.
func (c *Config) MirrorDir() string {
	if c.Fetch.MirrorDir != "" {
		return c.Fetch.MirrorDir
	}
	return filepath.Join(c.DataDir, "mirrors")
}

// Repository returns the configured entry for id, if any.
func (c *Config) Repository(id string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.ID == id {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/crossctx/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/crossctx/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crossctx", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "crossctx", "config.yaml")
	}
	return filepath.Join(home, ".config", "crossctx", "config.yaml")
}

// Load loads configuration for the given project directory.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads defaults merged with a single explicit file, then env overrides.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromDir loads .crossctx.yaml (or .yml) from dir if present.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{".crossctx.yaml", ".crossctx.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(o *Config) {
	if o.Version != 0 {
		c.Version = o.Version
	}
	setString(&c.DataDir, o.DataDir)

	setString(&c.Store.Path, o.Store.Path)
	setString(&c.Store.VectorIndex, o.Store.VectorIndex)
	setInt(&c.Store.HNSWM, o.Store.HNSWM)
	setInt(&c.Store.HNSWEfSearch, o.Store.HNSWEfSearch)
	setDuration(&c.Store.WriteTimeout, o.Store.WriteTimeout)

	setString(&c.Fetch.MirrorDir, o.Fetch.MirrorDir)
	setString(&c.Fetch.BaseURL, o.Fetch.BaseURL)
	setString(&c.Fetch.GitBinary, o.Fetch.GitBinary)
	setInt(&c.Fetch.CloneDepth, o.Fetch.CloneDepth)
	setDuration(&c.Fetch.Timeout, o.Fetch.Timeout)
	setInt(&c.Fetch.MaxAttempts, o.Fetch.MaxAttempts)
	if len(o.Fetch.Exclude) > 0 {
		// Extend the defaults rather than replace them.
		c.Fetch.Exclude = append(c.Fetch.Exclude, o.Fetch.Exclude...)
	}

	setInt(&c.Extract.Parallelism, o.Extract.Parallelism)
	setDuration(&c.Extract.ParseTimeout, o.Extract.ParseTimeout)
	if o.Extract.MaxFileBytes != 0 {
		c.Extract.MaxFileBytes = o.Extract.MaxFileBytes
	}

	e, oe := &c.Embeddings, &o.Embeddings
	setString(&e.Provider, oe.Provider)
	setString(&e.Model, oe.Model)
	setString(&e.Endpoint, oe.Endpoint)
	setString(&e.APIKeyEnv, oe.APIKeyEnv)
	setInt(&e.Dimensions, oe.Dimensions)
	setInt(&e.BatchSize, oe.BatchSize)
	setInt(&e.MaxInputChars, oe.MaxInputChars)
	setInt(&e.MaxAttempts, oe.MaxAttempts)
	setDuration(&e.InitialBackoff, oe.InitialBackoff)
	setDuration(&e.MaxBackoff, oe.MaxBackoff)
	setDuration(&e.RequestTimeout, oe.RequestTimeout)
	setFloat(&e.RateLimit, oe.RateLimit)
	setInt(&e.Burst, oe.Burst)
	setInt(&e.MaxInFlight, oe.MaxInFlight)
	setInt(&e.CacheSize, oe.CacheSize)

	setInt(&c.Indexing.Workers, o.Indexing.Workers)
	setFloat(&c.Indexing.ErrorRateThreshold, o.Indexing.ErrorRateThreshold)
	setInt(&c.Indexing.StoreRetries, o.Indexing.StoreRetries)
	setDuration(&c.Indexing.JobTimeout, o.Indexing.JobTimeout)
	setInt(&c.Indexing.FileBatch, o.Indexing.FileBatch)

	setInt(&c.Retrieval.MaxResults, o.Retrieval.MaxResults)
	setFloat(&c.Retrieval.MinSimilarity, o.Retrieval.MinSimilarity)
	setInt(&c.Retrieval.SemanticPerFragment, o.Retrieval.SemanticPerFragment)
	setDuration(&c.Retrieval.EmbedTimeout, o.Retrieval.EmbedTimeout)
	setInt(&c.Retrieval.BreakerFailures, o.Retrieval.BreakerFailures)
	setDuration(&c.Retrieval.BreakerReset, o.Retrieval.BreakerReset)

	setString(&c.Logging.Level, o.Logging.Level)
	setString(&c.Logging.File, o.Logging.File)
	setInt(&c.Logging.MaxSizeMB, o.Logging.MaxSizeMB)
	setInt(&c.Logging.MaxFiles, o.Logging.MaxFiles)

	if o.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	setString(&c.Metrics.Addr, o.Metrics.Addr)

	if len(o.Repositories) > 0 {
		c.Repositories = o.Repositories
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies CROSSCTX_* variables. Malformed numbers are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CROSSCTX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CROSSCTX_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CROSSCTX_MIRROR_DIR"); v != "" {
		c.Fetch.MirrorDir = v
	}
	if v := os.Getenv("CROSSCTX_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CROSSCTX_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CROSSCTX_EMBEDDINGS_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("CROSSCTX_EMBEDDINGS_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			c.Embeddings.RateLimit = f
		}
	}
	if v := os.Getenv("CROSSCTX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexing.Workers = n
		}
	}
	if v := os.Getenv("CROSSCTX_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.MaxResults = n
		}
	}
	// Explicit zero is allowed here: it disables the similarity floor.
	if v := os.Getenv("CROSSCTX_MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && f <= 1 {
			c.Retrieval.MinSimilarity = f
		}
	}
	if v := os.Getenv("CROSSCTX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Embeddings.Provider) {
	case "ollama", "openai", "static":
	default:
		return fmt.Errorf("embeddings.provider must be 'ollama', 'openai' or 'static', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize < 1 || c.Embeddings.BatchSize > 100 {
		return fmt.Errorf("embeddings.batch_size must be between 1 and 100, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.MaxInputChars < 1 {
		return fmt.Errorf("embeddings.max_input_chars must be positive, got %d", c.Embeddings.MaxInputChars)
	}
	if c.Embeddings.MaxAttempts < 1 {
		return fmt.Errorf("embeddings.max_attempts must be at least 1, got %d", c.Embeddings.MaxAttempts)
	}
	if c.Embeddings.RateLimit <= 0 {
		return fmt.Errorf("embeddings.rate_limit must be positive, got %f", c.Embeddings.RateLimit)
	}
	if c.Embeddings.MaxInFlight < 1 {
		return fmt.Errorf("embeddings.max_in_flight must be at least 1, got %d", c.Embeddings.MaxInFlight)
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be between 0 and 1, got %f", c.Retrieval.MinSimilarity)
	}
	if c.Retrieval.MaxResults < 1 {
		return fmt.Errorf("retrieval.max_results must be positive, got %d", c.Retrieval.MaxResults)
	}
	if c.Indexing.Workers < 1 {
		return fmt.Errorf("indexing.workers must be positive, got %d", c.Indexing.Workers)
	}
	if c.Indexing.FileBatch < 1 {
		return fmt.Errorf("indexing.file_batch must be positive, got %d", c.Indexing.FileBatch)
	}
	if c.Indexing.ErrorRateThreshold <= 0 || c.Indexing.ErrorRateThreshold > 1 {
		return fmt.Errorf("indexing.error_rate_threshold must be in (0, 1], got %f", c.Indexing.ErrorRateThreshold)
	}
	switch c.Store.VectorIndex {
	case "hnsw", "exact":
	default:
		return fmt.Errorf("store.vector_index must be 'hnsw' or 'exact', got %q", c.Store.VectorIndex)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	for _, r := range c.Repositories {
		if strings.Count(r.ID, "/") != 1 {
			return fmt.Errorf("repositories: id must be 'org/name', got %q", r.ID)
		}
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
