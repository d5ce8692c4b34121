package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/crossctx/internal/chunk"
	"github.com/Aman-CERP/crossctx/internal/config"
	"github.com/Aman-CERP/crossctx/internal/embed"
	"github.com/Aman-CERP/crossctx/internal/index"
	"github.com/Aman-CERP/crossctx/internal/logging"
	"github.com/Aman-CERP/crossctx/internal/retrieve"
	"github.com/Aman-CERP/crossctx/internal/source"
	"github.com/Aman-CERP/crossctx/internal/store"
)

// app holds the components one command runs with.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *prometheus.Registry
	store       *store.Store
	provider    embed.Provider
	coordinator *index.Coordinator
	retriever   *retrieve.Retriever

	closers []func()
}

// loadConfig loads the --config file when given, the working directory's
// layered configuration otherwise.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return config.Load(wd)
}

// newApp loads configuration and logging only.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}

	logPath := cfg.Logging.File
	if logPath == "" && logToFile {
		logPath = logging.DefaultLogPath(cfg.DataDir)
	}
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:     cfg.Logging.Level,
		FilePath:  logPath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger, closers: []func(){cleanup}}, nil
}

// open builds the store, fetcher, extractor, embedder, coordinator and
// retriever from the loaded configuration.
func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := index.NewMetrics(a.registry)

	st, err := store.Open(ctx, cfg.StorePath(), cfg.Store, a.logger)
	if err != nil {
		return err
	}
	a.store = st
	a.onClose(func() { _ = st.Close() })

	for _, rc := range cfg.Repositories {
		if _, err := st.UpsertRepository(ctx, store.Repository{
			ID:            rc.ID,
			CloneURL:      rc.URL,
			DefaultBranch: rc.DefaultBranch,
		}); err != nil {
			return fmt.Errorf("register %s: %w", rc.ID, err)
		}
	}

	provider, err := embed.NewProvider(cfg.Embeddings)
	if err != nil {
		return err
	}
	a.provider = provider
	a.onClose(func() { _ = provider.Close() })

	bucket := embed.NewTokenBucket(cfg.Embeddings.RateLimit, cfg.Embeddings.Burst)
	inFlight := semaphore.NewWeighted(int64(cfg.Embeddings.MaxInFlight))
	batch := embed.NewBatchGenerator(cfg.Embeddings, provider, bucket, a.logger,
		embed.WithObserver(metrics), embed.WithInFlight(inFlight))

	fetcher := source.NewGitFetcher(source.GitOptions{
		MirrorDir:   cfg.MirrorDir(),
		BaseURL:     cfg.Fetch.BaseURL,
		GitBinary:   cfg.Fetch.GitBinary,
		CloneDepth:  cfg.Fetch.CloneDepth,
		Timeout:     cfg.Fetch.Timeout,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		Exclude:     cfg.Fetch.Exclude,
		Logger:      a.logger,
	}, source.ExecExecutor{})

	dispatcher := chunk.NewDispatcher(cfg.Extract, a.logger)

	coord, err := index.NewCoordinator(cfg.Indexing, index.Deps{
		Store:      st,
		Fetcher:    fetcher,
		Dispatcher: dispatcher,
		Batch:      batch,
		Logger:     a.logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	a.coordinator = coord
	a.onClose(func() { _ = coord.Close() })

	ret, err := retrieve.NewRetriever(cfg.Retrieval, st, dispatcher, batch, a.logger)
	if err != nil {
		return err
	}
	a.retriever = ret
	return nil
}

// onClose registers fn to run on close, after everything registered later.
func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
