package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aman-CERP/crossctx/internal/store"
)

// Metrics holds the Prometheus collectors of the indexing pipeline. A nil
// *Metrics records nothing.
type Metrics struct {
	jobs             *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	coalesced        prometheus.Counter
	filesProcessed   prometheus.Counter
	filesDeleted     prometheus.Counter
	fragmentsWritten prometheus.Counter
	edgesWritten     prometheus.Counter
	parseErrors      prometheus.Counter
	storeErrors      prometheus.Counter

	embedBatches  prometheus.Counter
	embedRetries  prometheus.Counter
	embedFailures prometheus.Counter

	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossctx_index_jobs_total", Help: "Indexing jobs finished, by kind and terminal state",
		}, []string{"kind", "state"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossctx_index_active_jobs", Help: "Indexing jobs pending or running",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_coalesced_total", Help: "Schedule requests answered with an existing job",
		}),
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_files_processed_total", Help: "Files whose fragments were replaced",
		}),
		filesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_files_deleted_total", Help: "Files whose fragments were removed",
		}),
		fragmentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_fragments_written_total", Help: "Fragments upserted",
		}),
		edgesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_edges_written_total", Help: "Structural edges written",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_parse_errors_total", Help: "Files skipped because they failed to parse",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_index_store_errors_total", Help: "Files skipped because their transaction failed",
		}),
		embedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_embed_batches_total", Help: "Embedding batches sent",
		}),
		embedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_embed_retries_total", Help: "Embedding batch attempts beyond the first",
		}),
		embedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossctx_embed_failed_items_total", Help: "Texts left without an embedding after retries",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossctx_index_job_seconds",
			Help:    "Indexing job wall time",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossctx_index_stage_seconds",
			Help:    "Time spent per indexing stage",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobs, m.activeJobs, m.coalesced,
			m.filesProcessed, m.filesDeleted, m.fragmentsWritten, m.edgesWritten,
			m.parseErrors, m.storeErrors,
			m.embedBatches, m.embedRetries, m.embedFailures,
			m.jobDuration, m.stageDuration,
		)
	}
	return m
}

// ObserveEmbeddingBatch implements embed.Observer.
func (m *Metrics) ObserveEmbeddingBatch(items, attempts int, err error) {
	if m == nil {
		return
	}
	m.embedBatches.Inc()
	if attempts > 1 {
		m.embedRetries.Add(float64(attempts - 1))
	}
	if err != nil {
		m.embedFailures.Add(float64(items))
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.activeJobs.Inc()
	}
}

func (m *Metrics) jobCoalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

func (m *Metrics) jobFinished(job *store.Job, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobs.WithLabelValues(string(job.Kind), string(job.State)).Inc()
	m.jobDuration.WithLabelValues(string(job.Kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) stage(stage store.Stage, elapsed time.Duration) {
	if m != nil {
		m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) file(change *store.FileChange, deleted bool) {
	if m == nil || change == nil {
		return
	}
	if deleted {
		m.filesDeleted.Inc()
		return
	}
	m.filesProcessed.Inc()
	m.fragmentsWritten.Add(float64(change.FragmentsWritten))
	m.edgesWritten.Add(float64(change.EdgesWritten))
}

func (m *Metrics) fileError(parse bool) {
	if m == nil {
		return
	}
	if parse {
		m.parseErrors.Inc()
	} else {
		m.storeErrors.Inc()
	}
}
