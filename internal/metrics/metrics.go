// Package metrics exposes Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the CPC pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Runs by terminal status
	RunsTotal *prometheus.CounterVec

	// End-to-end run latency
	RunDuration prometheus.Histogram

	// Records parsed and dropped per source document
	RecordsParsed  *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec

	// Validation outcomes by reason
	ValidationResults *prometheus.CounterVec

	// Rows in the last exported table
	RowsExported prometheus.Gauge

	// Archive transfers by archive kind
	DownloadDuration *prometheus.HistogramVec
	DownloadBytes    *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec

	// Runs waiting in the server queue
	QueueDepth prometheus.Gauge
}

// New registers every metric with reg, or with the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_runs_total",
			Help: "Pipeline runs by terminal status",
		}, []string{"status"}), // status: "completed", "failed"

		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cpcetl_run_duration_seconds",
			Help:    "Duration of a full pipeline run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),

		RecordsParsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_records_parsed_total",
			Help: "Records emitted by the parsers",
		}, []string{"source"}),

		RecordsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_records_dropped_total",
			Help: "Candidates dropped by the parsers",
		}, []string{"source", "reason"}), // reason: "malformed", "orphaned"

		ValidationResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_validation_results_total",
			Help: "Validated symbols by reason",
		}, []string{"reason"}),

		RowsExported: f.NewGauge(prometheus.GaugeOpts{
			Name: "cpcetl_rows_exported",
			Help: "Rows in the most recently exported table",
		}),

		DownloadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpcetl_download_duration_seconds",
			Help:    "Duration of archive downloads",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind"}),

		DownloadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_download_bytes_total",
			Help: "Bytes downloaded by archive kind",
		}, []string{"kind"}),

		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpcetl_download_cache_hits_total",
			Help: "Archives served from the raw directory instead of the network",
		}, []string{"kind"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "cpcetl_queue_depth",
			Help: "Runs waiting to start",
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
		m.RunDuration.Observe(d.Seconds())
	}
}

// AddParsed records parser tallies for one source.
func (m *Metrics) AddParsed(source string, parsed, malformed, orphaned int) {
	if m == nil {
		return
	}
	m.RecordsParsed.WithLabelValues(source).Add(float64(parsed))
	if malformed > 0 {
		m.RecordsDropped.WithLabelValues(source, "malformed").Add(float64(malformed))
	}
	if orphaned > 0 {
		m.RecordsDropped.WithLabelValues(source, "orphaned").Add(float64(orphaned))
	}
}

// AddValidation records validated symbols for a reason.
func (m *Metrics) AddValidation(reason string, n int) {
	if m != nil && n > 0 {
		m.ValidationResults.WithLabelValues(reason).Add(float64(n))
	}
}

// SetRowsExported records the size of the exported table.
func (m *Metrics) SetRowsExported(n int) {
	if m != nil {
		m.RowsExported.Set(float64(n))
	}
}

// ObserveDownload records one archive fetch.
func (m *Metrics) ObserveDownload(kind string, d time.Duration, bytes int64, cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.CacheHits.WithLabelValues(kind).Inc()
		return
	}
	m.DownloadDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.DownloadBytes.WithLabelValues(kind).Add(float64(bytes))
}

// SetQueueDepth records how many runs are waiting.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
