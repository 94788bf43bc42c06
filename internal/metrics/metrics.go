// Package metrics provides Prometheus metrics for the anti-entropy auditor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the auditor.
type Metrics struct {
	// Run metrics
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	FatalErrors *prometheus.CounterVec

	// Collection metrics
	RowsCollected   *prometheus.CounterVec
	CollectDuration *prometheus.HistogramVec

	// Merge and classification metrics
	RecordsMerged *prometheus.CounterVec
	Findings      *prometheus.CounterVec

	LastRunTimestamp *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith registers the metrics with reg instead of the default registry.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "nimbus_anti_entropy"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of audit runs by outcome",
			},
			[]string{"cluster", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a complete audit run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
			[]string{"cluster"},
		),
		FatalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fatal_errors_total",
				Help:      "Total number of fatal run errors by kind",
			},
			[]string{"cluster", "kind"},
		),
		RowsCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_collected_total",
				Help:      "Total number of segment rows collected per node",
			},
			[]string{"cluster", "node"},
		),
		CollectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collect_duration_seconds",
				Help:      "Time to snapshot one node",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
			},
			[]string{"cluster", "node"},
		),
		RecordsMerged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_merged_total",
				Help:      "Total number of merged records classified",
			},
			[]string{"cluster"},
		),
		Findings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of inconsistencies found by category",
			},
			[]string{"cluster", "status"},
		),
		LastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_successful_run_timestamp_seconds",
				Help:      "Unix time of the last successful audit run",
			},
			[]string{"cluster"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Cluster string
	Node    string
	Status  string
	Outcome string
	Kind    string
}

// IncRuns increments the run counter for an outcome.
func (m *Metrics) IncRuns(l Labels) {
	m.Runs.WithLabelValues(l.Cluster, l.Outcome).Inc()
}

// ObserveRunDuration records the duration of a run.
func (m *Metrics) ObserveRunDuration(l Labels, seconds float64) {
	m.RunDuration.WithLabelValues(l.Cluster).Observe(seconds)
}

// IncFatalErrors increments the fatal error counter for a kind.
func (m *Metrics) IncFatalErrors(l Labels) {
	m.FatalErrors.WithLabelValues(l.Cluster, l.Kind).Inc()
}

// AddRowsCollected adds to the rows collected counter of a node.
func (m *Metrics) AddRowsCollected(l Labels, count float64) {
	m.RowsCollected.WithLabelValues(l.Cluster, l.Node).Add(count)
}

// ObserveCollectDuration records the snapshot time of a node.
func (m *Metrics) ObserveCollectDuration(l Labels, seconds float64) {
	m.CollectDuration.WithLabelValues(l.Cluster, l.Node).Observe(seconds)
}

// AddRecordsMerged adds to the merged record counter.
func (m *Metrics) AddRecordsMerged(l Labels, count float64) {
	m.RecordsMerged.WithLabelValues(l.Cluster).Add(count)
}

// AddFindings adds to the findings counter of a category.
func (m *Metrics) AddFindings(l Labels, count float64) {
	m.Findings.WithLabelValues(l.Cluster, l.Status).Add(count)
}

// SetLastRunTimestamp records when the last successful run finished.
func (m *Metrics) SetLastRunTimestamp(l Labels, unix float64) {
	m.LastRunTimestamp.WithLabelValues(l.Cluster).Set(unix)
}
