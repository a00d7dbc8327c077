// Package metrics provides Prometheus metrics for the snapshot engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a snapshot run.
type Metrics struct {
	DocumentsRead   *prometheus.CounterVec
	BatchesEnqueued *prometheus.CounterVec
	RowsWritten     *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec

	PartsFinalized      *prometheus.CounterVec
	PartitionsCompleted *prometheus.CounterVec
	ReaderErrors        *prometheus.CounterVec

	QueueBytes prometheus.Gauge

	BatchBytes *prometheus.HistogramVec
}

// Labels identifies a snapshot run on every metric.
type Labels struct {
	Collection string
	Format     string
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "purplelight"
	}

	labels := []string{"collection", "format"}

	m := &Metrics{
		DocumentsRead: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_read_total",
				Help:      "Total number of documents read from the source",
			},
			labels,
		),
		BatchesEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_enqueued_total",
				Help:      "Total number of batches pushed onto the byte queue",
			},
			labels,
		),
		RowsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total number of rows written to output parts",
			},
			labels,
		),
		BytesWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total compressed bytes written to output parts",
			},
			labels,
		),
		PartsFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parts_finalized_total",
				Help:      "Total number of output parts finalized",
			},
			labels,
		),
		PartitionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_completed_total",
				Help:      "Total number of partitions drained to completion",
			},
			labels,
		),
		ReaderErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reader_errors_total",
				Help:      "Total number of fatal reader errors",
			},
			labels,
		),
		QueueBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_bytes",
				Help:      "Current byte occupancy of the reader-to-writer queue",
			},
		),
		BatchBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_bytes",
				Help:      "Size distribution of enqueued batches",
				Buckets:   prometheus.ExponentialBuckets(4096, 4, 8),
			},
			labels,
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance, or nil if telemetry is disabled.
func Get() *Metrics {
	return defaultMetrics
}

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

func (l Labels) values() []string {
	return []string{l.Collection, l.Format}
}

func (m *Metrics) AddDocumentsRead(l Labels, n float64) {
	m.DocumentsRead.WithLabelValues(l.values()...).Add(n)
}

func (m *Metrics) IncBatchesEnqueued(l Labels) {
	m.BatchesEnqueued.WithLabelValues(l.values()...).Inc()
}

func (m *Metrics) AddRowsWritten(l Labels, n float64) {
	m.RowsWritten.WithLabelValues(l.values()...).Add(n)
}

func (m *Metrics) AddBytesWritten(l Labels, n float64) {
	m.BytesWritten.WithLabelValues(l.values()...).Add(n)
}

func (m *Metrics) IncPartsFinalized(l Labels) {
	m.PartsFinalized.WithLabelValues(l.values()...).Inc()
}

func (m *Metrics) IncPartitionsCompleted(l Labels) {
	m.PartitionsCompleted.WithLabelValues(l.values()...).Inc()
}

func (m *Metrics) IncReaderErrors(l Labels) {
	m.ReaderErrors.WithLabelValues(l.values()...).Inc()
}

func (m *Metrics) SetQueueBytes(n float64) {
	m.QueueBytes.Set(n)
}

func (m *Metrics) ObserveBatchBytes(l Labels, n float64) {
	m.BatchBytes.WithLabelValues(l.values()...).Observe(n)
}
