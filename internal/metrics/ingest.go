package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IngestMetrics records per-file pipeline outcomes. A nil *IngestMetrics is
// valid and records nothing.
type IngestMetrics struct {
	registry *prometheus.Registry

	filesTotal    *prometheus.CounterVec
	fileDuration  *prometheus.HistogramVec
	filesInFlight prometheus.Gauge
	stageFailures *prometheus.CounterVec
	batchesTotal  prometheus.Counter
	ocrPagesTotal *prometheus.CounterVec
}

func NewIngestMetrics() *IngestMetrics {
	registry := prometheus.NewRegistry()

	filesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Subsystem: "pipeline",
			Name:      "files_total",
			Help:      "Total ingested files by kind and final status.",
		},
		[]string{"kind", "status"},
	)
	fileDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docingest",
			Subsystem: "pipeline",
			Name:      "file_duration_seconds",
			Help:      "End-to-end duration of one file's pipeline.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)
	filesInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docingest",
			Subsystem: "pipeline",
			Name:      "files_in_flight",
			Help:      "Number of files currently being processed.",
		},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Files that failed, by the stage they were in.",
		},
		[]string{"stage"},
	)
	batchesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Total batches submitted.",
		},
	)
	ocrPagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Subsystem: "ocr",
			Name:      "pages_total",
			Help:      "OCR page results by outcome.",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(filesTotal, fileDuration, filesInFlight, stageFailures, batchesTotal, ocrPagesTotal)

	return &IngestMetrics{
		registry:      registry,
		filesTotal:    filesTotal,
		fileDuration:  fileDuration,
		filesInFlight: filesInFlight,
		stageFailures: stageFailures,
		batchesTotal:  batchesTotal,
		ocrPagesTotal: ocrPagesTotal,
	}
}

func (m *IngestMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IngestMetrics) StartBatch() {
	if m == nil {
		return
	}
	m.batchesTotal.Inc()
}

func (m *IngestMetrics) StartFile() {
	if m == nil {
		return
	}
	m.filesInFlight.Inc()
}

// FinishFile records one settled file. failedStage is empty on success.
func (m *IngestMetrics) FinishFile(kind string, duration time.Duration, failedStage string) {
	if m == nil {
		return
	}
	m.filesInFlight.Dec()

	status := "completed"
	if failedStage != "" {
		status = "error"
		m.stageFailures.WithLabelValues(failedStage).Inc()
	}
	if kind == "" {
		kind = "unknown"
	}
	m.filesTotal.WithLabelValues(kind, status).Inc()
	m.fileDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

func (m *IngestMetrics) ObserveOCRPage(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.ocrPagesTotal.WithLabelValues(outcome).Inc()
}
