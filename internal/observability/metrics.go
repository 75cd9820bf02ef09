package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/platform/inference"
)

type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	jobsActive    prometheus.Gauge

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	fetchBytes    *prometheus.CounterVec
	chunksWritten prometheus.Counter
	factsSkipped  prometheus.Counter
	embedded      prometheus.Counter
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Current returns the process metrics, or nil before Init. All methods accept a nil receiver.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("metrics registry initialized")
		}
	})
	return instance
}

// NewMetrics builds an isolated registry; Init wraps it for the process-wide instance.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_api_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "import_api_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "import_api_inflight",
			Help: "HTTP requests in flight.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "import_stage_seconds",
			Help:    "Import stage duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage", "status"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_stage_total",
			Help: "Import stages by outcome.",
		}, []string{"stage", "status"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_jobs_total",
			Help: "Import jobs reaching a terminal state.",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "import_jobs_active",
			Help: "Import jobs currently running in this process.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_inference_requests_total",
			Help: "Inference calls by task and status.",
		}, []string{"task", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "import_inference_seconds",
			Help:    "Inference call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"task"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_inference_tokens_total",
			Help: "Inference tokens by task and direction.",
		}, []string{"task", "direction"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_fetch_bytes_total",
			Help: "Decoded export bytes read, by container format.",
		}, []string{"format"}),
		chunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "import_chunks_written_total",
			Help: "Conversation chunks upserted.",
		}),
		factsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "import_fact_chunks_skipped_total",
			Help: "Chunks whose extraction failed after retries.",
		}),
		embedded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "import_chunks_embedded_total",
			Help: "Chunks given an embedding by the backfill.",
		}),
	}
	reg.MustRegister(
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.stageDuration, m.stageTotal, m.jobsTotal, m.jobsActive,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.fetchBytes, m.chunksWritten, m.factsSkipped, m.embedded,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage, status).Observe(dur.Seconds())
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.jobsActive.Inc()
	}
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveInference implements inference.Observer.
func (m *Metrics) ObserveInference(task string, elapsed time.Duration, usage inference.Usage, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmRequests.WithLabelValues(task, status).Inc()
	m.llmLatency.WithLabelValues(task).Observe(elapsed.Seconds())
	if usage.InputTokens > 0 {
		m.llmTokens.WithLabelValues(task, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.llmTokens.WithLabelValues(task, "output").Add(float64(usage.OutputTokens))
	}
}

func (m *Metrics) AddFetchedBytes(format string, n int64) {
	if m != nil && n > 0 {
		m.fetchBytes.WithLabelValues(format).Add(float64(n))
	}
}

func (m *Metrics) AddChunksWritten(n int) {
	if m != nil && n > 0 {
		m.chunksWritten.Add(float64(n))
	}
}

func (m *Metrics) AddFactChunksSkipped(n int) {
	if m != nil && n > 0 {
		m.factsSkipped.Add(float64(n))
	}
}

func (m *Metrics) AddEmbedded(n int) {
	if m != nil && n > 0 {
		m.embedded.Add(float64(n))
	}
}
