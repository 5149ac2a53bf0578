package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

const subsystem = "shipper"

type PrometheusMetrics struct {
	registry    *prometheus.Registry
	httpHandler func(*fasthttp.RequestCtx)
	logger      *zap.Logger

	queueDepth            prometheus.Gauge
	recordsSentTotal      prometheus.Counter
	batchesTotal          *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	failuresTotal         *prometheus.CounterVec
	persistedRecordsTotal prometheus.Counter
	loadedRecordsTotal    prometheus.Counter
}

func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	if namespace == "" {
		namespace = "eventshipper"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current number of records waiting in the in-memory queue",
		},
	)

	pm.recordsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_sent_total",
			Help:      "Total number of records acknowledged by the collector",
		},
	)

	pm.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_total",
			Help:      "Total number of batch deliveries by outcome",
		},
		[]string{"status"},
	)

	pm.deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of batch deliveries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pm.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Total number of failure reports by category",
		},
		[]string{"category"},
	)

	pm.persistedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persisted_records_total",
			Help:      "Total number of records written to the store on shutdown",
		},
	)

	pm.loadedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loaded_records_total",
			Help:      "Total number of records recovered from the store on startup",
		},
	)

	pm.registry = prometheus.NewRegistry()
	pm.registry.MustRegister(pm.queueDepth)
	pm.registry.MustRegister(pm.recordsSentTotal)
	pm.registry.MustRegister(pm.batchesTotal)
	pm.registry.MustRegister(pm.deliveryDuration)
	pm.registry.MustRegister(pm.failuresTotal)
	pm.registry.MustRegister(pm.persistedRecordsTotal)
	pm.registry.MustRegister(pm.loadedRecordsTotal)

	handler := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})

	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(handler)

	logger.Info("Prometheus metrics initialized for Event Shipper",
		zap.String("namespace", namespace))

	return pm
}

func (pm *PrometheusMetrics) SetQueueDepth(depth int) {
	pm.queueDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) AddRecordsSent(n int) {
	pm.recordsSentTotal.Add(float64(n))
}

func (pm *PrometheusMetrics) RecordBatch(status string) {
	pm.batchesTotal.WithLabelValues(status).Inc()
}

func (pm *PrometheusMetrics) RecordDeliveryDuration(duration float64) {
	pm.deliveryDuration.Observe(duration)
}

func (pm *PrometheusMetrics) RecordFailure(category string) {
	pm.failuresTotal.WithLabelValues(category).Inc()
}

func (pm *PrometheusMetrics) AddPersisted(n int) {
	pm.persistedRecordsTotal.Add(float64(n))
}

func (pm *PrometheusMetrics) AddLoaded(n int) {
	pm.loadedRecordsTotal.Add(float64(n))
}

// Gatherer exposes the private registry for tests and embedding.
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return pm.registry
}

func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
