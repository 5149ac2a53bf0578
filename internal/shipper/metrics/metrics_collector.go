// Package metrics exposes shipper activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Batch outcome labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

func (mc *MetricsCollector) SetQueueDepth(depth int) {
	mc.prometheus.SetQueueDepth(depth)
}

func (mc *MetricsCollector) RecordBatch(records int, duration time.Duration, err error) {
	mc.prometheus.RecordDeliveryDuration(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	} else {
		mc.prometheus.AddRecordsSent(records)
	}
	mc.prometheus.RecordBatch(status)

	mc.logger.Debug("Recorded batch metric",
		zap.String("status", status),
		zap.Int("records", records),
		zap.Duration("duration", duration))
}

func (mc *MetricsCollector) RecordFailure(category string) {
	mc.prometheus.RecordFailure(category)

	mc.logger.Debug("Recorded failure metric",
		zap.String("category", category))
}

func (mc *MetricsCollector) RecordPersisted(n int) {
	mc.prometheus.AddPersisted(n)
}

func (mc *MetricsCollector) RecordLoaded(n int) {
	mc.prometheus.AddLoaded(n)
}

func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	return mc.prometheus.Gatherer()
}

func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
