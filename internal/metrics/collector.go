// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records pipeline execution metrics.
type Collector struct {
	pipelineRunsTotal    *prometheus.CounterVec
	pipelineRunDuration  *prometheus.HistogramVec
	stageExecutionsTotal *prometheus.CounterVec
	stageRetriesTotal    *prometheus.CounterVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg. A nil
// registerer falls back to the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.pipelineRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"workflow", "status"},
	)

	c.pipelineRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow"},
	)

	c.stageExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of stage executions",
		},
		[]string{"workflow", "stage", "status"},
	)

	c.stageRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retry attempts",
		},
		[]string{"workflow", "stage"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"partition"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"partition"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordPipelineRun records a finished pipeline run.
func (c *Collector) RecordPipelineRun(workflow, status string, duration time.Duration) {
	c.pipelineRunsTotal.WithLabelValues(workflow, status).Inc()
	c.pipelineRunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	c.logger.Debug("metric_recorded",
		zap.String("metric", "pipeline_run"),
		zap.String("workflow", workflow),
		zap.String("status", status),
		zap.Duration("duration", duration),
	)
}

// RecordStageExecution records a stage outcome.
func (c *Collector) RecordStageExecution(workflow, stage, status string) {
	c.stageExecutionsTotal.WithLabelValues(workflow, stage, status).Inc()
	c.logger.Debug("metric_recorded",
		zap.String("metric", "stage_execution"),
		zap.String("workflow", workflow),
		zap.String("stage", stage),
		zap.String("status", status),
	)
}

// RecordStageRetry records a retry attempt for a stage.
func (c *Collector) RecordStageRetry(workflow, stage string) {
	c.stageRetriesTotal.WithLabelValues(workflow, stage).Inc()
}

// RecordCacheHit records a cache hit for a partition.
func (c *Collector) RecordCacheHit(partition string) {
	c.cacheHits.WithLabelValues(partition).Inc()
}

// RecordCacheMiss records a cache miss for a partition.
func (c *Collector) RecordCacheMiss(partition string) {
	c.cacheMisses.WithLabelValues(partition).Inc()
}
