// Package metrics exposes mirror loop measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const namespace = "feed_mirror"

// Collector implements domain.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	iterations        *prometheus.CounterVec
	iterationDuration prometheus.Histogram
	stageDuration     *prometheus.HistogramVec
	lastIteration     prometheus.Gauge
}

var _ domain.Metrics = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Mirror loop iterations by outcome.",
		}, []string{"outcome"}),
		iterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Duration of one mirror loop iteration.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of a pipeline stage, by stage and whether it produced a result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "ok"}),
		lastIteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_iteration_timestamp_seconds",
			Help:      "Unix time the last iteration finished.",
		}),
	}

	c.registry.MustRegister(
		c.iterations,
		c.iterationDuration,
		c.stageDuration,
		c.lastIteration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) IterationDone(outcome string, d time.Duration) {
	c.iterations.WithLabelValues(outcome).Inc()
	c.iterationDuration.Observe(d.Seconds())
	c.lastIteration.SetToCurrentTime()
}

func (c *Collector) StageDone(stage string, ok bool, d time.Duration) {
	c.stageDuration.WithLabelValues(stage, strconv.FormatBool(ok)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
