package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rbaliyan/mailhost/wsp"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	ownerBytes prometheus.Histogram
	staged     prometheus.Counter
}

// NewMetrics creates collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhost_worker_requests_total",
				Help: "Worker requests by action and result.",
			},
			[]string{
				"action",
				"result", // ok, error, or a response code
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailhost_worker_request_duration_seconds",
				Help:    "Worker request handling time.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"action"},
		),
		ownerBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailhost_worker_owner_storage_bytes",
			Help:    "Owner storage measured by size refreshes.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		}),
		staged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailhost_worker_staged_messages_total",
			Help: "Messages staged for owners that were not set up yet.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.ownerBytes,
		m.staged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one handled request. It matches wsp.ObserveFunc.
func (m *Metrics) Observe(action string, d time.Duration, err error) {
	m.requests.WithLabelValues(action, result(err)).Inc()
	m.duration.WithLabelValues(action).Observe(d.Seconds())
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	var werr *wsp.Error
	if errors.As(err, &werr) && werr.Code != "" {
		return werr.Code
	}
	return "error"
}
