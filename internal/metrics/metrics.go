// Package metrics exposes Prometheus metrics for dispatched calls and the
// device session.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quanlan-server/quanlan-server/internal/dispatch"
	"github.com/quanlan-server/quanlan-server/internal/session"
)

const namespace = "quanlan"

// StatusSource provides the session snapshot read at scrape time
type StatusSource interface {
	Status() session.Status
}

// Metrics implements dispatch.Observer
type Metrics struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the metrics and registers them on a private registry
func New(src StatusSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Dispatched RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Latency of dispatched RPC calls.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		m.calls,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when a device is bound to the session.",
		}, func() float64 {
			return boolGauge(src.Status().Connected)
		}))

		states := map[string]func(session.Status) bool{
			"acquiring":   func(s session.Status) bool { return s.Acquiring },
			"impedance":   func(s session.Status) bool { return s.Impedance },
			"stimulating": func(s session.Status) bool { return s.Stimulating },
		}
		for state, get := range states {
			get := get
			m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "device_state",
				Help:        "1 when the device sub-state is running.",
				ConstLabels: prometheus.Labels{"state": state},
			}, func() float64 {
				return boolGauge(get(src.Status()))
			}))
		}
	}

	return m
}

// Observe implements dispatch.Observer
func (m *Metrics) Observe(_ context.Context, call *dispatch.Call) {
	m.calls.WithLabelValues(call.Method, call.Outcome()).Inc()
	m.duration.WithLabelValues(call.Method).Observe(call.Latency.Seconds())
}

// Registry returns the registry holding every metric
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
