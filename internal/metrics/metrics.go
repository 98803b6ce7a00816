// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Order result labels.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Metrics bundles every collector on one registry so tests can run with
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal          prometheus.Counter
	ScanDuration        prometheus.Histogram
	OrdersTotal         *prometheus.CounterVec
	OrderNotionalUsd    prometheus.Histogram
	IndependentOpen     prometheus.Gauge
	PredictionsRecorded prometheus.Counter
	PredictionsChecked  prometheus.Counter
	StoreHealthFailures prometheus.Counter
}

// New creates the collectors and registers them, along with the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypermirror_scans_total",
			Help: "Completed reconciliation scans.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hypermirror_scan_duration_seconds",
			Help:    "Wall time of one scan body.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240},
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypermirror_orders_total",
			Help: "Dispatched copy actions by action and result.",
		}, []string{"action", "result"}),
		OrderNotionalUsd: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hypermirror_order_notional_usd",
			Help:    "Notional of executed orders in USD.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		}),
		IndependentOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hypermirror_independent_open_positions",
			Help: "Independent positions currently open or confirmed.",
		}),
		PredictionsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypermirror_predictions_recorded_total",
			Help: "Prediction records written.",
		}),
		PredictionsChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypermirror_predictions_validated_total",
			Help: "Prediction records validated against observed price.",
		}),
		StoreHealthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypermirror_store_health_failures_total",
			Help: "Failed store health probes.",
		}),
	}

	reg.MustRegister(
		m.ScansTotal, m.ScanDuration, m.OrdersTotal, m.OrderNotionalUsd,
		m.IndependentOpen, m.PredictionsRecorded, m.PredictionsChecked,
		m.StoreHealthFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry behind the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
