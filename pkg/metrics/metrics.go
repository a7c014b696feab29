// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mecho.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mecho.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Relay metrics
	BytesReceived  *prometheus.CounterVec
	BytesEchoed    *prometheus.CounterVec
	BuffersDropped *prometheus.CounterVec

	// Listener metrics
	AcceptRejected *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance registered with reg. A nil reg
// registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mecho"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"protocol"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections",
			},
			[]string{"protocol", "status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"protocol", "error_type"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		BytesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "received_bytes_total",
				Help:      "Total number of bytes read from peers",
			},
			[]string{"protocol"},
		),
		BytesEchoed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "echoed_bytes_total",
				Help:      "Total number of bytes written back to peers",
			},
			[]string{"protocol"},
		),
		BuffersDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_buffers_total",
				Help:      "Total number of buffers released without being echoed",
			},
			[]string{"protocol"},
		),
		AcceptRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_rejected_total",
				Help:      "Total number of connections refused at accept",
			},
			[]string{"reason"},
		),
		GoroutinesActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// RegisterBufferPool exposes the number of live buffers of a pool.
func RegisterBufferPool(reg prometheus.Registerer, namespace string, outstanding func() int64) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "mecho"
	}
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffers_outstanding",
			Help:      "Number of relay buffers not yet released",
		},
		func() float64 { return float64(outstanding()) },
	))
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(protocol string, f func() error) error {
	m.ActiveConnections.WithLabelValues(protocol).Inc()
	defer m.ActiveConnections.WithLabelValues(protocol).Dec()

	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		m.ConnectionDuration.WithLabelValues(protocol).Observe(duration)
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(protocol, status).Inc()

	return err
}

// ObserveRelay adds the byte and drop counts of a finished connection.
func (m *Metrics) ObserveRelay(protocol string, in, out, dropped uint64) {
	m.BytesReceived.WithLabelValues(protocol).Add(float64(in))
	m.BytesEchoed.WithLabelValues(protocol).Add(float64(out))
	if dropped > 0 {
		m.BuffersDropped.WithLabelValues(protocol).Add(float64(dropped))
	}
}

// ObserveError counts a connection error of the given kind.
func (m *Metrics) ObserveError(protocol, kind string) {
	m.ConnectionErrors.WithLabelValues(protocol, kind).Inc()
}
