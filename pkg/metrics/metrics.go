// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     prometheus.Histogram

	// Observe metrics
	Observations prometheus.Gauge
	Pushes       *prometheus.CounterVec

	// Backend metrics
	BackendErrors *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Mirror metrics
	MirrorPublishes    *prometheus.CounterVec
	MirrorBreakerState prometheus.Gauge
}

// New creates a new Metrics instance registered on reg. A nil reg uses
// the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "thingsgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by route and response code",
			},
			[]string{"route", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RequestSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "put_body_bytes",
				Help:      "PUT body size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384, 65536},
			},
		),
		Observations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations_active",
				Help:      "Number of live Observe subscriptions",
			},
		),
		Pushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observe_pushes_total",
				Help:      "Total number of Observe notifications by status",
			},
			[]string{"status"},
		),
		BackendErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend errors by operation",
			},
			[]string{"op"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"scope"},
		),
		MirrorPublishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_publishes_total",
				Help:      "Total number of updates mirrored to MQTT by status",
			},
			[]string{"status"},
		),
		MirrorBreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mirror_breaker_state",
				Help:      "MQTT mirror circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
	}
}

// ObserveRequest tracks a request lifecycle. f returns the response code
// as a string (e.g. "2.05").
func (m *Metrics) ObserveRequest(route string, f func() string) {
	start := time.Now()

	code := f()
	duration := time.Since(start).Seconds()

	m.RequestsTotal.WithLabelValues(route, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration)
}
