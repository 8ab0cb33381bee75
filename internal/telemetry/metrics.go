/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsdb_api_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obsdb_api_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obsdb_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// ITCRequestsTotal counts external integration-time calls by outcome
	// (success, service_error, cache_hit).
	ITCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsdb_itc_requests_total",
		Help: "External ITC calls by outcome.",
	}, []string{"outcome"})

	// ITCRequestDuration observes external ITC call latency.
	ITCRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obsdb_itc_request_duration_seconds",
		Help:    "External ITC call duration.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// SequenceBuildDuration observes full generate/digest latency per instrument.
	SequenceBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obsdb_sequence_build_duration_seconds",
		Help:    "Sequence generation duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"instrument"})

	// SequenceStepsGenerated counts steps emitted by the generator.
	SequenceStepsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsdb_sequence_steps_generated_total",
		Help: "Steps emitted by the sequence generator.",
	}, []string{"instrument"})

	// RecordOpsTotal counts execution-record operations by kind and result
	// (ok, linkage_error, duplicate, error).
	RecordOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obsdb_record_ops_total",
		Help: "Execution record operations by result.",
	}, []string{"op", "result"})

	// InvoiceComputeDuration observes time-charge invoice computation.
	InvoiceComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obsdb_invoice_compute_duration_seconds",
		Help:    "Time charge invoice computation duration.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
