// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the cloud-agent service.
// No per-session or per-execution ids appear in labels; cardinality stays
// bounded by construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution lifecycle

	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudagent_executions_started_total",
		Help: "Total number of executions started.",
	})

	ExecutionsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudagent_executions_terminal_total",
		Help: "Total number of executions reaching a terminal status, by status.",
	}, []string{"status"})

	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudagent_lease_conflicts_total",
		Help: "Total number of execution starts rejected by a live lease.",
	})

	// Ingest protocol

	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudagent_ingest_events_total",
		Help: "Total number of ingest events received, by event type.",
	}, []string{"type"})

	IngestParseFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudagent_ingest_parse_fallbacks_total",
		Help: "Total number of ingest frames that degraded to output events.",
	})

	// Stream fan-out

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cloudagent_stream_subscribers",
		Help: "Current number of connected stream subscribers.",
	})

	StreamDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudagent_stream_dropped_frames_total",
		Help: "Total number of frames dropped because a subscriber buffer was full.",
	})

	// Callback delivery

	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudagent_callback_deliveries_total",
		Help: "Total number of callback delivery outcomes, by verdict.",
	}, []string{"verdict"})

	CallbackAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloudagent_callback_attempts",
		Help:    "Attempt count at which callback jobs leave the queue.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)
