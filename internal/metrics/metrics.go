// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package metrics declares the Prometheus collectors for the ingestion
// pipeline. Collectors are package-level and registered via promauto, so
// importing packages can record without wiring a registry through every
// constructor. Exposed at /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Watcher metrics
	EntriesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_entries_read_total",
			Help: "Log entries read from sources and enqueued",
		},
		[]string{"source"},
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_source_errors_total",
			Help: "Read failures per source",
		},
		[]string{"source", "kind"},
	)

	SourceRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_source_rotations_total",
			Help: "Detected truncation or rotation events per source",
		},
		[]string{"source"},
	)

	// Queue metrics
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logwarden_queue_size",
			Help: "Items currently buffered in the ingestion queue",
		},
	)

	QueueOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logwarden_queue_oldest_age_seconds",
			Help: "Age of the oldest queued item",
		},
	)

	QueueDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_queue_dead_lettered_total",
			Help: "Items persisted to the dead-letter bucket at shutdown",
		},
	)

	// Pipeline metrics
	EntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_entries_processed_total",
			Help: "Processing results by status",
		},
		[]string{"status"},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logwarden_processing_duration_seconds",
			Help:    "Per-entry parse and analysis duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	AnalyzerRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_analyzer_retries_total",
			Help: "Analyzer calls retried after a transient failure",
		},
	)

	// Hub metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logwarden_active_connections",
			Help: "Open WebSocket client connections",
		},
	)

	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_messages_dropped_total",
			Help: "Envelopes dropped from full per-client outbound buffers",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_messages_sent_total",
			Help: "Envelopes delivered to clients by event type",
		},
		[]string{"type"},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_notifications_total",
			Help: "Notification delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	// Tracker metrics
	OffsetCommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_offset_commit_failures_total",
			Help: "Offset persistence failures (tracker degraded mode)",
		},
	)
)
