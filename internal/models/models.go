// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package models defines the domain types shared across the ingestion
// pipeline: log sources, raw entries, processing results, subscriptions,
// and notification rules/records.
package models

import "time"

// SourceStatus describes the monitoring state of a log source.
type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourceInactive SourceStatus = "inactive"
	SourceError    SourceStatus = "error"
	SourcePaused   SourceStatus = "paused"
)

// MaxPriority is the upper bound of the priority scale (0 is the lowest).
const MaxPriority = 10

// LogSource is a configured file or directory to monitor.
//
// For a file source, LastOffset <= LastSize holds at all times; the only
// transient violation is truncation-rotation detection, which resets
// LastOffset to zero.
type LogSource struct {
	Name          string        `json:"name"`
	Path          string        `json:"path"`
	IsDirectory   bool          `json:"is_directory"`
	FilePattern   string        `json:"file_pattern,omitempty"`
	Enabled       bool          `json:"enabled"`
	PollInterval  time.Duration `json:"poll_interval"`
	Priority      int           `json:"priority"`
	LastOffset    int64         `json:"last_offset"`
	LastSize      int64         `json:"last_size"`
	LastMonitored time.Time     `json:"last_monitored_at"`
	Status        SourceStatus  `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// LogEntry is a single raw log line (or block) captured from a source.
// Entries are immutable once enqueued.
type LogEntry struct {
	Content    string    `json:"content"`
	SourceName string    `json:"source_name"`
	SourcePath string    `json:"source_path"`
	CapturedAt time.Time `json:"captured_at"`
	Priority   int       `json:"priority"`
	FileOffset int64     `json:"file_offset"`
}

// ResultStatus is the outcome of processing one LogEntry.
type ResultStatus string

const (
	ResultSuccess        ResultStatus = "success"
	ResultParseFailed    ResultStatus = "parse_failed"
	ResultAnalysisFailed ResultStatus = "analysis_failed"
)

// ProcessingResult is produced exactly once per LogEntry. Severity is only
// meaningful when Status is ResultSuccess.
type ProcessingResult struct {
	Sequence        uint64        `json:"sequence"`
	SourceName      string        `json:"source_name"`
	Status          ResultStatus  `json:"status"`
	Severity        int           `json:"severity"`
	Category        string        `json:"category,omitempty"`
	Message         string        `json:"message"`
	Explanation     string        `json:"explanation,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	ProcessingTime  time.Duration `json:"processing_time_ms"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// NotificationRule selects which processing results trigger notifications
// and on which channels. Invariant: MinSeverity <= MaxSeverity.
type NotificationRule struct {
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	MinSeverity     int      `json:"min_severity"`
	MaxSeverity     int      `json:"max_severity"`
	Categories      []string `json:"categories,omitempty"`
	Channels        []string `json:"channels"`
	ThrottleMinutes int      `json:"throttle_minutes"`
}

// Matches reports whether a result qualifies under this rule. Only
// successful results are eligible; an empty category set matches any.
func (r *NotificationRule) Matches(res *ProcessingResult) bool {
	if !r.Enabled || res.Status != ResultSuccess {
		return false
	}
	if res.Severity < r.MinSeverity || res.Severity > r.MaxSeverity {
		return false
	}
	if len(r.Categories) == 0 {
		return true
	}
	for _, c := range r.Categories {
		if c == res.Category {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome of one notification delivery attempt.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryThrottled DeliveryStatus = "throttled"
)

// NotificationRecord is one row of the append-only delivery audit trail.
// Exactly one record exists per (event, rule, channel) attempt outcome.
type NotificationRecord struct {
	EventID      string         `json:"event_id"`
	RuleName     string         `json:"rule_name"`
	Channel      string         `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	SentAt       time.Time      `json:"sent_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
