// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package models

import "time"

// EventType tags envelopes pushed to subscribed clients.
type EventType string

const (
	EventSecurity         EventType = "security_event"
	EventSystemStatus     EventType = "system_status"
	EventProcessingUpdate EventType = "processing_update"
	EventHealthCheck      EventType = "health_check"
)

// KnownEventTypes lists every event type a client may subscribe to.
var KnownEventTypes = []EventType{
	EventSecurity,
	EventSystemStatus,
	EventProcessingUpdate,
	EventHealthCheck,
}

// Envelope is the wire shape of every message pushed to clients.
type Envelope struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Priority  int         `json:"priority"`
}

// SubscriptionFilter narrows the events a client receives. Zero values mean
// "no constraint": MaxPriority == 0 is treated as unbounded.
type SubscriptionFilter struct {
	MinPriority int      `json:"min_priority,omitempty"`
	MaxPriority int      `json:"max_priority,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// Subscription is the per-client event selection owned by the broadcast hub.
type Subscription struct {
	ClientID   string              `json:"client_id"`
	EventTypes map[EventType]bool  `json:"event_types"`
	Filter     *SubscriptionFilter `json:"filter,omitempty"`
}

// Allows reports whether an envelope carrying optional security metadata
// passes this subscription. Category and source are empty for non-security
// envelopes and then bypass the category/source filters.
func (s *Subscription) Allows(env *Envelope, category, source string) bool {
	if !s.EventTypes[env.Type] {
		return false
	}
	f := s.Filter
	if f == nil {
		return true
	}
	if env.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && env.Priority > f.MaxPriority {
		return false
	}
	if len(f.Categories) > 0 && category != "" && !contains(f.Categories, category) {
		return false
	}
	if len(f.Sources) > 0 && source != "" && !contains(f.Sources, source) {
		return false
	}
	return true
}

// ValidEventType reports whether t is a subscribable event type.
func ValidEventType(t EventType) bool {
	for _, known := range KnownEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
