// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package pipeline

import (
	"context"
	"strings"
	"time"
)

// KeywordParser is the built-in collaborator used when no external parser
// is configured. It classifies lines by substring and never rejects input
// longer than a bare delimiter.
type KeywordParser struct{}

var categoryHints = []struct {
	needle   string
	category string
}{
	{"failed password", "authentication"},
	{"authentication failure", "authentication"},
	{"invalid user", "authentication"},
	{"accepted password", "authentication"},
	{"accepted publickey", "authentication"},
	{"sudo", "privilege"},
	{"session opened", "session"},
	{"session closed", "session"},
	{"denied", "access_control"},
	{"refused", "access_control"},
	{"segfault", "system"},
	{"oom", "system"},
}

func (KeywordParser) Parse(_ context.Context, content, sourceHint string) (*Event, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &ParseError{Source: sourceHint, Reason: "empty line"}
	}
	ev := &Event{
		Category:  "general",
		Message:   trimmed,
		Timestamp: time.Now().UTC(),
	}
	lower := strings.ToLower(trimmed)
	for _, h := range categoryHints {
		if strings.Contains(lower, h.needle) {
			ev.Category = h.category
			break
		}
	}
	return ev, nil
}

// KeywordAnalyzer scores events by category and a handful of severity
// markers. It is deterministic and instantaneous, which also makes it the
// processing backend tests run against.
type KeywordAnalyzer struct{}

func (KeywordAnalyzer) Analyze(ctx context.Context, ev *Event) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := &Analysis{Severity: 3, Explanation: "No known threat markers."}
	lower := strings.ToLower(ev.Message)

	switch ev.Category {
	case "authentication":
		if strings.Contains(lower, "failed") || strings.Contains(lower, "invalid") {
			a.Severity = 8
			a.Explanation = "Failed authentication attempt."
			a.Recommendations = []string{
				"Check for repeated attempts from the same address.",
				"Verify the target account is not compromised.",
			}
		} else {
			a.Severity = 4
			a.Explanation = "Successful authentication."
		}
	case "privilege":
		a.Severity = 7
		a.Explanation = "Privilege escalation activity."
		a.Recommendations = []string{"Confirm the invoking user is authorized."}
	case "access_control":
		a.Severity = 6
		a.Explanation = "Access denied by policy."
	case "system":
		a.Severity = 5
		a.Explanation = "Abnormal process or resource event."
	}

	if strings.Contains(lower, "root") && a.Severity < 9 {
		a.Severity++
	}
	return a, nil
}

// ParseError reports why a line could not be structured.
type ParseError struct {
	Source string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse " + e.Source + ": " + e.Reason
}
