// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package notify

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/storage"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type memChannel struct {
	name string
	mu   sync.Mutex
	sent []string
	fail int // fail this many calls before succeeding
}

func (m *memChannel) Name() string { return m.name }

func (m *memChannel) Send(_ context.Context, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("delivery refused")
	}
	m.sent = append(m.sent, subject)
	return nil
}

func (m *memChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()
	db, err := storage.Open(config.StorageConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRecordStore(db)
}

func testRule(name string, channels ...string) config.RuleConfig {
	return config.RuleConfig{
		Name:        name,
		Enabled:     true,
		MinSeverity: 5,
		MaxSeverity: 10,
		Channels:    channels,
	}
}

func testResult(severity int, category string) *models.ProcessingResult {
	return &models.ProcessingResult{
		Sequence:    1,
		SourceName:  "auth",
		Status:      models.ResultSuccess,
		Severity:    severity,
		Category:    category,
		Message:     "Failed password for root from 10.0.0.5",
		CompletedAt: time.Now().UTC(),
	}
}

func testNotifyConfig(rules ...config.RuleConfig) config.NotifyConfig {
	return config.NotifyConfig{
		Rules: rules,
		DeliveryRetry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    10 * time.Millisecond,
		},
	}
}

func TestMatchingRuleDeliversAndRecords(t *testing.T) {
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(testRule("high-sev", "ops")), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))

	if got := ch.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	records, err := store.ForEvent("evt-1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want exactly 1 per (event, rule, channel)", len(records))
	}
	rec := records[0]
	if rec.Status != models.DeliverySent || rec.RuleName != "high-sev" || rec.Channel != "ops" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSeverityOutsideRangeDoesNotMatch(t *testing.T) {
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(testRule("high-sev", "ops")), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-low", testResult(3, "authentication"))

	if got := ch.count(); got != 0 {
		t.Fatalf("deliveries = %d, want 0", got)
	}
	records, _ := store.ForEvent("evt-low")
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0 for non-matching result", len(records))
	}
}

func TestCategoryFilterRestrictsMatches(t *testing.T) {
	rule := testRule("auth-only", "ops")
	rule.Categories = []string{"authentication"}
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(rule), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "system"))
	if got := ch.count(); got != 0 {
		t.Fatalf("deliveries = %d, want 0 for category mismatch", got)
	}

	d.Dispatch(context.Background(), "evt-2", testResult(8, "authentication"))
	if got := ch.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1 for category match", got)
	}
}

func TestThrottleCollapsesBurstIntoOneDelivery(t *testing.T) {
	rule := testRule("throttled", "ops")
	rule.ThrottleMinutes = 10
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(rule), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-1", testResult(9, "authentication"))
	d.Dispatch(context.Background(), "evt-2", testResult(9, "authentication"))
	d.Dispatch(context.Background(), "evt-3", testResult(9, "authentication"))

	if got := ch.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1 (burst collapsed)", got)
	}

	// Suppressed attempts still leave audit records.
	for _, evt := range []string{"evt-2", "evt-3"} {
		records, err := store.ForEvent(evt)
		if err != nil {
			t.Fatalf("records %s: %v", evt, err)
		}
		if len(records) != 1 || records[0].Status != models.DeliveryThrottled {
			t.Fatalf("%s: records = %+v, want one throttled record", evt, records)
		}
	}
}

func TestFailedChannelDoesNotBlockOthers(t *testing.T) {
	store := openTestStore(t)
	good := &memChannel{name: "ops"}
	bad := &memChannel{name: "pager", fail: 100}
	d := New(testNotifyConfig(testRule("both", "ops", "pager")), nil, store, []Channel{good, bad})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))

	if got := good.count(); got != 1 {
		t.Fatalf("good channel deliveries = %d, want 1", got)
	}
	records, err := store.ForEvent("evt-1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (one per channel)", len(records))
	}
	byChannel := map[string]models.NotificationRecord{}
	for _, rec := range records {
		byChannel[rec.Channel] = rec
	}
	if byChannel["ops"].Status != models.DeliverySent {
		t.Errorf("ops status = %q, want sent", byChannel["ops"].Status)
	}
	if byChannel["pager"].Status != models.DeliveryFailed || byChannel["pager"].ErrorMessage == "" {
		t.Errorf("pager record = %+v, want failed with error message", byChannel["pager"])
	}
}

func TestTransientFailureRecoveredByRetry(t *testing.T) {
	store := openTestStore(t)
	flaky := &memChannel{name: "ops", fail: 2}
	d := New(testNotifyConfig(testRule("flaky", "ops")), nil, store, []Channel{flaky})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))

	if got := flaky.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1 after retries", got)
	}
	records, _ := store.ForEvent("evt-1")
	if len(records) != 1 || records[0].Status != models.DeliverySent {
		t.Fatalf("records = %+v, want one sent record", records)
	}
}

func TestUnknownChannelRecordedAsFailed(t *testing.T) {
	store := openTestStore(t)
	d := New(testNotifyConfig(testRule("misconfigured", "missing")), nil, store, nil)

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))

	records, _ := store.ForEvent("evt-1")
	if len(records) != 1 || records[0].Status != models.DeliveryFailed {
		t.Fatalf("records = %+v, want one failed record", records)
	}
}

func TestApplySwapsRules(t *testing.T) {
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(testRule("old", "ops")), nil, store, []Channel{ch})

	newRule := testRule("new", "ops")
	newRule.MinSeverity = 9
	d.Apply([]config.RuleConfig{newRule})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))
	if got := ch.count(); got != 0 {
		t.Fatalf("deliveries = %d, want 0 under the reloaded rule set", got)
	}
	d.Dispatch(context.Background(), "evt-2", testResult(9, "authentication"))
	if got := ch.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	rule := testRule("disabled", "ops")
	rule.Enabled = false
	store := openTestStore(t)
	ch := &memChannel{name: "ops"}
	d := New(testNotifyConfig(rule), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-1", testResult(10, "authentication"))
	if got := ch.count(); got != 0 {
		t.Fatalf("deliveries = %d, want 0 for disabled rule", got)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC()
	for i, evt := range []string{"a", "b", "c"} {
		err := store.Save(&models.NotificationRecord{
			EventID:  evt,
			RuleName: "r",
			Channel:  "ops",
			Status:   models.DeliverySent,
			SentAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("save %s: %v", evt, err)
		}
	}

	records, err := store.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 || records[0].EventID != "c" || records[1].EventID != "b" {
		t.Fatalf("recent = %+v, want [c b]", records)
	}
}

func TestFailedDeliveryDoesNotStartThrottleWindow(t *testing.T) {
	rule := testRule("throttled", "ops")
	rule.ThrottleMinutes = 10
	store := openTestStore(t)
	ch := &memChannel{name: "ops", fail: 3}
	d := New(testNotifyConfig(rule), nil, store, []Channel{ch})

	d.Dispatch(context.Background(), "evt-1", testResult(8, "authentication"))
	d.Dispatch(context.Background(), "evt-2", testResult(8, "authentication"))

	if got := ch.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1 (second event must be attempted after a terminal failure)", got)
	}

	first, _ := store.ForEvent("evt-1")
	if len(first) != 1 || first[0].Status != models.DeliveryFailed {
		t.Fatalf("evt-1 records = %+v, want one failed", first)
	}
	second, _ := store.ForEvent("evt-2")
	if len(second) != 1 || second[0].Status != models.DeliverySent {
		t.Fatalf("evt-2 records = %+v, want one sent", second)
	}

	// The successful delivery opened the window; a third event is throttled.
	d.Dispatch(context.Background(), "evt-3", testResult(8, "authentication"))
	third, _ := store.ForEvent("evt-3")
	if len(third) != 1 || third[0].Status != models.DeliveryThrottled {
		t.Fatalf("evt-3 records = %+v, want one throttled", third)
	}
}
