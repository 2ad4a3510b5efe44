// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package queue

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/models"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeadLetterRoundTrip(t *testing.T) {
	store := NewDeadLetterStore(openTestDB(t))

	items := []Item{
		{Entry: models.LogEntry{Content: "one", SourceName: "s", Priority: 5}, Sequence: 1, EnqueuedAt: time.Now()},
		{Entry: models.LogEntry{Content: "two", SourceName: "s", Priority: 3}, Sequence: 2, EnqueuedAt: time.Now()},
	}
	if err := store.Append(items); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Drain returned %d items, want 2", len(got))
	}
	if got[0].Entry.Content != "one" || got[1].Entry.Content != "two" {
		t.Errorf("Drain order = %q, %q; want sequence order", got[0].Entry.Content, got[1].Entry.Content)
	}

	// Drain clears the bucket.
	got, err = store.Drain()
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("bucket not cleared: %d items remain", len(got))
	}
}

func TestShutdownPolicyDeadLetter(t *testing.T) {
	store := NewDeadLetterStore(openTestDB(t))
	q := testQueue(10, 1000)
	mustEnqueue(t, q, entry(5, "survives"))

	pending := q.Close()
	if err := ApplyShutdownPolicy(pending, config.ShutdownDeadLetter, store); err != nil {
		t.Fatalf("ApplyShutdownPolicy: %v", err)
	}

	got, err := store.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Entry.Content != "survives" {
		t.Fatalf("dead-letter bucket = %v, want the pending item", got)
	}
}

func TestShutdownPolicyDiscard(t *testing.T) {
	store := NewDeadLetterStore(openTestDB(t))
	q := testQueue(10, 1000)
	mustEnqueue(t, q, entry(5, "dropped"))

	pending := q.Close()
	if err := ApplyShutdownPolicy(pending, config.ShutdownDiscard, store); err != nil {
		t.Fatalf("ApplyShutdownPolicy: %v", err)
	}

	got, err := store.Drain()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("discard policy persisted %d items, want 0", len(got))
	}
}
