// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
)

//nolint:gochecknoinits // quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func testQueue(maxSize, agingThreshold int) *Queue {
	return New(config.QueueConfig{
		MaxSize:        maxSize,
		BatchSize:      100,
		AgingThreshold: agingThreshold,
	})
}

func entry(priority int, content string) models.LogEntry {
	return models.LogEntry{
		Content:    content,
		SourceName: "test",
		Priority:   priority,
		CapturedAt: time.Now(),
	}
}

func mustEnqueue(t *testing.T, q *Queue, entries ...models.LogEntry) {
	t.Helper()
	for _, e := range entries {
		if err := q.Enqueue(context.Background(), e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func TestPriorityOrderingFIFOWithinTier(t *testing.T) {
	q := testQueue(100, 1000)
	mustEnqueue(t, q,
		entry(1, "low-a"),
		entry(5, "high-a"),
		entry(1, "low-b"),
		entry(5, "high-b"),
		entry(3, "mid-a"),
	)

	batch, err := q.DequeueBatch(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}

	var got []string
	for _, it := range batch {
		got = append(got, it.Entry.Content)
	}
	want := []string{"high-a", "high-b", "mid-a", "low-a", "low-b"}
	if len(got) != len(want) {
		t.Fatalf("batch = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("batch[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSequenceMonotonic(t *testing.T) {
	q := testQueue(100, 1000)
	mustEnqueue(t, q, entry(5, "a"), entry(5, "b"), entry(5, "c"))

	batch, _ := q.DequeueBatch(context.Background(), 10, time.Second)
	for i := 1; i < len(batch); i++ {
		if batch[i].Sequence <= batch[i-1].Sequence {
			t.Errorf("sequence not increasing: %d then %d", batch[i-1].Sequence, batch[i].Sequence)
		}
	}
}

func TestBackpressureBlocksSecondEnqueue(t *testing.T) {
	q := testQueue(1, 1000)
	mustEnqueue(t, q, entry(5, "first"))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.Enqueue(context.Background(), entry(5, "second"))
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("second Enqueue returned early (err=%v); capacity=1 must block", err)
	case <-time.After(100 * time.Millisecond):
	}

	batch, err := q.DequeueBatch(context.Background(), 1, time.Second)
	if err != nil || len(batch) != 1 || batch[0].Entry.Content != "first" {
		t.Fatalf("DequeueBatch = %v, %v", batch, err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("second Enqueue failed after space freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Enqueue still blocked after dequeue")
	}

	batch, _ = q.DequeueBatch(context.Background(), 1, time.Second)
	if len(batch) != 1 || batch[0].Entry.Content != "second" {
		t.Fatalf("second item not delivered: %v", batch)
	}
}

func TestEnqueueHonorsContext(t *testing.T) {
	q := testQueue(1, 1000)
	mustEnqueue(t, q, entry(5, "filler"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, entry(5, "blocked"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue = %v, want DeadlineExceeded", err)
	}
}

func TestAgingForcesLowTierBatch(t *testing.T) {
	q := testQueue(1000, 2)

	// A standing low-priority item that high traffic would otherwise starve.
	mustEnqueue(t, q, entry(1, "starved"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		mustEnqueue(t, q, entry(8, fmt.Sprintf("high-%d", i)))
		batch, err := q.DequeueBatch(ctx, 1, time.Second)
		if err != nil || len(batch) != 1 {
			t.Fatalf("batch %d: %v, %v", i, batch, err)
		}
		if batch[0].Entry.Priority != 8 {
			t.Fatalf("batch %d drained %q, want high item", i, batch[0].Entry.Content)
		}
	}

	// Streak hit the threshold: next batch must come from the low tier
	// even though a high item is available.
	mustEnqueue(t, q, entry(8, "high-latest"))
	batch, err := q.DequeueBatch(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].Entry.Content != "starved" {
		t.Fatalf("aged batch = %v, want the starved low-priority item", batch)
	}
}

func TestDequeueBatchTimesOutEmpty(t *testing.T) {
	q := testQueue(10, 1000)
	start := time.Now()
	batch, err := q.DequeueBatch(context.Background(), 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("batch = %v, want empty", batch)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, want ~50ms wait", elapsed)
	}
}

func TestStats(t *testing.T) {
	q := testQueue(10, 1000)
	mustEnqueue(t, q, entry(1, "a"), entry(5, "b"), entry(5, "c"))

	st := q.Stats()
	if st.Size != 3 {
		t.Errorf("Size = %d, want 3", st.Size)
	}
	if st.ByPriority[1] != 1 || st.ByPriority[5] != 2 {
		t.Errorf("ByPriority = %v", st.ByPriority)
	}
	if st.OldestAge < 0 {
		t.Errorf("OldestAge = %v", st.OldestAge)
	}
}

func TestCloseReleasesBlockedProducerAndReturnsPending(t *testing.T) {
	q := testQueue(1, 1000)
	mustEnqueue(t, q, entry(5, "pending"))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(context.Background(), entry(5, "late"))
	}()
	time.Sleep(20 * time.Millisecond)

	pending := q.Close()
	if len(pending) != 1 || pending[0].Entry.Content != "pending" {
		t.Fatalf("Close returned %v, want the pending item", pending)
	}

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked producer got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked producer never released by Close")
	}

	if err := q.Enqueue(context.Background(), entry(5, "post-close")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close = %v, want ErrClosed", err)
	}
	if _, err := q.DequeueBatch(context.Background(), 1, 10*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("DequeueBatch after close = %v, want ErrClosed", err)
	}
}

func TestCloseNeverLosesAcceptedEntries(t *testing.T) {
	const producers = 16

	for round := 0; round < 20; round++ {
		q := testQueue(producers*2, 1000)

		type outcome struct {
			content string
			err     error
		}
		results := make(chan outcome, producers)
		start := make(chan struct{})
		for i := 0; i < producers; i++ {
			go func(i int) {
				<-start
				content := fmt.Sprintf("item-%d", i)
				results <- outcome{content, q.Enqueue(context.Background(), entry(5, content))}
			}(i)
		}

		close(start)
		pending := q.Close()

		drained := make(map[string]bool, len(pending))
		for _, item := range pending {
			drained[item.Entry.Content] = true
		}
		for i := 0; i < producers; i++ {
			res := <-results
			if res.err == nil && !drained[res.content] {
				t.Fatalf("round %d: %s accepted by Enqueue but missing from Close's pending list", round, res.content)
			}
			if res.err != nil && !errors.Is(res.err, ErrClosed) {
				t.Fatalf("round %d: unexpected error %v", round, res.err)
			}
		}
	}
}
