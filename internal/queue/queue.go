// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package queue implements the bounded priority ingestion buffer between
// the file watcher and the pipeline workers.
//
// Ordering is strict priority-first, FIFO within a tier (monotonic
// sequence). Enqueue on a full queue blocks the producer instead of
// rejecting, which is what carries the at-least-once guarantee end to end.
//
// Anti-starvation aging: after AgingThreshold consecutive batches that drained any
// high-priority item (priority >= 5) while lower-priority items were
// waiting, the next batch is drained lowest-tier-first. Sustained
// high-priority load therefore delays low tiers by at most AgingThreshold
// batches.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
)

// highTier is the priority at which the aging policy considers an item
// "high" (severity scale is 0..10).
const highTier = 5

// ErrClosed is returned once the queue has shut down.
var ErrClosed = errors.New("ingestion queue closed")

// Item wraps a LogEntry with queue bookkeeping. Destroyed on dequeue.
type Item struct {
	Entry      models.LogEntry
	Sequence   uint64
	EnqueuedAt time.Time
}

// Stats is a point-in-time snapshot for health and metrics.
type Stats struct {
	Size       int           `json:"size"`
	OldestAge  time.Duration `json:"oldest_age_ms"`
	ByPriority map[int]int   `json:"by_priority"`
}

// Queue is the bounded priority buffer. Safe for concurrent producers and
// consumers.
type Queue struct {
	maxSize        int
	agingThreshold int

	// slots is the capacity semaphore; holding a slot means one buffered
	// item. Producers block here, never inside the mutex.
	slots  chan struct{}
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	tiers      [models.MaxPriority + 1][]Item
	seq        uint64
	size       int
	highStreak int
}

// New creates a queue with the configured capacity and aging threshold.
func New(cfg config.QueueConfig) *Queue {
	return &Queue{
		maxSize:        cfg.MaxSize,
		agingThreshold: cfg.AgingThreshold,
		slots:          make(chan struct{}, cfg.MaxSize),
		wake:           make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
}

// Enqueue buffers one entry, blocking while the queue is full. It returns
// ctx.Err() on cancellation and ErrClosed after shutdown. The caller must
// not advance its source offset until Enqueue returns nil.
func (q *Queue) Enqueue(ctx context.Context, entry models.LogEntry) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}

	q.mu.Lock()
	// Close drains the tiers under the mutex after closing q.closed, so a
	// producer that got a slot during the race must re-check here or its
	// item would be appended after the drain and lost.
	select {
	case <-q.closed:
		q.mu.Unlock()
		<-q.slots
		return ErrClosed
	default:
	}
	q.seq++
	prio := clampPriority(entry.Priority)
	q.tiers[prio] = append(q.tiers[prio], Item{
		Entry:      entry,
		Sequence:   q.seq,
		EnqueuedAt: time.Now(),
	})
	q.size++
	metrics.QueueSize.Set(float64(q.size))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// DequeueBatch returns up to max items, waiting up to wait for the first
// one. An empty batch with a nil error means the wait elapsed. ErrClosed
// is returned only after the queue is closed and fully drained.
func (q *Queue) DequeueBatch(ctx context.Context, max int, wait time.Duration) ([]Item, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		batch := q.tryDrain(max)
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-q.closed:
			if batch := q.tryDrain(max); len(batch) > 0 {
				return batch, nil
			}
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-timer.C:
			return nil, nil
		}
	}
}

// tryDrain assembles one batch under the lock, applying the aging policy.
func (q *Queue) tryDrain(max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || max <= 0 {
		return nil
	}

	lowWaiting := q.lowestNonEmptyLocked() < highTier
	aged := q.highStreak >= q.agingThreshold && lowWaiting

	var batch []Item
	if aged {
		batch = q.drainLocked(max, false)
	} else {
		batch = q.drainLocked(max, true)
	}

	// Streak bookkeeping: an aged batch resets it; a batch containing any
	// high item while low items still waited extends it.
	switch {
	case aged:
		q.highStreak = 0
	case batchHasHigh(batch) && q.lowestNonEmptyLocked() < highTier:
		q.highStreak++
	default:
		q.highStreak = 0
	}

	q.size -= len(batch)
	metrics.QueueSize.Set(float64(q.size))
	for range batch {
		<-q.slots
	}
	return batch
}

// drainLocked pulls up to max items, highest tier first when highFirst,
// lowest first otherwise. FIFO within each tier.
func (q *Queue) drainLocked(max int, highFirst bool) []Item {
	batch := make([]Item, 0, max)
	if highFirst {
		for p := models.MaxPriority; p >= 0 && len(batch) < max; p-- {
			batch = q.takeLocked(p, max, batch)
		}
	} else {
		for p := 0; p <= models.MaxPriority && len(batch) < max; p++ {
			batch = q.takeLocked(p, max, batch)
		}
	}
	return batch
}

func (q *Queue) takeLocked(prio, max int, batch []Item) []Item {
	tier := q.tiers[prio]
	n := max - len(batch)
	if n > len(tier) {
		n = len(tier)
	}
	batch = append(batch, tier[:n]...)
	q.tiers[prio] = tier[n:]
	return batch
}

func (q *Queue) lowestNonEmptyLocked() int {
	for p := 0; p <= models.MaxPriority; p++ {
		if len(q.tiers[p]) > 0 {
			return p
		}
	}
	return models.MaxPriority + 1
}

func batchHasHigh(batch []Item) bool {
	for i := range batch {
		if clampPriority(batch[i].Entry.Priority) >= highTier {
			return true
		}
	}
	return false
}

// Stats snapshots the queue without blocking producers for long.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Size: q.size, ByPriority: make(map[int]int)}
	var oldest time.Time
	for p := 0; p <= models.MaxPriority; p++ {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		st.ByPriority[p] = len(tier)
		// The head of each tier is that tier's oldest item.
		if oldest.IsZero() || tier[0].EnqueuedAt.Before(oldest) {
			oldest = tier[0].EnqueuedAt
		}
	}
	if !oldest.IsZero() {
		st.OldestAge = time.Since(oldest)
		metrics.QueueOldestAge.Set(st.OldestAge.Seconds())
	} else {
		metrics.QueueOldestAge.Set(0)
	}
	return st
}

// Close shuts the queue and returns every pending item so the caller can
// apply the configured shutdown policy (dead-letter or discard). Blocked
// producers are released with ErrClosed.
func (q *Queue) Close() []Item {
	q.once.Do(func() { close(q.closed) })

	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]Item, 0, q.size)
	for p := models.MaxPriority; p >= 0; p-- {
		pending = append(pending, q.tiers[p]...)
		q.tiers[p] = nil
	}
	for range pending {
		<-q.slots
	}
	q.size = 0
	metrics.QueueSize.Set(0)
	return pending
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > models.MaxPriority {
		return models.MaxPriority
	}
	return p
}
