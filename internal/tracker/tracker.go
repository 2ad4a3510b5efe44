// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package tracker persists per-source read offsets so a restart resumes
// exactly where ingestion left off: no re-read bytes, no skipped bytes.
//
// The in-memory map is authoritative on the hot path; BadgerDB writes are
// asynchronous with retry. If persistence stays unavailable the tracker
// keeps serving memory offsets and reports itself degraded rather than
// stalling ingestion.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/retry"
)

const offsetKeyPrefix = "offset:"

// Position is the durable state of one source.
type Position struct {
	Offset      int64     `json:"offset"`
	Size        int64     `json:"size"`
	CommittedAt time.Time `json:"committed_at"`
}

// Store tracks read offsets per source.
type Store interface {
	// Offset returns the last committed position for a source.
	Offset(source string) (Position, bool)

	// Commit records that bytes up to offset have been enqueued.
	Commit(source string, offset, size int64)

	// Reset clears a source's position after rotation/truncation.
	Reset(source string)

	// All snapshots every tracked position.
	All() map[string]Position

	// Degraded reports whether persistence is currently failing.
	Degraded() bool
}

// BadgerStore is the badger-backed Store. Commits are serialized per
// source; distinct sources commit concurrently.
type BadgerStore struct {
	db     *badger.DB
	policy retry.Policy

	mu        sync.RWMutex
	positions map[string]Position
	degraded  bool

	// pending wakes the flusher; one slot is enough since the flusher
	// always drains the full dirty set.
	pending chan struct{}
	dirtyMu sync.Mutex
	dirty   map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBadgerStore loads persisted positions into memory and starts the
// background flusher.
func NewBadgerStore(db *badger.DB, policy retry.Policy) (*BadgerStore, error) {
	s := &BadgerStore{
		db:        db,
		policy:    policy,
		positions: make(map[string]Position),
		dirty:     make(map[string]bool),
		pending:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.flushLoop(ctx)

	return s, nil
}

func (s *BadgerStore) load() error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(offsetKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			source := string(item.Key()[len(offsetKeyPrefix):])
			err := item.Value(func(val []byte) error {
				var pos Position
				if err := json.Unmarshal(val, &pos); err != nil {
					return fmt.Errorf("decode position for %s: %w", source, err)
				}
				s.positions[source] = pos
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load offsets: %w", err)
	}
	return nil
}

// Offset returns the last committed position for a source.
func (s *BadgerStore) Offset(source string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[source]
	return pos, ok
}

// Commit records the new position in memory and schedules a durable write.
func (s *BadgerStore) Commit(source string, offset, size int64) {
	s.mu.Lock()
	s.positions[source] = Position{Offset: offset, Size: size, CommittedAt: time.Now()}
	s.mu.Unlock()
	s.markDirty(source)
}

// Reset clears a source's position (rotation detected).
func (s *BadgerStore) Reset(source string) {
	s.mu.Lock()
	s.positions[source] = Position{CommittedAt: time.Now()}
	s.mu.Unlock()
	s.markDirty(source)
}

// All snapshots every tracked position.
func (s *BadgerStore) All() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Degraded reports whether the last flush attempt failed.
func (s *BadgerStore) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Close stops the flusher after a final synchronous flush.
func (s *BadgerStore) Close() error {
	s.cancel()
	<-s.done
	return s.flush(context.Background())
}

func (s *BadgerStore) markDirty(source string) {
	s.dirtyMu.Lock()
	s.dirty[source] = true
	s.dirtyMu.Unlock()
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *BadgerStore) flushLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pending:
			if err := s.flush(ctx); err != nil {
				// Memory stays authoritative; surface degradation and retry
				// on the next commit.
				s.setDegraded(true)
				metrics.OffsetCommitFailures.Inc()
				logging.Err(err).Msg("offset persistence degraded, serving in-memory offsets")
			} else {
				s.setDegraded(false)
			}
		}
	}
}

// flush writes every dirty position, retrying per the store's policy.
func (s *BadgerStore) flush(ctx context.Context) error {
	s.dirtyMu.Lock()
	batch := make([]string, 0, len(s.dirty))
	for source := range s.dirty {
		batch = append(batch, source)
	}
	s.dirty = make(map[string]bool)
	s.dirtyMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := retry.Do(ctx, s.policy, func(context.Context) error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, source := range batch {
				s.mu.RLock()
				pos, ok := s.positions[source]
				s.mu.RUnlock()
				if !ok {
					continue
				}
				data, err := json.Marshal(pos)
				if err != nil {
					return fmt.Errorf("encode position for %s: %w", source, err)
				}
				if err := txn.Set([]byte(offsetKeyPrefix+source), data); err != nil {
					return fmt.Errorf("set offset for %s: %w", source, err)
				}
			}
			return nil
		})
	}, func(attempt int, err error) {
		logging.Warn().Err(err).Int("attempt", attempt).Msg("retrying offset flush")
	})
	if err != nil {
		// Put the batch back so the next commit retries these sources.
		s.dirtyMu.Lock()
		for _, source := range batch {
			s.dirty[source] = true
		}
		s.dirtyMu.Unlock()
	}
	return err
}

func (s *BadgerStore) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}
