// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package queue

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
)

const deadLetterPrefix = "deadletter:"

// DeadLetterStore persists items the queue could not hand to the pipeline
// before shutdown. Entries are replayed (and cleared) on the next start.
type DeadLetterStore struct {
	db *badger.DB
}

// NewDeadLetterStore wraps the shared badger instance.
func NewDeadLetterStore(db *badger.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Append persists the given items under their sequence numbers.
func (s *DeadLetterStore) Append(items []Item) error {
	if len(items) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for i := range items {
			data, err := json.Marshal(items[i])
			if err != nil {
				return fmt.Errorf("encode dead letter %d: %w", items[i].Sequence, err)
			}
			key := fmt.Sprintf("%s%020d", deadLetterPrefix, items[i].Sequence)
			if err := txn.Set([]byte(key), data); err != nil {
				return fmt.Errorf("set dead letter %d: %w", items[i].Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.QueueDeadLettered.Add(float64(len(items)))
	return nil
}

// Drain loads all persisted items in sequence order and deletes them.
func (s *DeadLetterStore) Drain() ([]Item, error) {
	var items []Item
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var qi Item
				if err := json.Unmarshal(val, &qi); err != nil {
					return fmt.Errorf("decode dead letter %s: %w", item.Key(), err)
				}
				items = append(items, qi)
				return nil
			})
			if err != nil {
				return err
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete dead letter %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

// ApplyShutdownPolicy disposes of pending items per configuration: persist
// them for replay, or discard with an audit log line.
func ApplyShutdownPolicy(pending []Item, policy config.ShutdownPolicy, store *DeadLetterStore) error {
	if len(pending) == 0 {
		return nil
	}
	switch policy {
	case config.ShutdownDiscard:
		logging.Warn().Int("count", len(pending)).Msg("discarding queued entries at shutdown per policy")
		return nil
	default:
		if err := store.Append(pending); err != nil {
			return fmt.Errorf("dead-letter pending items: %w", err)
		}
		logging.Info().Int("count", len(pending)).Msg("dead-lettered queued entries at shutdown")
		return nil
	}
}
