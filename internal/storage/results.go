// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/models"
)

const (
	resultPrefix = "result:"
	rawPrefix    = "raw:"
)

// ResultStore persists processing outcomes and the raw content of lines
// that could not be parsed. It is the default pipeline persistence
// backend; deployments with an external store substitute their own.
type ResultStore struct {
	db *badger.DB
}

// NewResultStore wraps an open badger handle.
func NewResultStore(db *badger.DB) *ResultStore {
	return &ResultStore{db: db}
}

func resultKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", resultPrefix, seq))
}

// SaveResult writes one processing result keyed by sequence.
func (s *ResultStore) SaveResult(_ context.Context, res *models.ProcessingResult) error {
	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(resultKey(res.Sequence), value)
	})
	if err != nil {
		return fmt.Errorf("save result %d: %w", res.Sequence, err)
	}
	return nil
}

// SaveRawOnFailure preserves an unparseable line for manual review.
func (s *ResultStore) SaveRawOnFailure(_ context.Context, content, sourceName string) error {
	key := fmt.Sprintf("%s%s:%d", rawPrefix, sourceName, time.Now().UnixNano())
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(content))
	})
	if err != nil {
		return fmt.Errorf("save raw content for %s: %w", sourceName, err)
	}
	return nil
}

// Results returns up to limit results in descending sequence order.
func (s *ResultStore) Results(limit int) ([]models.ProcessingResult, error) {
	var results []models.ProcessingResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resultPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the last key under the prefix.
		seek := append([]byte(resultPrefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			err := it.Item().Value(func(value []byte) error {
				var res models.ProcessingResult
				if err := json.Unmarshal(value, &res); err != nil {
					return fmt.Errorf("decode result: %w", err)
				}
				results = append(results, res)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return results, nil
}

// RawFailures returns preserved raw lines for one source.
func (s *ResultStore) RawFailures(sourceName string) ([]string, error) {
	var lines []string
	prefix := []byte(rawPrefix + sourceName + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				lines = append(lines, string(value))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan raw failures: %w", err)
	}
	return lines, nil
}
