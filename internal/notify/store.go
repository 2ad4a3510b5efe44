// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package notify

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/models"
)

const recordPrefix = "notif:"

// RecordStore is the append-only delivery audit trail. One record exists
// per (event, rule, channel) attempt outcome.
type RecordStore struct {
	db *badger.DB
}

// NewRecordStore wraps an open badger handle shared with the other
// persistence layers.
func NewRecordStore(db *badger.DB) *RecordStore {
	return &RecordStore{db: db}
}

func recordKey(eventID, rule, channel string) []byte {
	return []byte(recordPrefix + eventID + ":" + rule + ":" + channel)
}

// Save writes the record for its (event, rule, channel) triple.
func (s *RecordStore) Save(rec *models.NotificationRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode notification record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.EventID, rec.RuleName, rec.Channel), value)
	})
	if err != nil {
		return fmt.Errorf("save notification record: %w", err)
	}
	return nil
}

// ForEvent returns every record written for one event ID.
func (s *RecordStore) ForEvent(eventID string) ([]models.NotificationRecord, error) {
	return s.scan([]byte(recordPrefix + eventID + ":"))
}

// Recent returns up to limit records ordered newest first.
func (s *RecordStore) Recent(limit int) ([]models.NotificationRecord, error) {
	records, err := s.scan([]byte(recordPrefix))
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SentAt.After(records[j].SentAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *RecordStore) scan(prefix []byte) ([]models.NotificationRecord, error) {
	var records []models.NotificationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var rec models.NotificationRecord
				if err := json.Unmarshal(value, &rec); err != nil {
					return fmt.Errorf("decode notification record: %w", err)
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan notification records: %w", err)
	}
	return records, nil
}
