// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func openResultStore(t *testing.T) *ResultStore {
	t.Helper()
	db, err := Open(config.StorageConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewResultStore(db)
}

func TestSaveAndListResults(t *testing.T) {
	store := openResultStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		err := store.SaveResult(ctx, &models.ProcessingResult{
			Sequence:    seq,
			SourceName:  "auth",
			Status:      models.ResultSuccess,
			Severity:    int(seq),
			Message:     "entry",
			CompletedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}

	results, err := store.Results(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []uint64{5, 4, 3} {
		if results[i].Sequence != want {
			t.Errorf("result %d: sequence = %d, want %d", i, results[i].Sequence, want)
		}
	}
}

func TestRawFailuresKeptPerSource(t *testing.T) {
	store := openResultStore(t)
	ctx := context.Background()

	if err := store.SaveRawOnFailure(ctx, "\x00garbage", "kern"); err != nil {
		t.Fatalf("save raw: %v", err)
	}
	if err := store.SaveRawOnFailure(ctx, "other line", "auth"); err != nil {
		t.Fatalf("save raw: %v", err)
	}

	lines, err := store.RawFailures("kern")
	if err != nil {
		t.Fatalf("raw failures: %v", err)
	}
	if len(lines) != 1 || lines[0] != "\x00garbage" {
		t.Fatalf("lines = %q, want preserved raw content", lines)
	}
}
