// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingService struct {
	name   string
	starts atomic.Int32
	fail   int32 // fail this many starts before running cleanly
}

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if int32(n) <= s.fail {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	svc := &countingService{name: "steady"}
	tree.AddIngestService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && svc.starts.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.starts.Load() == 0 {
		t.Fatal("service never started")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestFailingServiceIsRestarted(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	svc := &countingService{name: "flaky", fail: 2}
	tree.AddMessagingService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && svc.starts.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := svc.starts.Load(); got < 3 {
		t.Fatalf("starts = %d, want >= 3 (restart after failures)", got)
	}

	cancel()
	<-errCh
}

func TestLayerIsolation(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	flaky := &countingService{name: "flaky-ingest", fail: 1}
	steady := &countingService{name: "steady-api"}
	tree.AddIngestService(flaky)
	tree.AddAPIService(steady)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && flaky.starts.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if flaky.starts.Load() < 2 {
		t.Fatal("flaky service never restarted")
	}
	// The API layer service must not be restarted by ingest failures.
	if got := steady.starts.Load(); got != 1 {
		t.Fatalf("steady starts = %d, want 1", got)
	}

	cancel()
	<-errCh
}
