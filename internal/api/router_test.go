// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/notify"
	"github.com/tomtom215/logwarden/internal/storage"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	db, err := storage.Open(config.StorageConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := notify.NewRecordStore(db)

	for i, evt := range []string{"evt-a", "evt-b"} {
		err := store.Save(&models.NotificationRecord{
			EventID:  evt,
			RuleName: "r",
			Channel:  "log",
			Status:   models.DeliverySent,
			SentAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	return Deps{
		WS:      okHandler("ws"),
		Health:  okHandler(`{"state":"healthy"}`),
		Records: store,
		Sources: func() []models.LogSource {
			return []models.LogSource{{Name: "auth", Path: "/var/log/auth.log", Status: models.SourceActive}}
		},
	}
}

func TestRouterMountsCoreEndpoints(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testDeps(t)))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/metrics", "/api/v1/sources", "/api/v1/notifications"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSourcesEndpointReportsWatcherState(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testDeps(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sources")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var sources []models.LogSource
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "auth" {
		t.Fatalf("sources = %+v", sources)
	}
}

func TestNotificationsEndpointLimitsAndOrders(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testDeps(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/notifications?limit=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var records []models.NotificationRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].EventID != "evt-b" {
		t.Fatalf("records = %+v, want newest only", records)
	}
}

func TestNotificationsRejectsBadLimit(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testDeps(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/notifications?limit=zero")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestNotificationsByEvent(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testDeps(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/notifications/evt-a")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var records []models.NotificationRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].EventID != "evt-a" {
		t.Fatalf("records = %+v", records)
	}
}
