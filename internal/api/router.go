// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package api hosts the HTTP surface: the WebSocket handshake, health and
// metrics endpoints, and the small read-only JSON API over sources and
// the notification audit trail.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/notify"
)

// Deps are the collaborators the router exposes.
type Deps struct {
	// WS serves the GET /ws handshake (the hub).
	WS http.Handler
	// Health serves GET /healthz (the aggregator).
	Health http.Handler
	// Records backs the notification audit endpoints. Optional.
	Records *notify.RecordStore
	// Sources reports watched source state. Optional.
	Sources func() []models.LogSource
}

const defaultRecordLimit = 100

// NewRouter assembles the chi router.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/ws", deps.WS)
	r.Handle("/healthz", deps.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sources", func(w http.ResponseWriter, req *http.Request) {
			if deps.Sources == nil {
				writeJSON(w, http.StatusOK, []models.LogSource{})
				return
			}
			writeJSON(w, http.StatusOK, deps.Sources())
		})
		r.Get("/notifications", func(w http.ResponseWriter, req *http.Request) {
			if deps.Records == nil {
				writeJSON(w, http.StatusOK, []models.NotificationRecord{})
				return
			}
			limit := defaultRecordLimit
			if raw := req.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 1 {
					writeError(w, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				limit = n
			}
			records, err := deps.Records.Recent(limit)
			if err != nil {
				logging.Err(err).Msg("notification records query failed")
				writeError(w, http.StatusInternalServerError, "records unavailable")
				return
			}
			if records == nil {
				records = []models.NotificationRecord{}
			}
			writeJSON(w, http.StatusOK, records)
		})
		r.Get("/notifications/{eventID}", func(w http.ResponseWriter, req *http.Request) {
			if deps.Records == nil {
				writeJSON(w, http.StatusOK, []models.NotificationRecord{})
				return
			}
			records, err := deps.Records.ForEvent(chi.URLParam(req, "eventID"))
			if err != nil {
				logging.Err(err).Msg("notification records query failed")
				writeError(w, http.StatusInternalServerError, "records unavailable")
				return
			}
			if records == nil {
				records = []models.NotificationRecord{}
			}
			writeJSON(w, http.StatusOK, records)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger emits one structured line per request, excluding the
// long-lived WebSocket upgrade.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
