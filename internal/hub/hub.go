// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package hub fans processing results and status events out to WebSocket
// clients. Each client has its own subscription, its own bounded outbound
// buffer, and its own writer goroutine; one slow client degrades only its
// own stream.
package hub

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/logwarden/internal/bus"
	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
)

// ResultStream is the hub's view of the result bus.
type ResultStream interface {
	SubscribeResults(ctx context.Context) (<-chan bus.Result, error)
}

// Hub owns the client registry and the fan-out loop.
type Hub struct {
	cfg      config.HubConfig
	stream   ResultStream
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a hub reading results from stream. stream may be nil for a
// hub that only carries externally published envelopes.
func New(cfg config.HubConfig, stream ResultStream) *Hub {
	return &Hub{
		cfg:    cfg,
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect cross-origin; auth happens in
			// the handshake, not via origin checks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// Serve consumes the result stream and fans envelopes out until ctx is
// canceled, then closes every client. Implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	logging.Info().Str("auth_mode", string(h.cfg.AuthMode)).Msg("broadcast hub started")

	var results <-chan bus.Result
	if h.stream != nil {
		var err error
		results, err = h.stream.SubscribeResults(ctx)
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll("hub shutdown")
			logging.Info().Msg("broadcast hub stopped")
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				select {
				case <-ctx.Done():
					h.closeAll("hub shutdown")
					return ctx.Err()
				default:
				}
				// Bus closed out from under us; supervisor restarts.
				h.closeAll("result stream closed")
				return nil
			}
			h.publishResult(res.Value)
		}
	}
}

func (h *Hub) String() string { return "broadcast-hub" }

// publishResult maps one processing result onto the wire protocol.
// Successful analyses are security events carrying the full result;
// failures surface as processing updates so dashboards see them too.
func (h *Hub) publishResult(res *models.ProcessingResult) {
	env := &models.Envelope{
		Data:      res,
		Timestamp: res.CompletedAt,
	}
	if res.Status == models.ResultSuccess {
		env.Type = models.EventSecurity
		env.Priority = res.Severity
	} else {
		env.Type = models.EventProcessingUpdate
		env.Priority = 2
	}
	h.Broadcast(env, res.Category, res.SourceName)
}

// PublishSystemStatus pushes a source status change to subscribers.
func (h *Hub) PublishSystemStatus(src models.LogSource) {
	h.Broadcast(&models.Envelope{
		Type:      models.EventSystemStatus,
		Data:      src,
		Timestamp: time.Now().UTC(),
		Priority:  3,
	}, "", src.Name)
}

// PublishHealth pushes an aggregated health snapshot to subscribers.
func (h *Hub) PublishHealth(snapshot interface{}) {
	h.Broadcast(&models.Envelope{
		Type:      models.EventHealthCheck,
		Data:      snapshot,
		Timestamp: time.Now().UTC(),
		Priority:  1,
	}, "", "")
}

// Broadcast evaluates every open client's subscription against env and
// enqueues it where it matches. Delivery order across clients is stable
// (sorted by client ID) so tests and log replays are reproducible.
func (h *Hub) Broadcast(env *models.Envelope, category, source string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, c := range targets {
		if c.allows(env, category, source) {
			c.enqueue(env)
		}
	}
}

// ServeHTTP is the GET /ws handshake endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authenticate(r); err != nil {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("websocket handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, clientID, conn)
	h.register(c)
	go c.writePump()
	go c.readPump()
}

// register adds a client to the registry and opens it. A reconnecting
// client reusing its ID replaces the stale entry; the old connection is
// closed and its bookkeeping discarded.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	old := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()

	if old != nil {
		old.beginClose("replaced by reconnect")
	} else {
		metrics.ActiveConnections.Inc()
	}
	c.state.Store(int32(StateOpen))
	logging.Info().
		Str("client_id", c.id).
		Int("total_clients", h.ClientCount()).
		Msg("websocket client connected")
}

// unregister removes c if it is still the registered connection for its
// ID. A replaced client must not evict its successor.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		metrics.ActiveConnections.Dec()
		logging.Info().
			Str("client_id", c.id).
			Int("total_clients", h.ClientCount()).
			Msg("websocket client disconnected")
	}
}

func (h *Hub) closeAll(reason string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, c := range targets {
		c.beginClose(reason)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns the registered client for id, if any.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}
