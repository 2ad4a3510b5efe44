// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Command server runs the Logwarden daemon: it tails the configured log
// sources, pushes entries through the priority queue into the processing
// pipeline, broadcasts results to WebSocket subscribers, and dispatches
// rule-matched notifications.
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (CONFIG_PATH, or the first of config.yaml, config.yml,
// /etc/logwarden/config.yaml, /etc/logwarden/config.yml), then
// LOGWARDEN_* environment variables. Source and rule changes in the
// config file are applied without a restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/logwarden/internal/api"
	"github.com/tomtom215/logwarden/internal/bus"
	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/health"
	"github.com/tomtom215/logwarden/internal/hub"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/notify"
	"github.com/tomtom215/logwarden/internal/pipeline"
	"github.com/tomtom215/logwarden/internal/queue"
	"github.com/tomtom215/logwarden/internal/storage"
	"github.com/tomtom215/logwarden/internal/supervisor"
	"github.com/tomtom215/logwarden/internal/tracker"
	"github.com/tomtom215/logwarden/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("sources", len(cfg.Watcher.Sources)).
		Int("rules", len(cfg.Notify.Rules)).
		Str("storage", cfg.Storage.Path).
		Msg("starting logwarden")

	db, err := storage.Open(cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open storage")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Err(err).Msg("error closing storage")
		}
	}()

	trackerStore, err := tracker.NewBadgerStore(db, cfg.Watcher.ErrorRetry.Policy())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open offset tracker")
	}
	defer func() {
		if err := trackerStore.Close(); err != nil {
			logging.Err(err).Msg("error closing offset tracker")
		}
	}()

	q := queue.New(cfg.Queue)
	dlStore := queue.NewDeadLetterStore(db)

	resultBus := bus.New()
	defer func() {
		if err := resultBus.Close(); err != nil {
			logging.Err(err).Msg("error closing result bus")
		}
	}()

	resultStore := storage.NewResultStore(db)
	proc := pipeline.New(cfg.Pipeline, cfg.Queue.BatchSize, q,
		pipeline.KeywordParser{}, pipeline.KeywordAnalyzer{}, resultStore, resultBus)

	broadcastHub := hub.New(cfg.Hub, resultBus)
	fileWatcher := watcher.New(cfg.Watcher, q, trackerStore, broadcastHub.PublishSystemStatus)

	recordStore := notify.NewRecordStore(db)
	channels := []notify.Channel{notify.LogChannel{}}
	for _, wh := range cfg.Notify.Webhooks {
		channels = append(channels, notify.NewWebhookChannel(wh.Name, wh.URL))
	}
	dispatcher := notify.New(cfg.Notify, resultBus, recordStore, channels)

	aggregator := health.New(cfg.Health.Interval,
		buildProbers(cfg, q, trackerStore, proc, fileWatcher, broadcastHub, dispatcher),
		func() health.Metrics {
			qs := q.Stats()
			ps := proc.Stats()
			return health.Metrics{
				QueueSize:           qs.Size,
				OldestAgeMs:         qs.OldestAge.Milliseconds(),
				ProcessedCount:      ps.Processed,
				FailedCount:         ps.Failed,
				AvgProcessingTimeMs: ps.AvgDuration.Milliseconds(),
				ActiveConnections:   broadcastHub.ClientCount(),
			}
		},
		broadcastHub,
	)

	router := api.NewRouter(api.Deps{
		WS:      broadcastHub,
		Health:  aggregator,
		Records: recordStore,
		Sources: fileWatcher.Sources,
	})
	httpServer := api.NewServer(cfg.Server, router)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(fileWatcher)
	tree.AddIngestService(proc)
	tree.AddMessagingService(broadcastHub)
	tree.AddMessagingService(dispatcher)
	tree.AddMessagingService(aggregator)
	tree.AddAPIService(httpServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayDeadLetters(ctx, dlStore, q)
	watchConfig(fileWatcher, dispatcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Err(err).Msg("supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	// Watcher and workers are stopped; apply the shutdown policy to
	// whatever never reached a worker.
	pending := q.Close()
	if err := queue.ApplyShutdownPolicy(pending, cfg.Queue.ShutdownPolicy, dlStore); err != nil {
		logging.Err(err).Int("pending", len(pending)).Msg("failed to apply queue shutdown policy")
	} else if len(pending) > 0 {
		logging.Info().
			Int("pending", len(pending)).
			Str("policy", string(cfg.Queue.ShutdownPolicy)).
			Msg("pending queue items handled")
	}

	logging.Info().Msg("logwarden stopped")
}

// replayDeadLetters re-enqueues items persisted by a previous shutdown.
// Runs in the background: the queue may be smaller than the backlog and
// Enqueue blocks until workers make room.
func replayDeadLetters(ctx context.Context, dlStore *queue.DeadLetterStore, q *queue.Queue) {
	items, err := dlStore.Drain()
	if err != nil {
		logging.Err(err).Msg("dead letter drain failed")
		return
	}
	if len(items) == 0 {
		return
	}
	logging.Info().Int("items", len(items)).Msg("replaying dead-lettered entries")
	go func() {
		for _, item := range items {
			if err := q.Enqueue(ctx, item.Entry); err != nil {
				logging.Err(err).Msg("dead letter replay interrupted")
				return
			}
		}
	}()
}

// watchConfig applies source and rule changes from the config file
// without a restart. Invalid updates are rejected and logged; the
// running configuration stays untouched.
func watchConfig(w *watcher.Watcher, d *notify.Dispatcher) {
	path := config.FindConfigFile()
	if path == "" {
		return
	}
	err := config.Watch(path, func() {
		updated, err := config.LoadFile(path)
		if err != nil {
			logging.Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		w.Apply(updated.Watcher.Sources)
		d.Apply(updated.Notify.Rules)
		logging.Info().Str("path", path).Msg("configuration reloaded")
	})
	if err != nil {
		logging.Err(err).Str("path", path).Msg("config watch unavailable")
	}
}

func buildProbers(cfg *config.Config, q *queue.Queue, trackerStore tracker.Store, proc *pipeline.Processor, w *watcher.Watcher, h *hub.Hub, d *notify.Dispatcher) []health.Prober {
	return []health.Prober{
		health.ProbeFunc("queue", func(context.Context) health.Status {
			stats := q.Stats()
			if stats.Size >= cfg.Queue.MaxSize {
				return health.Degraded("queue at capacity, producers blocked")
			}
			return health.Healthy()
		}),
		health.ProbeFunc("tracker", func(context.Context) health.Status {
			if trackerStore.Degraded() {
				return health.Degraded("offset persistence failing, buffering in memory")
			}
			return health.Healthy()
		}),
		health.ProbeFunc("pipeline", func(context.Context) health.Status {
			if state := proc.Stats().BreakerState; state != "closed" {
				return health.Degraded(fmt.Sprintf("analyzer circuit breaker %s", state))
			}
			return health.Healthy()
		}),
		health.ProbeFunc("watcher", func(context.Context) health.Status {
			var failing []string
			for _, src := range w.Sources() {
				if src.Status == models.SourceError {
					failing = append(failing, src.Name)
				}
			}
			if len(failing) > 0 {
				return health.Degraded(fmt.Sprintf("sources failing: %v", failing))
			}
			return health.Healthy()
		}),
		health.ProbeFunc("hub", func(context.Context) health.Status {
			st := health.Healthy()
			st.Detail = fmt.Sprintf("%d connected clients", h.ClientCount())
			return st
		}),
		health.ProbeFunc("dispatcher", func(context.Context) health.Status {
			st := health.Healthy()
			st.Detail = fmt.Sprintf("%d rules active", len(d.Rules()))
			return st
		}),
	}
}
