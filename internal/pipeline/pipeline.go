// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package pipeline drains the ingestion queue with a fixed worker pool and
// turns each log entry into exactly one ProcessingResult. Parsing and
// analysis are delegated to external collaborators; the analyzer sits
// behind a circuit breaker, a per-call timeout, and bounded retry so a
// misbehaving backend degrades processing instead of wedging it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/queue"
	"github.com/tomtom215/logwarden/internal/retry"
)

// Event is the structured form a Parser extracts from one raw log line.
type Event struct {
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Analysis is the Analyzer's verdict on one structured event.
type Analysis struct {
	Severity        int      `json:"severity"`
	Explanation     string   `json:"explanation"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Parser extracts a structured event from raw log content. A nil error
// with a nil event is a contract violation and treated as a parse failure.
type Parser interface {
	Parse(ctx context.Context, content, sourceHint string) (*Event, error)
}

// Analyzer scores a structured event. Implementations must honor ctx
// cancellation; the pipeline applies a per-call deadline.
type Analyzer interface {
	Analyze(ctx context.Context, ev *Event) (*Analysis, error)
}

// Persistence records processing outcomes. Raw content of unparseable
// lines is kept for manual review rather than discarded.
type Persistence interface {
	SaveResult(ctx context.Context, res *models.ProcessingResult) error
	SaveRawOnFailure(ctx context.Context, content, sourceName string) error
}

// Publisher is the result sink, satisfied by bus.Bus.
type Publisher interface {
	PublishResult(res *models.ProcessingResult) (string, error)
}

// Stats is a point-in-time view for the health aggregator.
type Stats struct {
	Processed    uint64
	Failed       uint64
	AvgDuration  time.Duration
	BreakerState string
}

const dequeueWait = 500 * time.Millisecond

// Processor is the worker pool. One Processor serves the whole deployment.
type Processor struct {
	queue       *queue.Queue
	parser      Parser
	analyzer    Analyzer
	persistence Persistence
	publisher   Publisher

	workers         int
	batchSize       int
	analyzerTimeout time.Duration
	retryPolicy     retry.Policy
	breaker         *gobreaker.CircuitBreaker[*Analysis]

	processed  atomic.Uint64
	failed     atomic.Uint64
	durationNS atomic.Int64 // summed nanoseconds across completed entries
}

// New wires a processor. batchSize bounds how many entries one worker
// claims per dequeue.
func New(cfg config.PipelineConfig, batchSize int, q *queue.Queue, parser Parser, analyzer Analyzer, persistence Persistence, publisher Publisher) *Processor {
	p := &Processor{
		queue:           q,
		parser:          parser,
		analyzer:        analyzer,
		persistence:     persistence,
		publisher:       publisher,
		workers:         cfg.Workers,
		batchSize:       batchSize,
		analyzerTimeout: cfg.AnalyzerTimeout,
		retryPolicy:     cfg.AnalyzerRetry.Policy(),
	}
	p.breaker = gobreaker.NewCircuitBreaker[*Analysis](gobreaker.Settings{
		Name:    "analyzer",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("analyzer circuit breaker state change")
		},
	})
	return p
}

// Serve runs the worker pool until ctx is canceled or the queue closes.
// Implements suture.Service.
func (p *Processor) Serve(ctx context.Context) error {
	logging.Info().Int("workers", p.workers).Msg("pipeline started")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	logging.Info().Msg("pipeline stopped")
	return ctx.Err()
}

func (p *Processor) String() string { return "pipeline" }

func (p *Processor) runWorker(ctx context.Context, id int) {
	for {
		items, err := p.queue.DequeueBatch(ctx, p.batchSize, dequeueWait)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				logging.Err(err).Int("worker", id).Msg("dequeue failed")
			}
			return
		}
		for i := range items {
			p.processOne(ctx, &items[i])
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// processOne produces exactly one result per entry, whatever fails.
func (p *Processor) processOne(ctx context.Context, item *queue.Item) {
	start := time.Now()
	res := &models.ProcessingResult{
		Sequence:   item.Sequence,
		SourceName: item.Entry.SourceName,
		Message:    item.Entry.Content,
	}

	ev, err := p.parser.Parse(ctx, item.Entry.Content, item.Entry.SourceName)
	if err != nil || ev == nil {
		res.Status = models.ResultParseFailed
		if err == nil {
			err = errors.New("parser returned no event")
		}
		logging.Debug().
			Err(err).
			Str("source", item.Entry.SourceName).
			Uint64("sequence", item.Sequence).
			Msg("parse failed")
		if serr := p.persistence.SaveRawOnFailure(ctx, item.Entry.Content, item.Entry.SourceName); serr != nil {
			logging.Err(serr).Str("source", item.Entry.SourceName).Msg("raw content not preserved")
		}
	} else {
		res.Category = ev.Category
		if ev.Message != "" {
			res.Message = ev.Message
		}
		analysis, aerr := p.analyze(ctx, ev)
		if aerr != nil {
			res.Status = models.ResultAnalysisFailed
			logging.Warn().
				Err(aerr).
				Str("source", item.Entry.SourceName).
				Uint64("sequence", item.Sequence).
				Msg("analysis failed after retries")
		} else {
			res.Status = models.ResultSuccess
			res.Severity = analysis.Severity
			res.Explanation = analysis.Explanation
			res.Recommendations = analysis.Recommendations
		}
	}

	res.ProcessingTime = time.Since(start)
	res.CompletedAt = time.Now().UTC()

	if err := p.persistence.SaveResult(ctx, res); err != nil {
		logging.Err(err).Uint64("sequence", res.Sequence).Msg("result not persisted")
	}
	if _, err := p.publisher.PublishResult(res); err != nil {
		logging.Err(err).Uint64("sequence", res.Sequence).Msg("result not published")
	}

	metrics.EntriesProcessed.WithLabelValues(string(res.Status)).Inc()
	metrics.ProcessingDuration.Observe(res.ProcessingTime.Seconds())
	p.processed.Add(1)
	p.durationNS.Add(int64(res.ProcessingTime))
	if res.Status != models.ResultSuccess {
		p.failed.Add(1)
	}
}

// analyze calls the Analyzer through the breaker with a per-call deadline,
// retrying transient failures. An open breaker fails fast without burning
// the remaining attempts.
func (p *Processor) analyze(ctx context.Context, ev *Event) (*Analysis, error) {
	var analysis *Analysis
	err := retry.Do(ctx, p.retryPolicy, func(ctx context.Context) error {
		result, err := p.breaker.Execute(func() (*Analysis, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.analyzerTimeout)
			defer cancel()
			return p.analyzer.Analyze(callCtx, ev)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Permanent(err)
			}
			return err
		}
		if result == nil {
			return retry.Permanent(errors.New("analyzer returned no analysis"))
		}
		analysis = result
		return nil
	}, func(attempt int, err error) {
		metrics.AnalyzerRetries.Inc()
		logging.Debug().Err(err).Int("attempt", attempt).Msg("retrying analyzer call")
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return analysis, nil
}

// Stats reports processing counters for /healthz.
func (p *Processor) Stats() Stats {
	processed := p.processed.Load()
	s := Stats{
		Processed:    processed,
		Failed:       p.failed.Load(),
		BreakerState: p.breaker.State().String(),
	}
	if processed > 0 {
		s.AvgDuration = time.Duration(p.durationNS.Load() / int64(processed))
	}
	return s
}
