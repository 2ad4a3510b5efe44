// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package notify evaluates successful processing results against the
// configured notification rules and delivers matching events to their
// channels, throttled per (rule, channel) pair. Every attempt outcome,
// including suppression, lands in the audit trail.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/logwarden/internal/bus"
	"github.com/tomtom215/logwarden/internal/config"
	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/metrics"
	"github.com/tomtom215/logwarden/internal/models"
	"github.com/tomtom215/logwarden/internal/retry"
)

// ResultStream is the dispatcher's view of the result bus.
type ResultStream interface {
	SubscribeResults(ctx context.Context) (<-chan bus.Result, error)
}

// pairLimiter throttles one (rule, channel) pair. The interval is kept so
// a rule reload with a changed window replaces the limiter.
type pairLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Dispatcher subscribes to processing results and runs rule evaluation.
type Dispatcher struct {
	stream      ResultStream
	store       *RecordStore
	channels    map[string]Channel
	retryPolicy retry.Policy

	rules atomic.Pointer[[]models.NotificationRule]

	limMu    sync.Mutex
	limiters map[string]*pairLimiter
}

// New builds a dispatcher. channels maps channel names referenced by
// rules to their implementations.
func New(cfg config.NotifyConfig, stream ResultStream, store *RecordStore, channels []Channel) *Dispatcher {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	d := &Dispatcher{
		stream:      stream,
		store:       store,
		channels:    byName,
		retryPolicy: cfg.DeliveryRetry.Policy(),
		limiters:    make(map[string]*pairLimiter),
	}
	d.Apply(cfg.Rules)
	return d
}

// Apply atomically swaps the active rule set. In-flight evaluations keep
// the snapshot they started with; limiters for unchanged windows survive
// so a reload does not reset throttling state.
func (d *Dispatcher) Apply(rules []config.RuleConfig) {
	converted := make([]models.NotificationRule, 0, len(rules))
	for _, r := range rules {
		converted = append(converted, models.NotificationRule{
			Name:            r.Name,
			Enabled:         r.Enabled,
			MinSeverity:     r.MinSeverity,
			MaxSeverity:     r.MaxSeverity,
			Categories:      r.Categories,
			Channels:        r.Channels,
			ThrottleMinutes: r.ThrottleMinutes,
		})
	}
	d.rules.Store(&converted)
	logging.Info().Int("rules", len(converted)).Msg("notification rules applied")
}

// Rules returns the active rule snapshot.
func (d *Dispatcher) Rules() []models.NotificationRule {
	return *d.rules.Load()
}

// Serve consumes the result stream until ctx is canceled. Implements
// suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	results, err := d.stream.SubscribeResults(ctx)
	if err != nil {
		return err
	}
	logging.Info().Int("rules", len(d.Rules())).Msg("notification dispatcher started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("notification dispatcher stopped")
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				return nil
			}
			d.Dispatch(ctx, res.EventID, res.Value)
		}
	}
}

func (d *Dispatcher) String() string { return "notification-dispatcher" }

// Dispatch evaluates one result against every enabled rule and delivers
// to each matching channel. Channel deliveries run independently; one
// failing channel never blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string, res *models.ProcessingResult) {
	if res.Status != models.ResultSuccess {
		return
	}
	rules := d.Rules()

	var wg sync.WaitGroup
	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(res) {
			continue
		}
		for _, channelName := range rule.Channels {
			wg.Add(1)
			go func(channelName string) {
				defer wg.Done()
				d.deliver(ctx, eventID, rule, channelName, res)
			}(channelName)
		}
	}
	wg.Wait()
}

// deliver produces exactly one NotificationRecord for this
// (event, rule, channel) triple, whatever the outcome.
func (d *Dispatcher) deliver(ctx context.Context, eventID string, rule *models.NotificationRule, channelName string, res *models.ProcessingResult) {
	rec := &models.NotificationRecord{
		EventID:  eventID,
		RuleName: rule.Name,
		Channel:  channelName,
		SentAt:   time.Now().UTC(),
	}

	resv, open := d.reserve(rule, channelName)
	if !open {
		rec.Status = models.DeliveryThrottled
		d.finish(rec)
		return
	}

	ch, ok := d.channels[channelName]
	if !ok {
		if resv != nil {
			resv.Cancel()
		}
		rec.Status = models.DeliveryFailed
		rec.ErrorMessage = fmt.Sprintf("unknown channel %q", channelName)
		d.finish(rec)
		return
	}

	subject, body := render(res)
	err := retry.Do(ctx, d.retryPolicy, func(ctx context.Context) error {
		return ch.Send(ctx, subject, body)
	}, func(attempt int, err error) {
		logging.Debug().
			Err(err).
			Str("channel", channelName).
			Str("rule", rule.Name).
			Int("attempt", attempt).
			Msg("retrying notification delivery")
	})

	rec.SentAt = time.Now().UTC()
	if err != nil {
		// Only a successful delivery starts the throttle window; give the
		// token back so the next qualifying event is attempted.
		if resv != nil {
			resv.Cancel()
		}
		rec.Status = models.DeliveryFailed
		rec.ErrorMessage = err.Error()
		logging.Err(err).
			Str("channel", channelName).
			Str("rule", rule.Name).
			Str("event_id", eventID).
			Msg("notification delivery failed")
	} else {
		rec.Status = models.DeliverySent
	}
	d.finish(rec)
}

func (d *Dispatcher) finish(rec *models.NotificationRecord) {
	metrics.NotificationsSent.WithLabelValues(rec.Channel, string(rec.Status)).Inc()
	if err := d.store.Save(rec); err != nil {
		logging.Err(err).
			Str("event_id", rec.EventID).
			Str("rule", rec.RuleName).
			Msg("notification record not persisted")
	}
}

// reserve takes the (rule, channel) window token. It returns (nil, true)
// for an unthrottled pair, the held reservation and true when the window
// is open, or (nil, false) when the pair is still inside its window. The
// caller cancels the reservation if delivery does not succeed, so only
// sent notifications start a window.
func (d *Dispatcher) reserve(rule *models.NotificationRule, channelName string) (*rate.Reservation, bool) {
	if rule.ThrottleMinutes <= 0 {
		return nil, true
	}
	interval := time.Duration(rule.ThrottleMinutes) * time.Minute
	key := rule.Name + "\x00" + channelName

	d.limMu.Lock()
	pl, ok := d.limiters[key]
	if !ok || pl.interval != interval {
		pl = &pairLimiter{
			limiter:  rate.NewLimiter(rate.Every(interval), 1),
			interval: interval,
		}
		d.limiters[key] = pl
	}
	d.limMu.Unlock()

	resv := pl.limiter.Reserve()
	if resv.Delay() > 0 {
		resv.Cancel()
		return nil, false
	}
	return resv, true
}

func render(res *models.ProcessingResult) (subject, body string) {
	category := res.Category
	if category == "" {
		category = "general"
	}
	subject = fmt.Sprintf("[logwarden] %s event severity %d from %s", category, res.Severity, res.SourceName)

	var b strings.Builder
	b.WriteString(res.Message)
	if res.Explanation != "" {
		b.WriteString("\n\n")
		b.WriteString(res.Explanation)
	}
	if len(res.Recommendations) > 0 {
		b.WriteString("\n\nRecommended actions:")
		for _, r := range res.Recommendations {
			b.WriteString("\n- ")
			b.WriteString(r)
		}
	}
	return subject, b.String()
}
