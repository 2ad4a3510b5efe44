// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package bus carries processing results from the pipeline workers to
// their independent consumers (broadcast hub, notification dispatcher,
// persistence forwarder) over a Watermill gochannel Pub/Sub.
//
// Publish blocks until every subscriber has acked, which keeps delivery
// in publish order per subscriber. Subscribers ack as soon as the decoded
// result lands in their buffered channel, so a consumer only backpressures
// the workers once its buffer is full. Deployment is single-process; a
// distributed broker is explicitly out of scope.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/logwarden/internal/logging"
	"github.com/tomtom215/logwarden/internal/models"
)

// ResultsTopic carries models.ProcessingResult payloads.
const ResultsTopic = "results"

// subscriberBuffer bounds each consumer's in-flight results.
const subscriberBuffer = 256

// Bus is the in-process result stream.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates the bus.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: subscriberBuffer,
				// Ordered delivery: Publish returns only after every
				// subscriber acked, so each subscriber sees publish order.
				BlockPublishUntilSubscriberAck: true,
			},
			newLoggerAdapter(),
		),
	}
}

// PublishResult emits one result to every subscriber. The message ID
// doubles as the event ID consumers use for dedup.
func (b *Bus) PublishResult(res *models.ProcessingResult) (string, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	id := uuid.New().String()
	msg := message.NewMessage(id, payload)
	if err := b.pubsub.Publish(ResultsTopic, msg); err != nil {
		return "", fmt.Errorf("publish result: %w", err)
	}
	return id, nil
}

// Result pairs a decoded processing result with its event ID.
type Result struct {
	EventID string
	Value   *models.ProcessingResult
}

// SubscribeResults returns an independent stream of results. The stream
// closes when ctx is canceled or the bus is closed. Undecodable messages
// are acked and counted as log noise, never redelivered forever.
func (b *Bus) SubscribeResults(ctx context.Context) (<-chan Result, error) {
	msgs, err := b.pubsub.Subscribe(ctx, ResultsTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ResultsTopic, err)
	}

	out := make(chan Result, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var res models.ProcessingResult
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				logging.Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable result")
				msg.Ack()
				continue
			}
			select {
			case out <- Result{EventID: msg.UUID, Value: &res}:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the pub/sub down; subscriber channels close after in-flight
// messages are handled.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// loggerAdapter routes Watermill's logging through zerolog.
type loggerAdapter struct {
	fields watermill.LogFields
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.emit(logging.Error().Err(err), msg, fields)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields) // watermill info is operational noise
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &loggerAdapter{fields: merged}
}

func (l *loggerAdapter) emit(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Str("component", "bus").Msg(msg)
}
