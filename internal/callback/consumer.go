// SPDX-License-Identifier: MIT

package callback

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/metrics"
)

const popTimeout = time.Second

// Consumer drains the callback queue and applies the delivery engine's
// verdict per message. Messages are independent: there is no batch
// transactionality, and out-of-order redelivery across messages is fine.
type Consumer struct {
	queue     *Queue
	deliverer *Deliverer
	logger    zerolog.Logger
	clock     func() time.Time
}

// NewConsumer wires a consumer. clock is injectable for tests; nil means
// time.Now.
func NewConsumer(queue *Queue, deliverer *Deliverer, logger zerolog.Logger, clock func() time.Time) *Consumer {
	if clock == nil {
		clock = time.Now
	}
	return &Consumer{
		queue:     queue,
		deliverer: deliverer,
		logger:    logger.With().Str(log.FieldComponent, "callback-consumer").Logger(),
		clock:     clock,
	}
}

// Run processes messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Str(log.FieldEvent, "consumer.started").Msg("callback consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str(log.FieldEvent, "consumer.stopped").Msg("callback consumer stopped")
			return ctx.Err()
		default:
		}

		if err := c.queue.promoteDue(ctx, c.clock()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Str(log.FieldEvent, "consumer.promote_failed").Msg("failed to promote delayed jobs")
		}

		msg, err := c.queue.pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Str(log.FieldEvent, "consumer.pop_failed").Msg("failed to pop queue")
			continue
		}
		if msg == nil {
			continue
		}
		c.handle(ctx, *msg)
	}
}

// handle applies one verdict. success → done (ack is implicit: BRPOP
// already removed the message); retry → requeue with the computed delay;
// failed → dead-letter + error log, then give up (no infinite redelivery).
func (c *Consumer) handle(ctx context.Context, msg Message) {
	verdict := c.deliverer.Deliver(ctx, msg.Job, msg.Attempts)

	switch verdict.Type {
	case VerdictSuccess:
		metrics.CallbackAttempts.Observe(float64(msg.Attempts))

	case VerdictRetry:
		next := Message{Job: msg.Job, Attempts: msg.Attempts + 1}
		if err := c.queue.scheduleRetry(ctx, next, verdict.Delay, c.clock()); err != nil {
			c.logger.Error().
				Err(err).
				Str(log.FieldEvent, "consumer.requeue_failed").
				Str(log.FieldSessionID, msg.Job.Payload.SessionID).
				Str(log.FieldExecutionID, msg.Job.Payload.ExecutionID).
				Msg("failed to requeue callback; job lost")
		}

	case VerdictFailed:
		metrics.CallbackAttempts.Observe(float64(msg.Attempts))
		if err := c.queue.deadLetter(ctx, msg, verdict.Err); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldEvent, "consumer.dead_letter_failed").Msg("failed to record dead letter")
		}
		c.logger.Error().
			Str(log.FieldEvent, "consumer.delivery_abandoned").
			Str(log.FieldSessionID, msg.Job.Payload.SessionID).
			Str(log.FieldExecutionID, msg.Job.Payload.ExecutionID).
			Str(log.FieldURL, msg.Job.Target.URL).
			Int(log.FieldAttempt, msg.Attempts).
			Str("error", verdict.Err).
			Msg("callback delivery abandoned")
	}
}
