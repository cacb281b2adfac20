// SPDX-License-Identifier: MIT

package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
)

// Redis key layout. Ready jobs sit in a list; retry-scheduled jobs sit in
// a sorted set scored by ready time and are promoted by the consumer.
// Exhausted jobs land in a bounded dead-letter list for manual follow-up.
const (
	keyReady   = "callbacks:ready"
	keyDelayed = "callbacks:delayed"
	keyDead    = "callbacks:dead"

	deadLetterLimit = 1000
)

// Message is one queued delivery with its attempt count. Attempts is
// 1-based: the value a message carries is the attempt about to run.
type Message struct {
	Job      Job `json:"job"`
	Attempts int `json:"attempts"`
}

// RedisConfig holds redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Queue is the durable callback job queue.
type Queue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewQueue connects to redis and verifies the connection.
func NewQueue(cfg RedisConfig, logger zerolog.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("callback queue: redis connection failed: %w", err)
	}

	logger.Info().
		Str(log.FieldEvent, "queue.connected").
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to callback queue")

	return &Queue{
		client: client,
		logger: logger.With().Str(log.FieldComponent, "callback-queue").Logger(),
	}, nil
}

// NewQueueWithClient wraps an existing client; used by tests with miniredis.
func NewQueueWithClient(client *redis.Client, logger zerolog.Logger) *Queue {
	return &Queue{
		client: client,
		logger: logger.With().Str(log.FieldComponent, "callback-queue").Logger(),
	}
}

// Close releases the redis connection.
func (q *Queue) Close() error { return q.client.Close() }

// Enqueue adds a first-attempt job to the ready list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	return q.pushReady(ctx, Message{Job: job, Attempts: 1})
}

func (q *Queue) pushReady(ctx context.Context, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("callback queue: marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, keyReady, buf).Err(); err != nil {
		return fmt.Errorf("callback queue: enqueue: %w", err)
	}
	return nil
}

// scheduleRetry parks the message in the delayed set until now+delay.
func (q *Queue) scheduleRetry(ctx context.Context, msg Message, delay time.Duration, now time.Time) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("callback queue: marshal message: %w", err)
	}
	score := float64(now.Add(delay).Unix())
	if err := q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: score, Member: buf}).Err(); err != nil {
		return fmt.Errorf("callback queue: schedule retry: %w", err)
	}
	return nil
}

// promoteDue moves delayed messages whose ready time has passed onto the
// ready list. Promotion and removal are not atomic; a crash between the
// two can duplicate a delivery, which callback receivers must tolerate
// anyway (retries already imply at-least-once).
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return fmt.Errorf("callback queue: read delayed: %w", err)
	}
	for _, member := range due {
		if err := q.client.LPush(ctx, keyReady, member).Err(); err != nil {
			return fmt.Errorf("callback queue: promote: %w", err)
		}
		if err := q.client.ZRem(ctx, keyDelayed, member).Err(); err != nil {
			return fmt.Errorf("callback queue: remove promoted: %w", err)
		}
	}
	return nil
}

// pop blocks up to timeout for the next ready message. A nil message with
// a nil error means the timeout elapsed.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	res, err := q.client.BRPop(ctx, timeout, keyReady).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("callback queue: pop: %w", err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		// A malformed entry cannot be retried sensibly; log and drop it.
		q.logger.Error().
			Err(err).
			Str(log.FieldEvent, "queue.malformed_message").
			Msg("dropping undecodable queue entry")
		return nil, nil
	}
	return &msg, nil
}

// deadLetter records an exhausted job for manual follow-up, keeping the
// list bounded.
func (q *Queue) deadLetter(ctx context.Context, msg Message, reason string) error {
	entry, err := json.Marshal(struct {
		Message
		Reason string `json:"reason"`
	}{Message: msg, Reason: reason})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, keyDead, entry)
	pipe.LTrim(ctx, keyDead, 0, deadLetterLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}
