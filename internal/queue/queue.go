package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hookline/hookline/internal/resilience"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is set by the worker on delivery, starting at 1.
	Attempt int
}

// Enqueuer publishes tasks to redis-backed delayed queues. Tasks live in a
// sorted set scored by their availability time.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into its kind's queue. If an idempotency key is
// supplied the task is only enqueued once within the deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 5
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := queueKey(e.Prefix, kind)
	if err := e.R.ZAdd(ctx, key, redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	if depth, err := e.R.ZCard(ctx, key).Result(); err == nil {
		QueueDepth.WithLabelValues(kind).Set(float64(depth))
	}
	return nil
}

// Worker consumes tasks of a single kind. Claimed tasks are parked in a
// processing set scored by a visibility deadline; tasks whose deadline passes
// without an ack are handed back to the queue.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds each handler invocation. Zero means the handler
	// runs under the worker context only.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	Logger       *zerolog.Logger
}

// Run processes tasks until the context is cancelled.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	queueK := queueKey(w.Prefix, kind)
	processingK := processingKey(w.Prefix, kind)

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, processingK, queueK); err != nil {
				return err
			}
		default:
		}

		msg, member, ok, err := w.claim(ctx, queueK)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				wg.Wait()
				return nil
			}
			return err
		}
		if !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// Not due yet. Push back and nap until it is.
			w.R.ZAdd(ctx, queueK, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			sleep := time.Duration(msg.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		msg.Attempt++
		claimed, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		raw := string(claimed)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, processingK, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, queueK, processingK, raw, m, retryBase)
		}(raw, msg)
	}
}

func (w Worker) claim(ctx context.Context, queueK string) (taskMessage, string, bool, error) {
	res, err := w.R.ZPopMin(ctx, queueK, 1).Result()
	if err != nil {
		if err == redis.Nil {
			return taskMessage{}, "", false, nil
		}
		return taskMessage{}, "", false, err
	}
	if len(res) == 0 {
		return taskMessage{}, "", false, nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return taskMessage{}, "", false, nil
	}
	msg, err := decodeMessage(member)
	if err != nil {
		w.log().Warn().Err(err).Msg("queue_drop_undecodable_task")
		return taskMessage{}, "", false, nil
	}
	return msg, member, true, nil
}

func (w Worker) process(ctx context.Context, queueK, processingK, raw string, msg taskMessage, retryBase time.Duration) {
	jobCtx := ctx
	cancel := context.CancelFunc(func() {})
	if w.SoftDeadline > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.SoftDeadline)
	}
	defer cancel()

	err := w.Handler(jobCtx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        msg.Attempt,
	})
	if err != nil {
		w.handleFailure(ctx, queueK, processingK, raw, msg, retryBase, err)
		return
	}
	w.ack(ctx, processingK, raw, msg)
	QueueProcessedTotal.WithLabelValues(msg.Kind, "ok").Inc()
}

func (w Worker) handleFailure(ctx context.Context, queueK, processingK, raw string, msg taskMessage, base time.Duration, cause error) {
	_ = w.R.ZRem(ctx, processingK, raw)
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return
		}
		dlqK := dlqKey(w.Prefix, msg.Kind)
		_ = w.R.LPush(ctx, dlqK, encoded).Err()
		if msg.Key != "" {
			_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
		}
		if size, err := w.R.LLen(ctx, dlqK).Result(); err == nil {
			QueueDLQSize.WithLabelValues(msg.Kind).Set(float64(size))
		}
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dead").Inc()
		w.log().Error().Err(cause).Str("kind", msg.Kind).Str("key", msg.Key).
			Int("attempt", msg.Attempt).Msg("queue_task_dead")
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, queueK, redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
	QueueProcessedTotal.WithLabelValues(msg.Kind, "retry").Inc()
	w.log().Warn().Err(cause).Str("kind", msg.Kind).Str("key", msg.Key).
		Int("attempt", msg.Attempt).Dur("retry_in", delay).Msg("queue_task_retry")
}

func (w Worker) ack(ctx context.Context, processingK, raw string, msg taskMessage) {
	_ = w.R.ZRem(ctx, processingK, raw)
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
}

// requeueExpired hands tasks whose visibility deadline passed back to the
// queue for immediate redelivery.
func (w Worker) requeueExpired(ctx context.Context, processingK, queueK string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, processingK, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			_ = w.R.ZRem(ctx, processingK, raw).Err()
			continue
		}
		_ = w.R.ZRem(ctx, processingK, raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, queueK, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return &nopLogger
}

var nopLogger = zerolog.Nop()

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
