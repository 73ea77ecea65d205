package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hookline/hookline/internal/queue"
)

// Enqueuer hands accepted webhooks to the dispatcher.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, task Task) error
}

// QueueEnqueuer pushes dispatch tasks onto the redis delayed queue,
// deduplicated per stored event id.
type QueueEnqueuer struct {
	Q           queue.Enqueuer
	MaxAttempts int
}

func (e QueueEnqueuer) EnqueueDispatch(ctx context.Context, task Task) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return err
	}
	key := ""
	if task.Persisted {
		key = task.EventID
	}
	return e.Q.Enqueue(ctx, queue.Task{
		Kind:           TaskKind,
		Payload:        payload,
		IdempotencyKey: key,
		MaxAttempts:    e.MaxAttempts,
	})
}

// Background runs dispatch in-process. Used when redis is not configured;
// delivery durability then ends with the process.
type Background struct {
	Dispatcher *Dispatcher
	Logger     zerolog.Logger

	// OnDone is signalled after each dispatch completes. Tests use it to
	// synchronize; nil in production.
	OnDone func()
}

func (b Background) EnqueueDispatch(_ context.Context, task Task) error {
	go func() {
		// Detached from the request context: delivery outlives the
		// originating HTTP exchange.
		if err := b.Dispatcher.Dispatch(context.Background(), task); err != nil {
			b.Logger.Error().Str("event_id", task.EventID).Err(err).Msg("background_dispatch_failed")
		}
		if b.OnDone != nil {
			b.OnDone()
		}
	}()
	return nil
}
