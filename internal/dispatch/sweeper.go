package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookline/hookline/internal/lock"
	"github.com/hookline/hookline/internal/store"
)

const sweepLockKey = "hookline:sweep:lock"

// Sweeper periodically drives DLQ retry batches and recovers events stuck
// in processing, typically left behind by a crashed worker. Cycles are
// serialized across workers with a redis lock; when another worker holds it
// the cycle is skipped, not queued.
type Sweeper struct {
	Dispatcher *Dispatcher
	Events     store.EventStore
	DLQ        store.DLQStore

	// Locker is optional; without redis a single process sweeps unlocked.
	Locker *lock.Locker

	Interval   time.Duration
	BatchSize  int
	StuckAfter time.Duration
	LockTTL    time.Duration

	Logger zerolog.Logger
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.Locker != nil {
		release, ok, err := s.Locker.TryLock(ctx, sweepLockKey, s.LockTTL)
		if err != nil {
			s.Logger.Error().Err(err).Msg("sweep_lock_failed")
			return
		}
		if !ok {
			return
		}
		defer release()
	}
	s.retryDueEntries(ctx)
	s.recoverStuck(ctx)
}

func (s *Sweeper) retryDueEntries(ctx context.Context) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = 20
	}
	result, err := s.Dispatcher.RetryBatch(ctx, batch)
	if err != nil {
		s.Logger.Error().Err(err).Msg("sweep_retry_batch_failed")
		return
	}
	if result.Processed+result.Failed+result.Skipped > 0 {
		s.Logger.Info().Int("processed", result.Processed).Int("failed", result.Failed).
			Int("skipped", result.Skipped).Msg("sweep_retry_batch")
	}
}

// recoverStuck fails events that sat in processing past the stuck window
// and parks them in the DLQ so the scheduled retry path picks them up.
func (s *Sweeper) recoverStuck(ctx context.Context) {
	stuckAfter := s.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 20
	}
	events, err := s.Events.ListStuckProcessing(ctx, stuckAfter, batch)
	if err != nil {
		s.Logger.Error().Err(err).Msg("sweep_list_stuck_failed")
		return
	}
	for _, event := range events {
		const reason = "stuck in processing, recovered by sweeper"
		if err := s.Events.MarkFailed(ctx, event.ID, reason); err != nil {
			s.Logger.Error().Str("event_id", event.ID.String()).Err(err).Msg("sweep_mark_failed_failed")
			continue
		}
		payload := event.Normalized
		if len(payload) == 0 {
			payload, _ = json.Marshal(map[string]any{"source": event.Provider, "event_type": event.EventType})
		}
		if _, err := s.DLQ.Enqueue(ctx, event.ID, event.Provider, payload, reason); err != nil {
			s.Logger.Error().Str("event_id", event.ID.String()).Err(err).Msg("sweep_dlq_enqueue_failed")
			continue
		}
		s.Logger.Warn().Str("event_id", event.ID.String()).Str("provider", event.Provider).
			Msg("sweep_recovered_stuck_event")
	}
}
