package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hookline/hookline/internal/obs"
	"github.com/hookline/hookline/internal/resilience"
	"github.com/hookline/hookline/internal/store"
)

// eventSourceHeader identifies this service to the downstream consumer.
const eventSourceHeader = "webhook_service"

// Dispatcher delivers canonical events to the downstream journey service
// with bounded in-process retries. Exhausted deliveries are marked failed
// and parked in the dead letter queue; the DLQ owns all further retries.
type Dispatcher struct {
	Events  store.EventStore
	DLQ     store.DLQStore
	Client  *http.Client
	Breaker *resilience.Breaker

	TargetURL string
	AuthToken string

	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
	DLQEnabled   bool

	Logger zerolog.Logger

	// Sleep is overridable in tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatch runs the delivery loop for one task. It returns an error only for
// infrastructure problems that warrant a queue-level retry; delivery
// exhaustion is terminal here because the DLQ takes over.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) error {
	var eventID uuid.UUID
	if task.Persisted {
		parsed, err := uuid.Parse(task.EventID)
		if err != nil {
			d.Logger.Error().Str("event_id", task.EventID).Err(err).Msg("dispatch_bad_event_id")
			return nil
		}
		eventID = parsed
		switch err := d.Events.MarkProcessing(ctx, eventID); {
		case errors.Is(err, store.ErrInvalidTransition):
			// Already processed, nothing to do.
			d.Logger.Debug().Str("event_id", task.EventID).Msg("dispatch_skip_processed")
			return nil
		case errors.Is(err, store.ErrNotFound):
			d.Logger.Warn().Str("event_id", task.EventID).Msg("dispatch_event_missing")
			return nil
		case err != nil:
			return err
		}
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		obs.WebhookDispatchAttempts.Inc()
		lastErr = d.attempt(ctx, task)
		if lastErr == nil {
			if task.Persisted {
				if err := d.Events.MarkProcessed(ctx, eventID); err != nil {
					d.Logger.Error().Str("event_id", task.EventID).Err(err).Msg("dispatch_mark_processed_failed")
				}
			}
			obs.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
			return nil
		}
		d.Logger.Warn().Str("event_id", task.EventID).Str("provider", task.Event.Source).
			Int("attempt", attempt).Err(lastErr).Msg("dispatch_attempt_failed")
		if attempt == maxAttempts {
			break
		}
		if err := d.sleep(ctx, d.attemptDelay(attempt)); err != nil {
			return err
		}
	}

	obs.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	reason := lastErr.Error()
	if !task.Persisted {
		// Degraded ingestion: no stored row to fail or park, the payload is
		// lost after exhaustion. Log everything we know.
		d.Logger.Error().Str("provider", task.Event.Source).Str("event_type", task.Event.EventType).
			Str("external_id", task.Event.ExternalID).Str("reason", reason).
			Msg("dispatch_exhausted_unpersisted")
		return nil
	}
	if err := d.Events.MarkFailed(ctx, eventID, reason); err != nil {
		d.Logger.Error().Str("event_id", task.EventID).Err(err).Msg("dispatch_mark_failed_failed")
	}
	if d.DLQEnabled && d.DLQ != nil {
		payload, err := json.Marshal(task.Event)
		if err == nil {
			if _, err = d.DLQ.Enqueue(ctx, eventID, task.Event.Source, payload, reason); err == nil {
				obs.WebhookDispatchDLQ.Inc()
			}
		}
		if err != nil {
			d.Logger.Error().Str("event_id", task.EventID).Err(err).Msg("dispatch_dlq_enqueue_failed")
		}
	}
	return nil
}

// attempt performs one breaker-guarded delivery.
func (d *Dispatcher) attempt(ctx context.Context, task Task) error {
	if d.Breaker != nil && !d.Breaker.Allow(ctx) {
		return resilience.ErrOpenCircuit
	}
	start := time.Now()
	err := d.deliver(ctx, task.Event)
	result := "success"
	if err != nil {
		result = "failure"
	}
	obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	if d.Breaker != nil {
		d.Breaker.Report(ctx, err == nil)
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	callCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, d.TargetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Source", eventSourceHeader)
	if d.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.AuthToken)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("downstream returned %s", resp.Status)
	}
	return nil
}

// attemptDelay computes the wait after the given attempt number.
func (d *Dispatcher) attemptDelay(attempt int) time.Duration {
	base := d.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if d.MaxDelay > 0 && delay > d.MaxDelay {
		return d.MaxDelay
	}
	return delay
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryResult summarizes one DLQ retry batch.
type RetryResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RetryBatch redelivers due dead letter entries, one attempt each. A
// successful delivery resolves the entry; a failure re-parks it with a
// bumped retry count, which may tip it into abandonment.
func (d *Dispatcher) RetryBatch(ctx context.Context, batchSize int) (RetryResult, error) {
	var result RetryResult
	entries, err := d.DLQ.PendingRetries(ctx, batchSize)
	if err != nil {
		return result, err
	}
	for _, entry := range entries {
		if err := d.DLQ.MarkRetrying(ctx, entry.ID); err != nil {
			// Claimed by a concurrent batch or already terminal.
			result.Skipped++
			continue
		}

		event, err := d.Events.GetByID(ctx, entry.EventID)
		if err != nil {
			d.Logger.Warn().Str("dlq_id", entry.ID.String()).Str("event_id", entry.EventID.String()).
				Err(err).Msg("dlq_retry_event_missing")
			result.Skipped++
			continue
		}
		if event.Status == store.StatusProcessed {
			// Never redeliver a processed event. The entry is skipped even
			// when resolving it fails; a later batch resolves it then.
			if err := d.DLQ.MarkResolved(ctx, entry.ID, "event already processed"); err != nil {
				d.Logger.Error().Str("dlq_id", entry.ID.String()).Err(err).Msg("dlq_retry_resolve_failed")
			}
			result.Skipped++
			continue
		}

		var payload any = json.RawMessage(entry.Payload)
		if err := d.deliverOnce(ctx, payload); err != nil {
			reason := err.Error()
			if markErr := d.Events.MarkFailed(ctx, event.ID, reason); markErr != nil {
				d.Logger.Error().Str("event_id", event.ID.String()).Err(markErr).Msg("dlq_retry_mark_failed_failed")
			}
			if _, enqErr := d.DLQ.Enqueue(ctx, entry.EventID, entry.Provider, entry.Payload, reason); enqErr != nil {
				d.Logger.Error().Str("dlq_id", entry.ID.String()).Err(enqErr).Msg("dlq_retry_reenqueue_failed")
			}
			obs.DLQRetriesTotal.WithLabelValues("failure").Inc()
			result.Failed++
			continue
		}

		if err := d.Events.MarkProcessed(ctx, event.ID); err != nil {
			d.Logger.Error().Str("event_id", event.ID.String()).Err(err).Msg("dlq_retry_mark_processed_failed")
		}
		if err := d.DLQ.MarkResolved(ctx, entry.ID, "redelivered successfully"); err != nil {
			d.Logger.Error().Str("dlq_id", entry.ID.String()).Err(err).Msg("dlq_retry_resolve_failed")
		}
		obs.DLQRetriesTotal.WithLabelValues("success").Inc()
		result.Processed++
	}
	return result, nil
}

// deliverOnce is a single breaker-guarded delivery used by DLQ retries.
func (d *Dispatcher) deliverOnce(ctx context.Context, payload any) error {
	if d.Breaker != nil && !d.Breaker.Allow(ctx) {
		return resilience.ErrOpenCircuit
	}
	err := d.deliver(ctx, payload)
	if d.Breaker != nil {
		d.Breaker.Report(ctx, err == nil)
	}
	return err
}
