package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/obs"
	"github.com/hookline/hookline/internal/provider"
	"github.com/hookline/hookline/internal/resilience"
	"github.com/hookline/hookline/internal/store"
)

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("test", prometheus.NewRegistry())
	os.Exit(m.Run())
}

type fakeEvents struct {
	mu     sync.Mutex
	events map[uuid.UUID]store.WebhookEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[uuid.UUID]store.WebhookEvent)}
}

func (f *fakeEvents) add(event store.WebhookEvent) store.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = store.StatusReceived
	}
	f.events[event.ID] = event
	return event
}

func (f *fakeEvents) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id].Status
}

func (f *fakeEvents) lastError(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.events[id].LastError; e != nil {
		return *e
	}
	return ""
}

func (f *fakeEvents) get(id uuid.UUID) store.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

func (f *fakeEvents) Create(_ context.Context, event store.NewEvent) (store.WebhookEvent, bool, error) {
	stored := f.add(store.WebhookEvent{
		Provider:   event.Provider,
		EventType:  event.EventType,
		Payload:    event.Payload,
		Normalized: event.Normalized,
	})
	return stored, true, nil
}

func (f *fakeEvents) GetByID(_ context.Context, id uuid.UUID) (store.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return store.WebhookEvent{}, store.ErrNotFound
	}
	return event, nil
}

func (f *fakeEvents) GetByExternalID(_ context.Context, _, _ string) (store.WebhookEvent, error) {
	return store.WebhookEvent{}, store.ErrNotFound
}

func (f *fakeEvents) MarkProcessing(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if event.Status == store.StatusProcessed {
		return store.ErrInvalidTransition
	}
	event.Status = store.StatusProcessing
	f.events[id] = event
	return nil
}

func (f *fakeEvents) MarkProcessed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	event.Status = store.StatusProcessed
	event.ProcessedAt = &now
	f.events[id] = event
	return nil
}

func (f *fakeEvents) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	event.Status = store.StatusFailed
	event.LastError = &reason
	f.events[id] = event
	return nil
}

func (f *fakeEvents) ListFailed(_ context.Context, provider string, limit int) ([]store.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.WebhookEvent
	for _, event := range f.events {
		if event.Status != store.StatusFailed {
			continue
		}
		if provider != "" && event.Provider != provider {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEvents) ListStuckProcessing(_ context.Context, olderThan time.Duration, limit int) ([]store.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []store.WebhookEvent
	for _, event := range f.events {
		if event.Status == store.StatusProcessing && event.UpdatedAt.Before(cutoff) {
			out = append(out, event)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeDLQ struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]store.DLQEntry
	byEvent    map[uuid.UUID]uuid.UUID
	maxRetries int
	now        func() time.Time
	resolveErr error
}

func newFakeDLQ(maxRetries int) *fakeDLQ {
	return &fakeDLQ{
		entries:    make(map[uuid.UUID]store.DLQEntry),
		byEvent:    make(map[uuid.UUID]uuid.UUID),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (f *fakeDLQ) Enqueue(_ context.Context, eventID uuid.UUID, providerName string, payload json.RawMessage, reason string) (store.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if id, ok := f.byEvent[eventID]; ok {
		entry := f.entries[id]
		if entry.Status == store.DLQResolved || entry.Status == store.DLQAbandoned {
			return entry, nil
		}
		entry.RetryCount++
		entry.FailureInfo = reason
		entry.LastRetryAt = &now
		if entry.RetryCount >= entry.MaxRetries {
			entry.Status = store.DLQAbandoned
			entry.NextRetryAt = nil
		} else {
			entry.Status = store.DLQPending
			retryAt := now.Add(time.Duration(1<<uint(entry.RetryCount)) * time.Second)
			entry.NextRetryAt = &retryAt
		}
		f.entries[id] = entry
		return entry, nil
	}
	retryAt := now.Add(time.Second)
	entry := store.DLQEntry{
		ID:          uuid.New(),
		EventID:     eventID,
		Provider:    providerName,
		Payload:     payload,
		FailureInfo: reason,
		MaxRetries:  f.maxRetries,
		Status:      store.DLQPending,
		NextRetryAt: &retryAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.entries[entry.ID] = entry
	f.byEvent[eventID] = entry.ID
	return entry, nil
}

func (f *fakeDLQ) PendingRetries(_ context.Context, limit int) ([]store.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var out []store.DLQEntry
	for _, entry := range f.entries {
		due := entry.NextRetryAt != nil && !entry.NextRetryAt.After(now)
		if due && (entry.Status == store.DLQPending || entry.Status == store.DLQRetrying) {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDLQ) MarkRetrying(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return store.ErrInvalidTransition
	}
	stale := entry.Status == store.DLQRetrying && entry.NextRetryAt != nil && !entry.NextRetryAt.After(f.now())
	if entry.Status != store.DLQPending && !stale {
		return store.ErrInvalidTransition
	}
	entry.Status = store.DLQRetrying
	f.entries[id] = entry
	return nil
}

func (f *fakeDLQ) MarkResolved(_ context.Context, id uuid.UUID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return f.resolveErr
	}
	entry, ok := f.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	now := f.now()
	entry.Status = store.DLQResolved
	entry.NextRetryAt = nil
	entry.ResolvedAt = &now
	entry.ResolutionNote = &note
	f.entries[id] = entry
	return nil
}

func (f *fakeDLQ) markStalledRetrying(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.entries[id]
	entry.Status = store.DLQRetrying
	f.entries[id] = entry
}

func (f *fakeDLQ) Stats(_ context.Context) (store.DLQStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats store.DLQStats
	for _, entry := range f.entries {
		stats.Total++
		switch entry.Status {
		case store.DLQPending:
			stats.Pending++
		case store.DLQRetrying:
			stats.Retrying++
		case store.DLQResolved:
			stats.Resolved++
		case store.DLQAbandoned:
			stats.Abandoned++
		}
	}
	return stats, nil
}

func (f *fakeDLQ) entryForEvent(eventID uuid.UUID) (store.DLQEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEvent[eventID]
	if !ok {
		return store.DLQEntry{}, false
	}
	return f.entries[id], true
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	var mu sync.Mutex
	return func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		*delays = append(*delays, d)
		return nil
	}
}

func testEvent() provider.Event {
	return provider.Event{
		Source:     "payment",
		EventType:  "payment_intent.succeeded",
		ExternalID: "evt_1",
	}
}

func newDispatcher(events *fakeEvents, dlq *fakeDLQ, target string, delays *[]time.Duration) *dispatch.Dispatcher {
	return &dispatch.Dispatcher{
		Events:       events,
		DLQ:          dlq,
		Client:       http.DefaultClient,
		TargetURL:    target,
		AuthToken:    "svc-token",
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Timeout:      time.Second,
		DLQEnabled:   true,
		Logger:       zerolog.Nop(),
		Sleep:        noSleep(delays),
	}
}

func TestDispatchSuccessMarksProcessed(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment"})

	var gotAuth, gotSource, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSource = r.Header.Get("X-Event-Source")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = json.Marshal(nil)
		var event provider.Event
		_ = json.NewDecoder(r.Body).Decode(&event)
		gotBody, _ = json.Marshal(event)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, newFakeDLQ(3), srv.URL, &delays)

	err := d.Dispatch(context.Background(), dispatch.Task{
		EventID:   stored.ID.String(),
		Persisted: true,
		Event:     testEvent(),
	})
	require.NoError(t, err)

	require.Equal(t, store.StatusProcessed, events.status(stored.ID))
	require.Equal(t, "Bearer svc-token", gotAuth)
	require.Equal(t, "webhook_service", gotSource)
	require.Equal(t, "application/json", gotContentType)
	require.Contains(t, string(gotBody), "payment_intent.succeeded")
	require.Empty(t, delays)
}

func TestDispatchExhaustionMovesToDLQ(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment"})
	dlq := newFakeDLQ(3)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	err := d.Dispatch(context.Background(), dispatch.Task{
		EventID:   stored.ID.String(),
		Persisted: true,
		Event:     testEvent(),
	})
	require.NoError(t, err)

	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	require.Equal(t, store.StatusFailed, events.status(stored.ID))
	require.Contains(t, events.lastError(stored.ID), "500")

	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQPending, entry.Status)
	require.Equal(t, 0, entry.RetryCount)
	require.NotNil(t, entry.NextRetryAt)
}

func TestDispatchDelayCappedAtMax(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, newFakeDLQ(3), srv.URL, &delays)
	d.MaxAttempts = 5
	d.MaxDelay = 3 * time.Second

	require.NoError(t, d.Dispatch(context.Background(), dispatch.Task{
		EventID:   stored.ID.String(),
		Persisted: true,
		Event:     testEvent(),
	}))

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, delays)
}

func TestDispatchSkipsProcessedEvent(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusProcessed})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, newFakeDLQ(3), srv.URL, &delays)

	require.NoError(t, d.Dispatch(context.Background(), dispatch.Task{
		EventID:   stored.ID.String(),
		Persisted: true,
		Event:     testEvent(),
	}))
	require.Zero(t, calls.Load())
	require.Equal(t, store.StatusProcessed, events.status(stored.ID))
}

func TestDispatchOpenBreakerCountsAsFailure(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment"})
	dlq := newFakeDLQ(3)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	breaker := resilience.NewBreaker(1, 0.5, time.Hour)
	breaker.Report(context.Background(), false)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)
	d.Breaker = breaker

	require.NoError(t, d.Dispatch(context.Background(), dispatch.Task{
		EventID:   stored.ID.String(),
		Persisted: true,
		Event:     testEvent(),
	}))

	require.Zero(t, calls.Load())
	require.Equal(t, store.StatusFailed, events.status(stored.ID))
	_, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
}

func TestRetryBatchResolvesOnSuccess(t *testing.T) {
	events := newFakeEvents()
	reason := "downstream returned 500"
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusFailed, LastError: &reason})
	dlq := newFakeDLQ(3)

	payload, _ := json.Marshal(testEvent())
	_, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)
	// Make the priming delay due.
	dlq.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	result, err := d.RetryBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Skipped)

	require.Equal(t, store.StatusProcessed, events.status(stored.ID))
	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQResolved, entry.Status)
	require.NotNil(t, entry.ResolvedAt)
	require.NotNil(t, entry.ResolutionNote)

	// Completion is stamped without erasing the failure history.
	processed := events.get(stored.ID)
	require.NotNil(t, processed.ProcessedAt)
	require.NotNil(t, processed.LastError)
	require.Equal(t, reason, *processed.LastError)
}

func TestRetryBatchReparksOnFailure(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusFailed})
	dlq := newFakeDLQ(3)

	payload, _ := json.Marshal(testEvent())
	_, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)
	dlq.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	result, err := d.RetryBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQPending, entry.Status)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, 3, entry.MaxRetries)
	require.NotNil(t, entry.LastRetryAt)
	require.Equal(t, store.StatusFailed, events.status(stored.ID))
}

func TestRetryBatchAbandonsAfterMaxRetries(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusFailed})
	dlq := newFakeDLQ(2)

	payload, _ := json.Marshal(testEvent())
	_, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	// Each pass advances far enough that the entry is due again.
	offset := 10 * time.Second
	for i := 0; i < 2; i++ {
		shift := offset * time.Duration(i+1)
		dlq.now = func() time.Time { return time.Now().Add(shift) }
		_, err := d.RetryBatch(context.Background(), 10)
		require.NoError(t, err)
	}

	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQAbandoned, entry.Status)
	require.Nil(t, entry.NextRetryAt)

	// Abandoned entries are terminal: a further failure stays abandoned.
	_, err = dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "again")
	require.NoError(t, err)
	entry, _ = dlq.entryForEvent(stored.ID)
	require.Equal(t, store.DLQAbandoned, entry.Status)
}

func TestRetryBatchSkipsProcessedEventWhenResolveFails(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusProcessed})
	dlq := newFakeDLQ(3)

	payload, _ := json.Marshal(testEvent())
	_, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)
	dlq.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	dlq.resolveErr = errors.New("connection reset")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	result, err := d.RetryBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Zero(t, result.Processed)
	require.Zero(t, result.Failed)
	// A processed event is never redelivered, even when resolving fails.
	require.Zero(t, calls.Load())

	// Once the store recovers, a later batch resolves the entry.
	dlq.resolveErr = nil
	result, err = d.RetryBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Zero(t, calls.Load())

	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQResolved, entry.Status)
	require.NotNil(t, entry.ResolvedAt)
}

func TestRetryBatchReclaimsStalledRetryingEntry(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusFailed})
	dlq := newFakeDLQ(3)

	payload, _ := json.Marshal(testEvent())
	entry, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)
	// A worker claimed the entry and died before resolving or re-parking it.
	dlq.markStalledRetrying(entry.ID)
	dlq.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	result, err := d.RetryBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Zero(t, result.Skipped)

	got, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQResolved, got.Status)
	require.Equal(t, store.StatusProcessed, events.status(stored.ID))
}

func TestRetryBatchHonorsMaxRetriesFromCreation(t *testing.T) {
	events := newFakeEvents()
	stored := events.add(store.WebhookEvent{Provider: "payment", Status: store.StatusFailed})
	dlq := newFakeDLQ(2)

	payload, _ := json.Marshal(testEvent())
	_, err := dlq.Enqueue(context.Background(), stored.ID, "payment", payload, "downstream returned 500")
	require.NoError(t, err)
	// Raising the configured limit afterwards does not affect the entry.
	dlq.maxRetries = 10

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	offset := 10 * time.Second
	for i := 0; i < 2; i++ {
		shift := offset * time.Duration(i+1)
		dlq.now = func() time.Time { return time.Now().Add(shift) }
		_, err := d.RetryBatch(context.Background(), 10)
		require.NoError(t, err)
	}

	entry, ok := dlq.entryForEvent(stored.ID)
	require.True(t, ok)
	require.Equal(t, store.DLQAbandoned, entry.Status)
	require.Equal(t, 2, entry.MaxRetries)
	require.Equal(t, 2, entry.RetryCount)
}

func TestDispatchUnpersistedDoesNotTouchStores(t *testing.T) {
	events := newFakeEvents()
	dlq := newFakeDLQ(3)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var delays []time.Duration
	d := newDispatcher(events, dlq, srv.URL, &delays)

	require.NoError(t, d.Dispatch(context.Background(), dispatch.Task{
		Persisted: false,
		Event:     testEvent(),
	}))

	stats, err := dlq.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}
