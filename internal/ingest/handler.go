package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hookline/hookline/internal/common"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/obs"
	"github.com/hookline/hookline/internal/provider"
	"github.com/hookline/hookline/internal/store"
)

// Handler implements the webhook ingestion fast path: verify, parse,
// normalize, persist, hand off, acknowledge. Everything slow happens after
// the 200.
type Handler struct {
	Registry *provider.Registry
	Events   store.EventStore
	Enqueuer dispatch.Enqueuer
	Logger   zerolog.Logger
}

type receipt struct {
	TraceID   string `json:"trace_id"`
	Provider  string `json:"provider"`
	EventType string `json:"event_type"`
}

// Receive handles POST /webhooks/{provider}.
func (h Handler) Receive(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	p := h.Registry.Get(name)
	if p == nil {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "unknown_provider").Inc()
		common.JSONError(w, http.StatusNotFound, common.CodeProviderNotFound,
			fmt.Sprintf("unknown provider %q, available: %s", name, strings.Join(h.Registry.Names(), ", ")), nil)
		return
	}
	if p.Secret() == "" {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "not_configured").Inc()
		common.JSONError(w, http.StatusServiceUnavailable, common.CodeProviderNotConfigured,
			fmt.Sprintf("provider %q has no secret configured", name), nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "invalid_payload").Inc()
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidPayload, "unable to read request body", nil)
		return
	}

	if !p.Verify(r.Header, body) {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "unauthorized").Inc()
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "signature verification failed", nil)
		return
	}

	raw, err := p.Parse(body)
	if err != nil {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "invalid_payload").Inc()
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidPayload, "payload is not valid JSON", nil)
		return
	}

	event := p.Normalize(raw)
	normalized, err := json.Marshal(event)
	if err != nil {
		obs.WebhooksReceivedTotal.WithLabelValues(name, "invalid_payload").Inc()
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidPayload, "payload cannot be normalized", nil)
		return
	}

	stored, created, err := h.Events.Create(r.Context(), store.NewEvent{
		Provider:       event.Source,
		EventType:      event.EventType,
		ExternalID:     event.ExternalID,
		UserIdentifier: event.UserIdentifier,
		OrganizationID: event.OrganizationID,
		Payload:        body,
		Normalized:     normalized,
	})
	if err != nil {
		// Degraded mode: losing the write must not lose the event. Dispatch
		// the in-memory payload and acknowledge anyway.
		h.Logger.Error().Str("provider", event.Source).Str("event_type", event.EventType).
			Str("external_id", event.ExternalID).Err(err).
			Msg("webhook_persist_failed_degraded_dispatch")
		obs.WebhooksReceivedTotal.WithLabelValues(name, "degraded").Inc()

		traceID := event.ExternalID
		if traceID == "" {
			traceID = "unknown"
		}
		h.enqueue(r, dispatch.Task{Persisted: false, Event: event})
		common.JSONSuccess(w, http.StatusOK, "webhook received", receipt{
			TraceID:   traceID,
			Provider:  event.Source,
			EventType: event.EventType,
		})
		return
	}

	if !created {
		// Redelivery of an already stored event. Acknowledge without
		// re-dispatching.
		obs.WebhooksReceivedTotal.WithLabelValues(name, "duplicate").Inc()
		common.JSONSuccess(w, http.StatusOK, "webhook already received", receipt{
			TraceID:   stored.ID.String(),
			Provider:  stored.Provider,
			EventType: stored.EventType,
		})
		return
	}

	obs.WebhooksReceivedTotal.WithLabelValues(name, "accepted").Inc()
	h.enqueue(r, dispatch.Task{EventID: stored.ID.String(), Persisted: true, Event: event})
	common.JSONSuccess(w, http.StatusOK, "webhook received", receipt{
		TraceID:   stored.ID.String(),
		Provider:  stored.Provider,
		EventType: stored.EventType,
	})
}

func (h Handler) enqueue(r *http.Request, task dispatch.Task) {
	if err := h.Enqueuer.EnqueueDispatch(r.Context(), task); err != nil {
		h.Logger.Error().Str("event_id", task.EventID).Str("provider", task.Event.Source).
			Err(err).Msg("webhook_enqueue_failed")
	}
}

// Providers handles GET /providers.
func (h Handler) Providers(w http.ResponseWriter, r *http.Request) {
	common.JSONSuccess(w, http.StatusOK, "registered providers", h.Registry.Status())
}
