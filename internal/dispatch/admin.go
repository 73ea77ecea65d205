package dispatch

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hookline/hookline/internal/common"
	"github.com/hookline/hookline/internal/store"
)

const (
	defaultRetryBatch = 10
	maxRetryBatch     = 100
)

// AdminHandler exposes operator endpoints over the DLQ and the event store.
type AdminHandler struct {
	Dispatcher *Dispatcher
	DLQ        store.DLQStore
	Events     store.EventStore
}

// RetryDLQ handles POST /dlq/retry?batch_size=N.
func (h AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	batch := defaultRetryBatch
	if raw := strings.TrimSpace(r.URL.Query().Get("batch_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRetryBatch {
			common.JSONError(w, http.StatusBadRequest, common.CodeInvalidPayload,
				"batch_size must be an integer between 1 and 100", nil)
			return
		}
		batch = n
	}

	result, err := h.Dispatcher.RetryBatch(r.Context(), batch)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "dead letter retry failed", nil)
		return
	}
	common.JSONSuccess(w, http.StatusOK, "dead letter retry complete", result)
}

// DLQStats handles GET /dlq/stats.
func (h AdminHandler) DLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.DLQ.Stats(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "dead letter stats failed", nil)
		return
	}
	common.JSONSuccess(w, http.StatusOK, "dead letter stats", stats)
}

// FailedEvents handles GET /events/failed?provider=&limit=.
func (h AdminHandler) FailedEvents(w http.ResponseWriter, r *http.Request) {
	providerName := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			common.JSONError(w, http.StatusBadRequest, common.CodeInvalidPayload,
				"limit must be an integer between 1 and 500", nil)
			return
		}
		limit = n
	}

	events, err := h.Events.ListFailed(r.Context(), providerName, limit)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed event listing failed", nil)
		return
	}
	common.JSONSuccess(w, http.StatusOK, "failed events", map[string]any{
		"events": events,
		"count":  len(events),
	})
}
