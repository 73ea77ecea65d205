package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable indicates the database dependency is not configured.
	ErrStoreUnavailable = errors.New("store: unavailable")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition indicates a status change that the lifecycle does
	// not allow, such as reprocessing an already processed event.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Webhook event lifecycle states. Processed is terminal.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// WebhookEvent is a persisted inbound webhook: the raw body exactly as
// received plus the canonical form derived from it.
type WebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	Provider       string          `json:"provider"`
	EventType      string          `json:"event_type"`
	ExternalID     *string         `json:"external_id,omitempty"`
	UserIdentifier *string         `json:"user_identifier,omitempty"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Normalized     json.RawMessage `json:"normalized"`
	Status         string          `json:"status"`
	LastError      *string         `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewEvent carries the fields needed to persist an inbound webhook. Empty
// strings are stored as NULL.
type NewEvent struct {
	Provider       string
	EventType      string
	ExternalID     string
	UserIdentifier string
	OrganizationID string
	Payload        json.RawMessage
	Normalized     json.RawMessage
}

// EventStore provides database accessors for webhook events.
type EventStore interface {
	Create(ctx context.Context, event NewEvent) (WebhookEvent, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (WebhookEvent, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (WebhookEvent, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListFailed(ctx context.Context, provider string, limit int) ([]WebhookEvent, error)
	ListStuckProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]WebhookEvent, error)
}

// NewEventStore constructs an EventStore backed by a pgx connection pool.
func NewEventStore(pool *pgxpool.Pool) EventStore {
	return &pgEventStore{pool: pool}
}

type pgEventStore struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, provider, event_type, external_id, user_identifier, organization_id, payload, normalized, status, last_error, processed_at, created_at, updated_at`

// Create persists the event and reports whether a new row was written. A
// duplicate (provider, external_id) pair returns the previously stored row
// with created=false; events without an external id are always inserted.
func (s *pgEventStore) Create(ctx context.Context, event NewEvent) (WebhookEvent, bool, error) {
	if s == nil || s.pool == nil {
		return WebhookEvent{}, false, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_events (provider, event_type, external_id, user_identifier, organization_id, payload, normalized, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'received')
ON CONFLICT (provider, external_id) WHERE external_id IS NOT NULL DO NOTHING
RETURNING `+eventColumns, event.Provider, event.EventType, nullIfEmpty(event.ExternalID),
		nullIfEmpty(event.UserIdentifier), nullIfEmpty(event.OrganizationID), event.Payload, event.Normalized)
	stored, err := scanEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || event.ExternalID == "" {
		return WebhookEvent{}, false, err
	}
	existing, err := s.GetByExternalID(ctx, event.Provider, event.ExternalID)
	if err != nil {
		return WebhookEvent{}, false, err
	}
	return existing, false, nil
}

// GetByID fetches an event by its identifier.
func (s *pgEventStore) GetByID(ctx context.Context, id uuid.UUID) (WebhookEvent, error) {
	if s == nil || s.pool == nil {
		return WebhookEvent{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	return event, err
}

// GetByExternalID fetches an event by its provider-scoped external id.
func (s *pgEventStore) GetByExternalID(ctx context.Context, provider, externalID string) (WebhookEvent, error) {
	if s == nil || s.pool == nil {
		return WebhookEvent{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND external_id = $2`, provider, externalID)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	return event, err
}

// MarkProcessing moves an event into processing. Processed events are
// terminal and may not re-enter the pipeline.
func (s *pgEventStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_events SET status = 'processing', updated_at = now()
WHERE id = $1 AND status <> 'processed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM webhook_events WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

// MarkProcessed moves an event into its terminal state and stamps the
// completion time. last_error is left untouched so a row that failed on the
// way keeps its failure history.
func (s *pgEventStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_events SET status = 'processed', processed_at = now(), updated_at = now()
WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a delivery failure with its reason.
func (s *pgEventStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_events SET status = 'failed', last_error = $2, updated_at = now()
WHERE id = $1 AND status <> 'processed'`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFailed returns the most recent failed events, optionally filtered by
// provider.
func (s *pgEventStore) ListFailed(ctx context.Context, provider string, limit int) ([]WebhookEvent, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampLimit(limit, 1, 500)
	var (
		rows pgx.Rows
		err  error
	)
	if provider != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE status = 'failed' AND provider = $1 ORDER BY created_at DESC LIMIT $2`, provider, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE status = 'failed' ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

// ListStuckProcessing returns events stuck in processing longer than
// olderThan, typically left behind by a crashed worker.
func (s *pgEventStore) ListStuckProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]WebhookEvent, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampLimit(limit, 1, 500)
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM webhook_events
WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

func collectEvents(rows pgx.Rows, capacity int) ([]WebhookEvent, error) {
	events := make([]WebhookEvent, 0, capacity)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (WebhookEvent, error) {
	var event WebhookEvent
	var externalID, userIdentifier, organizationID, lastError sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&event.ID, &event.Provider, &event.EventType, &externalID, &userIdentifier,
		&organizationID, &event.Payload, &event.Normalized, &event.Status, &lastError,
		&processedAt, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return WebhookEvent{}, err
	}
	if externalID.Valid {
		event.ExternalID = &externalID.String
	}
	if userIdentifier.Valid {
		event.UserIdentifier = &userIdentifier.String
	}
	if organizationID.Valid {
		event.OrganizationID = &organizationID.String
	}
	if lastError.Valid {
		event.LastError = &lastError.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}
	return event, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func clampLimit(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
