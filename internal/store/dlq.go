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

// Dead letter lifecycle states. Resolved and abandoned are terminal.
const (
	DLQPending   = "pending"
	DLQRetrying  = "retrying"
	DLQResolved  = "resolved"
	DLQAbandoned = "abandoned"
)

// DLQEntry is a failed delivery parked for scheduled retry. An event has at
// most one entry; repeated failures bump retry_count on the same row.
// MaxRetries is snapshotted when the entry is created, so later config
// changes do not affect entries already in flight.
type DLQEntry struct {
	ID             uuid.UUID       `json:"id"`
	EventID        uuid.UUID       `json:"event_id"`
	Provider       string          `json:"provider"`
	Payload        json.RawMessage `json:"payload"`
	FailureInfo    string          `json:"failure_reason"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Status         string          `json:"status"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastRetryAt    *time.Time      `json:"last_retry_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNote *string         `json:"resolution_note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DLQStats aggregates entry counts by lifecycle state.
type DLQStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Retrying  int64 `json:"retrying"`
	Resolved  int64 `json:"resolved"`
	Abandoned int64 `json:"abandoned"`
}

// DLQStore provides database accessors for the dead letter queue.
type DLQStore interface {
	Enqueue(ctx context.Context, eventID uuid.UUID, provider string, payload json.RawMessage, reason string) (DLQEntry, error)
	PendingRetries(ctx context.Context, limit int) ([]DLQEntry, error)
	MarkRetrying(ctx context.Context, id uuid.UUID) error
	MarkResolved(ctx context.Context, id uuid.UUID, note string) error
	Stats(ctx context.Context) (DLQStats, error)
}

// NewDLQStore constructs a DLQStore backed by a pgx connection pool.
// maxRetries bounds how many scheduled retries an entry gets before it is
// abandoned; maxDelay caps the exponential backoff between them.
func NewDLQStore(pool *pgxpool.Pool, maxRetries int, maxDelay time.Duration) DLQStore {
	return &pgDLQStore{pool: pool, maxRetries: maxRetries, maxDelay: maxDelay, now: time.Now}
}

type pgDLQStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	maxDelay   time.Duration
	now        func() time.Time
}

const dlqColumns = `id, event_id, provider, payload, failure_reason, retry_count, max_retries, status, next_retry_at, last_retry_at, resolved_at, resolution_note, created_at, updated_at`

// Enqueue parks a failed delivery. The first failure for an event inserts a
// fresh entry with a short priming delay; subsequent failures bump the retry
// count and push next_retry_at out exponentially until max retries are
// exhausted, at which point the entry is abandoned. Terminal entries are left
// untouched.
func (s *pgDLQStore) Enqueue(ctx context.Context, eventID uuid.UUID, provider string, payload json.RawMessage, reason string) (DLQEntry, error) {
	if s == nil || s.pool == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DLQEntry{}, err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	row := tx.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE event_id = $1 FOR UPDATE`, eventID)
	existing, err := scanDLQEntry(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		retryAt := now.Add(nextRetryDelay(0, s.maxDelay))
		row = tx.QueryRow(ctx, `INSERT INTO dead_letter_queue (event_id, provider, payload, failure_reason, retry_count, max_retries, status, next_retry_at)
VALUES ($1, $2, $3, $4, 0, $5, 'pending', $6)
RETURNING `+dlqColumns, eventID, provider, payload, reason, s.maxRetries, retryAt)
		entry, err := scanDLQEntry(row)
		if err != nil {
			return DLQEntry{}, err
		}
		return entry, tx.Commit(ctx)
	case err != nil:
		return DLQEntry{}, err
	}

	if existing.Status == DLQResolved || existing.Status == DLQAbandoned {
		return existing, tx.Commit(ctx)
	}

	retryCount := existing.RetryCount + 1
	status := DLQPending
	var retryAt any
	if retryCount >= existing.MaxRetries {
		status = DLQAbandoned
	} else {
		retryAt = now.Add(nextRetryDelay(retryCount, s.maxDelay))
	}
	row = tx.QueryRow(ctx, `UPDATE dead_letter_queue
SET retry_count = $2, status = $3, next_retry_at = $4, last_retry_at = $5, failure_reason = $6, updated_at = now()
WHERE id = $1
RETURNING `+dlqColumns, existing.ID, retryCount, status, retryAt, now, reason)
	entry, err := scanDLQEntry(row)
	if err != nil {
		return DLQEntry{}, err
	}
	return entry, tx.Commit(ctx)
}

// PendingRetries returns entries whose retry time has arrived, oldest
// first. Retrying entries past their retry time are included too: the claim
// taken by MarkRetrying is advisory, so an entry stranded by a worker that
// crashed mid-retry becomes eligible again instead of sticking forever.
func (s *pgDLQStore) PendingRetries(ctx context.Context, limit int) ([]DLQEntry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampLimit(limit, 1, 500)
	rows, err := s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue
WHERE status IN ('pending', 'retrying') AND next_retry_at <= $1 ORDER BY next_retry_at ASC LIMIT $2`, s.now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DLQEntry, 0, limit)
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkRetrying claims an entry for an in-flight retry. Pending entries are
// claimable, and so is a retrying entry whose retry time already passed,
// which means an earlier claimant never finished. Resolved and abandoned
// entries cannot be claimed.
func (s *pgDLQStore) MarkRetrying(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE dead_letter_queue SET status = 'retrying', updated_at = now()
WHERE id = $1 AND (status = 'pending' OR (status = 'retrying' AND next_retry_at <= $2))`, id, s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkResolved retires an entry, recording when and why it was resolved.
func (s *pgDLQStore) MarkResolved(ctx context.Context, id uuid.UUID, note string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE dead_letter_queue
SET status = 'resolved', next_retry_at = NULL, resolved_at = now(), resolution_note = $2, updated_at = now()
WHERE id = $1`, id, nullIfEmpty(note))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns entry counts grouped by lifecycle state.
func (s *pgDLQStore) Stats(ctx context.Context) (DLQStats, error) {
	if s == nil || s.pool == nil {
		return DLQStats{}, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM dead_letter_queue GROUP BY status`)
	if err != nil {
		return DLQStats{}, err
	}
	defer rows.Close()

	var stats DLQStats
	for rows.Next() {
		var (
			status string
			total  int64
		)
		if err := rows.Scan(&status, &total); err != nil {
			return DLQStats{}, err
		}
		stats.Total += total
		switch status {
		case DLQPending:
			stats.Pending = total
		case DLQRetrying:
			stats.Retrying = total
		case DLQResolved:
			stats.Resolved = total
		case DLQAbandoned:
			stats.Abandoned = total
		}
	}
	return stats, rows.Err()
}

// nextRetryDelay schedules the wait before retry attempt retryCount+1. The
// first failure gets a one second priming delay so an operator-visible entry
// exists almost immediately; afterwards the delay doubles per failure up to
// maxDelay.
func nextRetryDelay(retryCount int, maxDelay time.Duration) time.Duration {
	if retryCount <= 0 {
		return time.Second
	}
	if retryCount > 30 {
		retryCount = 30
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func scanDLQEntry(row pgx.Row) (DLQEntry, error) {
	var entry DLQEntry
	var nextRetry, lastRetry, resolvedAt sql.NullTime
	var note sql.NullString
	err := row.Scan(&entry.ID, &entry.EventID, &entry.Provider, &entry.Payload, &entry.FailureInfo,
		&entry.RetryCount, &entry.MaxRetries, &entry.Status, &nextRetry, &lastRetry, &resolvedAt,
		&note, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return DLQEntry{}, err
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		entry.NextRetryAt = &t
	}
	if lastRetry.Valid {
		t := lastRetry.Time
		entry.LastRetryAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		entry.ResolvedAt = &t
	}
	if note.Valid {
		entry.ResolutionNote = &note.String
	}
	return entry, nil
}
