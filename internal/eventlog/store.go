package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// DBTX is the subset of *pgxpool.Pool the store uses
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists events and delivery attempts in Postgres
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// CreateEvent inserts a pending event. A unique violation on event_id maps to
// ErrDuplicateEvent.
func (s *Store) CreateEvent(ctx context.Context, e Event) error {
	received := e.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (event_id, account_id, received_data, destination_count, status, received_timestamp)
		VALUES ($1, $2, $3, $4, 'pending', $5)
	`, e.EventID, e.AccountID, e.Payload, e.DestinationCount, received)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return nil
}

// MarkSucceeded sets the shared status column to success. Repeating the call
// is harmless.
func (s *Store) MarkSucceeded(ctx context.Context, eventID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE events
		SET status = 'success', processed_timestamp = $2, error_message = NULL
		WHERE event_id = $1
	`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark event %s succeeded: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed sets the shared status column to failed with a reason
func (s *Store) MarkFailed(ctx context.Context, eventID string, at time.Time, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE events
		SET status = 'failed', processed_timestamp = $2, error_message = $3
		WHERE event_id = $1
	`, eventID, at, reason)
	if err != nil {
		return fmt.Errorf("mark event %s failed: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// RecordAttempt upserts the per-destination outcome. A redelivered task
// overwrites the previous row for the same (event, destination).
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	var httpStatus *int
	if a.HTTPStatus > 0 {
		httpStatus = &a.HTTPStatus
	}
	var errMsg *string
	if a.ErrorMessage != "" {
		errMsg = &a.ErrorMessage
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_attempts (event_id, destination_id, status, http_status, error_message, latency_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, destination_id) DO UPDATE
		SET status = EXCLUDED.status,
		    http_status = EXCLUDED.http_status,
		    error_message = EXCLUDED.error_message,
		    latency_ms = EXCLUDED.latency_ms,
		    attempted_at = EXCLUDED.attempted_at
	`, a.EventID, a.DestinationID, string(a.Status), httpStatus, errMsg, a.LatencyMS, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("record attempt %s/%d: %w", a.EventID, a.DestinationID, err)
	}
	return nil
}

// GetEvent loads an event scoped to its owning account
func (s *Store) GetEvent(ctx context.Context, accountID, eventID string) (Event, error) {
	var (
		e         Event
		status    string
		processed *time.Time
		errMsg    *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT event_id, account_id, received_data, destination_count, status,
		       received_timestamp, processed_timestamp, error_message
		FROM events
		WHERE event_id = $1 AND account_id = $2
	`, eventID, accountID).Scan(
		&e.EventID, &e.AccountID, &e.Payload, &e.DestinationCount, &status,
		&e.ReceivedAt, &processed, &errMsg,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	e.Status = Status(status)
	e.ProcessedAt = processed
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	return e, nil
}

// ListAttempts returns every recorded attempt for an event ordered by destination
func (s *Store) ListAttempts(ctx context.Context, eventID string) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_id, destination_id, status, http_status, error_message, latency_ms, attempted_at
		FROM delivery_attempts
		WHERE event_id = $1
		ORDER BY destination_id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attempts %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			status     string
			httpStatus *int
			errMsg     *string
		)
		if err := rows.Scan(&a.EventID, &a.DestinationID, &status, &httpStatus, &errMsg, &a.LatencyMS, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = Status(status)
		if httpStatus != nil {
			a.HTTPStatus = *httpStatus
		}
		if errMsg != nil {
			a.ErrorMessage = *errMsg
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
