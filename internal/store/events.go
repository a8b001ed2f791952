// ABOUTME: Durable event log backing the event bus
// ABOUTME: Append-only rows with monotonic integer IDs, read back newest first

package store

import (
	"context"
	"fmt"
	"time"
)

// Event log limits applied by ListRecentEvents.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 200
)

// NormalizeEventLimit applies the default and cap to a requested event count.
func NormalizeEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}

// AppendEvent persists an event and sets its ID. CreatedAt is set if zero.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, payload, created_at) VALUES (?, ?, ?)`,
		e.Type,
		payload,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}
	e.ID = id

	s.logger.Debug("appended event", "id", id, "type", e.Type)
	return nil
}

// ListRecentEvents returns up to limit events, newest first.
// The limit defaults to 50 and is capped at 200.
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	limit = NormalizeEventLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*Event{}
	for rows.Next() {
		var e Event
		var payload, createdAtStr string
		if err := rows.Scan(&e.ID, &e.Type, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// ClearEvents deletes every durable event. IDs keep increasing afterwards.
func (s *SQLiteStore) ClearEvents(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	if err != nil {
		return fmt.Errorf("clearing events: %w", err)
	}
	n, _ := result.RowsAffected()
	s.logger.Info("cleared event log", "deleted", n)
	return nil
}
