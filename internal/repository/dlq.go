package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"outbox-dispatcher/internal/event"
)

// MaxDeadEventsLimit is the upper bound on FetchDeadEvents' limit argument;
// out-of-range values clamp rather than error (spec.md §4.2).
const MaxDeadEventsLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 {
		return MaxDeadEventsLimit
	}
	if limit > MaxDeadEventsLimit {
		return MaxDeadEventsLimit
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// FetchDeadEvents is a paginated read-only query over dead rows for
// observability, optionally filtered by aggregate_type and/or event_type.
func (r *Repository) FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	limit = clampLimit(limit)
	offset = clampOffset(offset)

	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at, created_at
		FROM outbox_event
		WHERE status = 'dead'
			AND ($3 = '' OR aggregate_type = $3)
			AND ($4 = '' OR event_type = $4)
		ORDER BY id ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset, aggregateType, eventType)
	if err != nil {
		return nil, fmt.Errorf("repository: fetch dead events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: fetch dead events rows: %w", err)
	}
	return events, nil
}

// CountDeadEvents returns the total number of dead rows matching the
// optional filters.
func (r *Repository) CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	const query = `
		SELECT count(*) FROM outbox_event
		WHERE status = 'dead'
			AND ($1 = '' OR aggregate_type = $1)
			AND ($2 = '' OR event_type = $2)`

	var count int
	if err := r.pool.QueryRow(ctx, query, aggregateType, eventType).Scan(&count); err != nil {
		return 0, fmt.Errorf("repository: count dead events: %w", err)
	}
	return count, nil
}

// GetDeadEvent returns a single dead row, or ok=false if it doesn't exist
// or isn't dead.
func (r *Repository) GetDeadEvent(ctx context.Context, id int64) (event.Event, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	const query = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at, created_at
		FROM outbox_event
		WHERE id = $1 AND status = 'dead'`

	row := r.pool.QueryRow(ctx, query, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("repository: get dead event %d: %w", id, err)
	}
	return ev, true, nil
}

// ResetDeadToPending resets attempts to 0 and next_run_at to now(), only if
// the row is currently dead. Returns whether exactly one row changed.
func (r *Repository) ResetDeadToPending(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	const query = `
		UPDATE outbox_event
		SET status = 'pending', attempts = 0, next_run_at = now()
		WHERE id = $1 AND status = 'dead'`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("repository: reset dead event %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetDeadToPendingBatch applies ResetDeadToPending to many ids at once.
// Non-dead or missing ids are silently ignored; the return value is the
// count of rows actually transitioned.
func (r *Repository) ResetDeadToPendingBatch(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StatementTimeout)
	defer cancel()

	const query = `
		UPDATE outbox_event
		SET status = 'pending', attempts = 0, next_run_at = now()
		WHERE id = ANY($1) AND status = 'dead'`

	tag, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("repository: reset dead events batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// rowScanner abstracts over pgx.Rows and pgx.Row, both of which implement
// Scan with this signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (event.Event, error) {
	var row event.Row
	var nextRunAt time.Time
	if err := s.Scan(&row.ID, &row.AggregateType, &row.AggregateID, &row.EventType,
		&row.Payload, &row.Status, &row.Attempts, &nextRunAt, &row.CreatedAt); err != nil {
		return event.Event{}, err
	}
	row.NextRunAt = &nextRunAt
	return event.FromRow(row)
}
