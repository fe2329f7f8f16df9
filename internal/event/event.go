// Package event defines the outbox row value type shared by the repository,
// the worker, and the observability surface.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the controlled enumeration an outbox row moves through.
type Status string

const (
	StatusPending Status = "pending"
	StatusRetry   Status = "retry"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Valid reports whether s is one of the four controlled states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetry, StatusDone, StatusDead:
		return true
	}
	return false
}

// Event is an immutable-by-convention record of one outbox row.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       map[string]any
	Status        Status
	Attempts      int
	NextRunAt     time.Time
	CreatedAt     time.Time
}

// Row is the shape the Repository scans a database row into before handing
// it to FromRow. Kept separate from Event so the repository package can scan
// directly into plain Go types without pulling pgx-specific types into this
// package.
type Row struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        string
	Attempts      int
	NextRunAt     *time.Time
	CreatedAt     time.Time
}

// FromRow builds an Event from a scanned database row. A missing NextRunAt
// signals schema corruption (the column is NOT NULL with a default in the
// schema) and must fail loudly rather than silently zero it out.
func FromRow(r Row) (Event, error) {
	if r.ID == 0 {
		return Event{}, fmt.Errorf("event: row has no id, schema mismatch")
	}
	if r.NextRunAt == nil {
		return Event{}, fmt.Errorf("event: row %d has no next_run_at, schema mismatch", r.ID)
	}
	status := Status(r.Status)
	if !status.Valid() {
		return Event{}, fmt.Errorf("event: row %d has unknown status %q", r.ID, r.Status)
	}

	payload := map[string]any{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return Event{}, fmt.Errorf("event: row %d has invalid payload: %w", r.ID, err)
		}
	}

	return Event{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       payload,
		Status:        status,
		Attempts:      r.Attempts,
		NextRunAt:     *r.NextRunAt,
		CreatedAt:     r.CreatedAt,
	}, nil
}

// ToRow is the reverse mapping, used by callers that need to re-serialize an
// Event back into storable columns (tested for round-trip identity in
// event_test.go). The DLQ endpoints do not use it; they emit ToJSON.
func (e Event) ToRow() (Row, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Row{}, fmt.Errorf("event: cannot marshal payload for row %d: %w", e.ID, err)
	}
	nextRunAt := e.NextRunAt
	return Row{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       payload,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		NextRunAt:     &nextRunAt,
		CreatedAt:     e.CreatedAt,
	}, nil
}

// JSON is the shape the DLQ inspection endpoints emit. The payload is kept
// as a structured value (map[string]any) rather than round-tripped through
// a string.
type JSON struct {
	ID            int64          `json:"id"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	NextRunAt     time.Time      `json:"next_run_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ToJSON converts e into its JSON serialization target, used by the DLQ
// inspection endpoints.
func (e Event) ToJSON() JSON {
	return JSON{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Status:        e.Status,
		Attempts:      e.Attempts,
		NextRunAt:     e.NextRunAt,
		CreatedAt:     e.CreatedAt,
	}
}

// Due reports whether the event is eligible for claim at the given instant
// (invariant I4 from the data model).
func (e Event) Due(now time.Time) bool {
	return (e.Status == StatusPending || e.Status == StatusRetry) && !e.NextRunAt.After(now)
}
