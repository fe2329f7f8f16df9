// Package handler defines the mapping from event type to handler function
// that the Worker invokes per claimed row (spec.md §4.3).
package handler

import (
	"context"
	"fmt"
)

// Handler is a pure function of an event's payload from the engine's
// perspective: it receives only the payload mapping, never the row's
// status columns, and signals outcome by returning nil or an error.
// Database access inside a handler must use a connection the handler owns
// itself — the worker's connection is engine-private (spec.md §5).
type Handler func(ctx context.Context, payload map[string]any) error

// ErrHandlerNotFound is wrapped with the offending event type and returned
// by Registry.Resolve when no handler is registered for it. The Worker
// treats this exactly like a handler returning an error: the row flows
// through the normal retry/dead path (spec.md §4.3, §7).
type ErrHandlerNotFound struct {
	EventType string
}

func (e *ErrHandlerNotFound) Error() string {
	return fmt.Sprintf("handler: no handler registered for event type %q", e.EventType)
}

// Registry is a read-only-after-construction map from event_type to
// Handler. Concurrent lookup is safe because it is never mutated after
// New returns (spec.md §5 "Shared-resource policy").
type Registry struct {
	handlers map[string]Handler
}

// New builds a Registry from the given event-type-to-handler mapping. The
// caller owns the map that's passed in conceptually, but New copies it so
// later mutation by the caller can't change the registry underneath a
// running Worker.
func New(handlers map[string]Handler) *Registry {
	copied := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		copied[k] = v
	}
	return &Registry{handlers: copied}
}

// Resolve returns the handler registered for eventType, or
// *ErrHandlerNotFound if none is registered.
func (r *Registry) Resolve(eventType string) (Handler, error) {
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, &ErrHandlerNotFound{EventType: eventType}
	}
	return h, nil
}
