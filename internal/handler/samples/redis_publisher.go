// Package samples provides a demonstration handler that exercises the
// registry against a real transport. It is not part of the dispatch core
// (spec.md §1 places handler implementations out of scope) — it exists so
// the registry and worker can be exercised end-to-end in tests and so a new
// deployment has a working example to copy.
package samples

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"outbox-dispatcher/internal/handler"
)

// NotificationChannel is the Redis Pub/Sub channel RedisPublisher publishes
// to, named after the event type it's registered under.
const NotificationChannel = "dispatcher:notifications"

// notificationMessage is the JSON envelope published to Redis. Kept
// separate from the outbox row shape since handlers only ever see the
// payload mapping, never status columns (spec.md §4.3).
type notificationMessage struct {
	Payload     map[string]any `json:"payload"`
	PublishedAt int64          `json:"published_at"`
}

// NewRedisPublisher returns a Handler that publishes the event payload
// verbatim to NotificationChannel. Registered under event type
// "notification.publish" by callers that want a working example handler.
func NewRedisPublisher(client *redis.Client) handler.Handler {
	return func(ctx context.Context, payload map[string]any) error {
		msg := notificationMessage{
			Payload:     payload,
			PublishedAt: time.Now().UnixMilli(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("samples: marshal notification payload: %w", err)
		}
		if err := client.Publish(ctx, NotificationChannel, data).Err(); err != nil {
			return fmt.Errorf("samples: publish to %s: %w", NotificationChannel, err)
		}
		return nil
	}
}
