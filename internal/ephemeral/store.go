// Package ephemeral provides the TTL-bounded working-state store with
// publish/subscribe fan-out.
//
// The store is a best-effort accelerator, not the system of record: callers
// treat failures as non-fatal, and a failed publish never rolls back the
// write it accompanied. Durable state lives behind the record bridge.
package ephemeral

import (
	"context"
	"time"
)

// Handler receives messages published to a subscribed topic. Messages for a
// given topic are delivered to each subscriber in publish order.
type Handler func(topic string, payload []byte)

// Store is fast, TTL-bounded working state plus topic fan-out.
//
// Every key carries an expiry; there are no immortal entries. List keys are
// ring buffers: Append trims to maxLen on every insert.
type Store interface {
	// Set stores value under key with the given TTL. A ttl <= 0 is invalid.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if the key is absent
	// or its TTL has lapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Append pushes value onto the list at key, trimming the oldest
	// entries so the list never exceeds maxLen, and refreshes the list's
	// TTL.
	Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error

	// List returns the entries of the list at key, oldest first.
	List(ctx context.Context, key string) ([][]byte, error)

	// Publish delivers payload to all current subscribers of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns a function that
	// cancels the subscription.
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)

	// Close releases all resources and cancels all subscriptions.
	Close() error
}
