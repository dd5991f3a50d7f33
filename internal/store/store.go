// Package store defines the Store Gateway contract: a thin typed wrapper
// over a key/value + JSON + pub/sub database. Every other component talks
// to the store exclusively through this interface; no component opens a raw
// connection of its own (spec.md §2).
package store

import (
	"context"
	"time"
)

// Store is the full Store Gateway surface: scalar KV, JSON convenience
// helpers, list/set primitives for the queueing and idempotency keys in
// spec.md §3.3, and pub/sub.
type Store interface {
	// Get returns the raw string value for key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// GetJSON unmarshals the value at key into out, returning ok=false if
	// absent.
	GetJSON(ctx context.Context, key string, out any) (ok bool, err error)
	// SetJSON marshals value and stores it under key with the given ttl.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// RPush appends value to the list at key (creating it if absent).
	RPush(ctx context.Context, key, value string) error
	// BLPop pops the first element of the list at key, blocking up to
	// timeout if the list is currently empty. ok=false means timeout
	// elapsed with nothing to pop.
	BLPop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)
	// LTrimToMaxFIFO keeps only the most recent maxLen elements of the list
	// at key, dropping the oldest first (used to bound sync:failed).
	LTrimToMaxFIFO(ctx context.Context, key string, maxLen int) error
	// LLen returns the current length of the list at key.
	LLen(ctx context.Context, key string) (int, error)
	// LRange returns up to limit elements starting at offset (0-indexed,
	// oldest first). limit <= 0 means "no limit".
	LRange(ctx context.Context, key string, offset, limit int) ([]string, error)

	// SAdd adds member to the set at key, applying ttl to the whole set key
	// (used for sync:processed:{date} idempotency windows).
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error
	// SIsMember reports whether member is present in the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// SMembers returns every member currently in the set at key, in no
	// particular order. An absent or expired key returns an empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SRem removes member from the set at key. Removing an absent member
	// is not an error.
	SRem(ctx context.Context, key, member string) error

	// Publish broadcasts payload to channel's current subscribers. Delivery
	// is best-effort: a subscriber that isn't currently receiving misses it
	// (spec.md's bus is in-process pub/sub, not a durable log).
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a Subscription delivering future Publish calls on
	// channel. Callers must Close it when done.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Channel delivers published payloads. Closed when the subscription is
	// closed.
	Channel() <-chan string
	Close() error
}
