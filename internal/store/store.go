// Package store defines the coordination-store primitives every component talks through,
// with a Redis adapter for production and an in-memory implementation for tests and dry runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a string key or hash field does not exist.
var ErrNotFound = errors.New("store: not found")

// Entry is one record of an append-only log.
type Entry struct {
	ID     string            `json:"id"`
	Values map[string]string `json:"values"`
}

// StreamBatch groups the entries read from one log.
type StreamBatch struct {
	Stream  string
	Entries []Entry
}

// ReadGroupArgs parameterises a consumer-group read. Block <= 0 means do not block.
// Start "" or ">" reads new entries; any other id re-reads the consumer's own pending
// entries after that id and never blocks.
type ReadGroupArgs struct {
	Group    string
	Consumer string
	Streams  []string
	Count    int64
	Block    time.Duration
	Start    string
}

// Pending reports whether args re-read the consumer's pending entries.
func (a ReadGroupArgs) Pending() bool {
	return a.Start != "" && a.Start != ">"
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the primitive set required from the shared coordination store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Swap atomically replaces key and returns the previous value ("" when absent).
	Swap(ctx context.Context, key, value string, ttl time.Duration) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, values map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// SDrain atomically returns every member of key and deletes it.
	SDrain(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]string) (string, error)
	XGroupCreate(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, args ReadGroupArgs) ([]StreamBatch, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XRange(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
