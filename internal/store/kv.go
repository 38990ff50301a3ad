// Package store provides the two shared collaborators of the security core:
// a TTL-capable key-value store for counters, buffers and hot caches, and a
// durable record store for sessions, security events, alerts and firewall
// rules. Both have a production implementation (Redis, SQL) and an in-memory
// implementation with identical semantics used by tests and single-node
// deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired
var ErrNotFound = errors.New("store: key not found")

// KeyValue is the cache collaborator interface. TTL semantics follow Redis:
// Set with a positive ttl bounds the key's lifetime atomically; Expire applied
// after the fact sets or extends the TTL on an existing key; a zero ttl means
// no expiry.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) error

	Keys(ctx context.Context, pattern string) ([]string, error)
}
