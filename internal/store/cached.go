package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Cached is the single cache-aside helper used across the security services:
// consult the cache, fall back to the loader on miss, repopulate the cache on
// a successful load. Cache read and write failures degrade to the loader and
// are never surfaced — the durable store stays the source of truth.
func Cached[T any](ctx context.Context, kv KeyValue, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var zero T

	if raw, err := kv.Get(ctx, key); err == nil {
		var cached T
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		// Corrupt entry: drop it and reload.
		_ = kv.Del(ctx, key)
	} else if !errors.Is(err, ErrNotFound) {
		// Cache unavailable; fall through to the loader.
		_ = err
	}

	value, err := loader(ctx)
	if err != nil {
		return zero, err
	}

	if data, err := json.Marshal(value); err == nil {
		_ = kv.Set(ctx, key, string(data), ttl)
	}
	return value, nil
}

// Invalidate drops cached entries; failures are ignored for the same reason
// as in Cached.
func Invalidate(ctx context.Context, kv KeyValue, keys ...string) {
	_ = kv.Del(ctx, keys...)
}
