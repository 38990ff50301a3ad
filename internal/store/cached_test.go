package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedLoadsOnMiss(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()
	calls := 0

	loader := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	got, err := Cached(ctx, kv, "k", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, calls)

	// Second read is served from the cache.
	got, err = Cached(ctx, kv, "k", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, calls)
}

func TestCachedLoaderError(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := Cached(ctx, kv, "k", time.Minute, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCachedCorruptEntryReloads(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "{not json", time.Minute))

	got, err := Cached(ctx, kv, "k", time.Minute, func(context.Context) (map[string]int, error) {
		return map[string]int{"x": 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x": 1}, got)
}

func TestInvalidate(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()
	calls := 0

	loader := func(context.Context) (string, error) {
		calls++
		return "value", nil
	}

	_, err := Cached(ctx, kv, "k", time.Minute, loader)
	require.NoError(t, err)

	Invalidate(ctx, kv, "k")

	_, err = Cached(ctx, kv, "k", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
