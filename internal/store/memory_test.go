package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "v", 20*time.Millisecond))

	v, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	time.Sleep(30 * time.Millisecond)
	_, err = m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := m.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryIncrAndExpire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, m.Expire(ctx, "counter", 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	n, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")
}

func TestMemorySets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SAdd(ctx, "s", "a", "b", "a"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, m.SRem(ctx, "s", "a"))
	members, err = m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryLists(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// LPush prepends, so the last pushed value is index 0.
	require.NoError(t, m.LPush(ctx, "l", "first"))
	require.NoError(t, m.LPush(ctx, "l", "second"))
	require.NoError(t, m.LPush(ctx, "l", "third"))

	items, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, items)

	require.NoError(t, m.LTrim(ctx, "l", 0, 1))
	items, err = m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "second"}, items)

	require.NoError(t, m.LRem(ctx, "l", 0, "third"))
	items, err = m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, items)
}

func TestMemoryKeysPattern(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:a", "1", 0))
	require.NoError(t, m.Set(ctx, "session:b", "1", 0))
	require.NoError(t, m.Set(ctx, "csrf:a", "1", 0))

	keys, err := m.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:a", "session:b"}, keys)
}
