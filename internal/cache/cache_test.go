// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivenmedia/riven/internal/clock"
)

func TestMemorySetGet(t *testing.T) {
	c := NewMemory(nil, 0)
	defer c.Close()

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestMemoryTTLExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	c := NewMemory(fake, 0)

	c.Set("k", []byte("v"), time.Minute)
	_, ok := c.Get("k")
	require.True(t, ok)

	fake.Advance(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expired")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryEvictsClosestToExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	c := NewMemory(fake, 2)

	c.Set("short", []byte("a"), time.Minute)
	c.Set("long", []byte("b"), time.Hour)
	c.Set("new", []byte("c"), time.Hour)

	_, ok := c.Get("short")
	assert.False(t, ok, "soonest-expiring entry evicted")
	_, ok = c.Get("long")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestMemoryDeleteAndClear(t *testing.T) {
	c := NewMemory(nil, 0)
	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Stats().CurrentSize)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := newRedisWithClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisSetGet(t *testing.T) {
	_, c := newTestRedis(t)

	c.Set("k", []byte("v"), 5*time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestRedisTTL(t *testing.T) {
	mr, c := newTestRedis(t)

	c.Set("k", []byte("v"), 100*time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expired")
}

func TestRedisDeleteAndClear(t *testing.T) {
	_, c := newTestRedis(t)

	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Stats().CurrentSize)
}
