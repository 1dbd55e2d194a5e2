package querycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, capacity int) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, ttl, capacity, nil), mr
}

func TestKeyIsStableRegardlessOfParamOrder(t *testing.T) {
	a := Key("select * from messages", map[string]interface{}{"authorId": "x", "limit": 10})
	b := Key("select * from messages", map[string]interface{}{"limit": 10, "authorId": "x"})
	assert.Equal(t, a, b)
}

func TestKeyDiffersByQueryText(t *testing.T) {
	a := Key("query-one", nil)
	b := Key("query-two", nil)
	assert.NotEqual(t, a, b)
}

func TestSetThenGetHit(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)
	ctx := context.Background()

	payload := json.RawMessage(`[{"text":"ahoy"}]`)
	require.NoError(t, c.Set(ctx, "key1", "v1", payload))

	got, hit, err := c.Get(ctx, "key1", "v1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.JSONEq(t, string(payload), string(got))
}

func TestGetMissWhenNeverSet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)
	_, hit, err := c.Get(context.Background(), "nope", "v1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestGetMissOnVersionMismatch(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key1", "v1", json.RawMessage(`[]`)))

	_, hit, err := c.Get(ctx, "key1", "v2")
	require.NoError(t, err)
	assert.False(t, hit)

	// A version mismatch also removes the stale entry.
	_, hitAgain, err := c.Get(ctx, "key1", "v1")
	require.NoError(t, err)
	assert.False(t, hitAgain)
}

func TestGetMissAfterTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t, time.Second, 100)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key1", "v1", json.RawMessage(`[]`)))

	mr.FastForward(2 * time.Second)

	_, hit, err := c.Get(ctx, "key1", "v1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCapacityEvictsOldestTenPercentWhenOverCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	ctx := context.Background()

	// Capacity enforcement runs before each insert, so the 11th Set is the
	// first one to observe the index at its 10-entry capacity and evict.
	for i := 0; i < 11; i++ {
		key := Key("q", map[string]interface{}{"i": i})
		require.NoError(t, c.Set(ctx, key, "v1", json.RawMessage(`[]`)))
	}

	firstKey := Key("q", map[string]interface{}{"i": 0})
	_, hit, err := c.Get(ctx, firstKey, "v1")
	require.NoError(t, err)
	assert.False(t, hit, "oldest entry should have been evicted once capacity was reached")

	lastKey := Key("q", map[string]interface{}{"i": 10})
	_, hit, err = c.Get(ctx, lastKey, "v1")
	require.NoError(t, err)
	assert.True(t, hit, "newest entry should survive capacity eviction")
}

func TestCapacityEvictionIgnoresAlreadyExpiredEntries(t *testing.T) {
	c, mr := newTestCache(t, 500*time.Millisecond, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := Key("q", map[string]interface{}{"i": i})
		require.NoError(t, c.Set(ctx, key, "v1", json.RawMessage(`[]`)))
	}
	mr.FastForward(time.Second)

	// This Set should evict the now-expired index entries rather than the
	// still-fresh entry it is about to insert.
	freshKey := Key("q", map[string]interface{}{"i": 100})
	require.NoError(t, c.Set(ctx, freshKey, "v1", json.RawMessage(`[]`)))

	_, hit, err := c.Get(ctx, freshKey, "v1")
	require.NoError(t, err)
	assert.True(t, hit)
}
