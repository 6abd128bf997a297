package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastodon-ml/relay/internal/db"
)

func testCache(t *testing.T) *SQLCache {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	return NewSQL(store)
}

func TestSQLCacheRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "request", "https://a.example/actor")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Set(ctx, "request", "https://a.example/actor", `{"id":"x"}`, TypeStr)
	require.NoError(t, err)

	item, err := c.Get(ctx, "request", "https://a.example/actor")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x"}`, item.Str())
	assert.Equal(t, TypeStr, item.Type)
	assert.False(t, item.OlderThan(1))

	// Overwriting replaces value and timestamp instead of conflicting.
	_, err = c.Set(ctx, "request", "https://a.example/actor", "updated", TypeStr)
	require.NoError(t, err)
	item, err = c.Get(ctx, "request", "https://a.example/actor")
	require.NoError(t, err)
	assert.Equal(t, "updated", item.Str())

	require.NoError(t, c.Delete(ctx, "request", "https://a.example/actor"))
	_, err = c.Get(ctx, "request", "https://a.example/actor")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLCacheTypedValues(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "test", "int", 42, TypeInt)
	require.NoError(t, err)
	item, err := c.Get(ctx, "test", "int")
	require.NoError(t, err)
	n, err := item.Int()
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = c.Set(ctx, "test", "bool", true, TypeBool)
	require.NoError(t, err)
	item, err = c.Get(ctx, "test", "bool")
	require.NoError(t, err)
	b, err := item.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	_, err = c.Set(ctx, "test", "json", map[string]string{"type": "Follow"}, TypeJSON)
	require.NoError(t, err)
	item, err = c.Get(ctx, "test", "json")
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, item.JSON(&decoded))
	assert.Equal(t, "Follow", decoded["type"])

	// Type mismatches fail at write time.
	_, err = c.Set(ctx, "test", "bad", "nope", TypeInt)
	assert.Error(t, err)
}

func TestSQLCacheNamespacesAndKeys(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	for _, pair := range [][2]string{
		{"handle-relay", "https://a.example/obj/1"},
		{"handle-relay", "https://a.example/obj/2"},
		{"request", "https://b.example/actor"},
	} {
		_, err := c.Set(ctx, pair[0], pair[1], "x", TypeStr)
		require.NoError(t, err)
	}

	namespaces, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"handle-relay", "request"}, namespaces)

	keys, err := c.Keys(ctx, "handle-relay")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/obj/1", "https://a.example/obj/2"}, keys)
}

func TestSQLCacheDeleteOld(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	_, err := c.Set(ctx, "request", "fresh", "x", TypeStr)
	require.NoError(t, err)

	// Plant an entry dated 15 days back, past the 14 day janitor cutoff.
	stale := time.Now().UTC().Add(-15 * 24 * time.Hour).Format(time.RFC3339)
	_, err = c.db.Exec(
		`INSERT INTO cache (namespace, key, value, type, updated) VALUES (?, ?, ?, ?, ?)`,
		"request", "stale", "x", TypeStr, stale)
	require.NoError(t, err)

	require.NoError(t, c.DeleteOld(ctx, 14*24))

	_, err = c.Get(ctx, "request", "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "request", "fresh")
	require.NoError(t, err)
}

func TestItemOlderThan(t *testing.T) {
	item := Item{Updated: time.Now().UTC().Add(-49 * time.Hour)}
	assert.True(t, item.OlderThan(48))
	assert.False(t, item.OlderThan(72))

	// Exactly at the boundary is not older.
	item = Item{Updated: time.Now().UTC().Add(-1 * time.Hour).Add(2 * time.Second)}
	assert.False(t, item.OlderThan(1))
}

func TestRedisValueEncoding(t *testing.T) {
	item := Item{
		Type:    TypeStr,
		Updated: time.Unix(1700000000, 0).UTC(),
		Value:   "https://a.example/obj?x=1:2",
	}

	decoded, err := decodeValue(encodeValue(item))
	require.NoError(t, err)
	assert.Equal(t, item.Type, decoded.Type)
	assert.Equal(t, item.Updated, decoded.Updated)
	assert.Equal(t, item.Value, decoded.Value)

	_, err = decodeValue("nonsense")
	assert.Error(t, err)
	_, err = decodeValue("str:notanumber:payload")
	assert.Error(t, err)
}
