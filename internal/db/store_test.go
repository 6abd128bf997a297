package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Migrate())

	version, err := store.GetConfigInt("schema-version")
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestDetectDriver(t *testing.T) {
	cases := []struct {
		in, driver, dsn string
	}{
		{"relay.sqlite3", "sqlite", "relay.sqlite3"},
		{"sqlite:///data/relay.sqlite3", "sqlite", "/data/relay.sqlite3"},
		{"postgres://relay@db/relaydb", "postgres", "postgres://relay@db/relaydb"},
		{"postgresql://relay@db/relaydb", "postgres", "postgresql://relay@db/relaydb"},
	}
	for _, tc := range cases {
		driver, dsn := detectDriver(tc.in)
		assert.Equal(t, tc.driver, driver, tc.in)
		assert.Equal(t, tc.dsn, dsn, tc.in)
	}
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "a.example", NormalizeDomain(" A.Example. "))
	assert.Equal(t, "xn--caf-dma.example", NormalizeDomain("Café.example"))
}

func TestPutInboxInsertRequiresInbox(t *testing.T) {
	store := testStore(t)

	_, err := store.PutInbox("a.example", InboxUpdate{Software: Ptr("mastodon")})
	assert.Error(t, err)
}

func TestPutInboxPartialUpdate(t *testing.T) {
	store := testStore(t)

	inst, err := store.PutInbox("A.Example", InboxUpdate{
		Inbox:    Ptr("https://a.example/inbox"),
		Actor:    Ptr("https://a.example/actor"),
		FollowID: Ptr("https://a.example/activities/1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a.example", inst.Domain)
	assert.True(t, inst.Accepted)
	assert.Empty(t, inst.Software)
	assert.NotEmpty(t, inst.Created)

	// Backfilling software must not clobber the other columns.
	inst, err = store.PutInbox("a.example", InboxUpdate{Software: Ptr("mastodon")})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/actor", inst.Actor)
	assert.Equal(t, "https://a.example/inbox", inst.Inbox)
	assert.Equal(t, "https://a.example/activities/1", inst.FollowID)
	assert.Equal(t, "mastodon", inst.Software)

	stored, err := store.GetInbox("a.example")
	require.NoError(t, err)
	assert.Equal(t, inst, stored)
}

func TestGetInboxByEveryKey(t *testing.T) {
	store := testStore(t)

	_, err := store.PutInbox("a.example", InboxUpdate{
		Inbox: Ptr("https://a.example/inbox"),
		Actor: Ptr("https://a.example/actor"),
	})
	require.NoError(t, err)

	for _, key := range []string{"a.example", "https://a.example/actor", "https://a.example/inbox"} {
		inst, err := store.GetInbox(key)
		require.NoError(t, err, key)
		assert.Equal(t, "a.example", inst.Domain, key)
	}

	_, err = store.GetInbox("unknown.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelInbox(t *testing.T) {
	store := testStore(t)

	_, err := store.PutInbox("a.example", InboxUpdate{Inbox: Ptr("https://a.example/inbox")})
	require.NoError(t, err)

	require.NoError(t, store.DelInbox("https://a.example/inbox"))
	_, err = store.GetInbox("a.example")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DelInbox("a.example"), ErrNotFound)
}

func TestRequestLifecycle(t *testing.T) {
	store := testStore(t)

	_, err := store.PutInbox("a.example", InboxUpdate{
		Inbox:    Ptr("https://a.example/inbox"),
		Accepted: Ptr(false),
	})
	require.NoError(t, err)

	requests, err := store.GetRequests()
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.False(t, requests[0].Accepted)

	// Pending rows are not part of the accepted set.
	accepted, err := store.GetInboxes()
	require.NoError(t, err)
	assert.Empty(t, accepted)

	inst, err := store.PutRequestResponse("a.example", true)
	require.NoError(t, err)
	assert.True(t, inst.Accepted)

	accepted, err = store.GetInboxes()
	require.NoError(t, err)
	assert.Len(t, accepted, 1)

	// No pending request remains to respond to.
	_, err = store.PutRequestResponse("a.example", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestDenyDeletesRow(t *testing.T) {
	store := testStore(t)

	_, err := store.PutInbox("a.example", InboxUpdate{
		Inbox:    Ptr("https://a.example/inbox"),
		Accepted: Ptr(false),
	})
	require.NoError(t, err)

	_, err = store.PutRequestResponse("a.example", false)
	require.NoError(t, err)

	_, err = store.GetInbox("a.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDistillInboxesExcludesOriginAndObject(t *testing.T) {
	store := testStore(t)

	for _, domain := range []string{"x.example", "y.example", "z.example"} {
		_, err := store.PutInbox(domain, InboxUpdate{Inbox: Ptr("https://" + domain + "/inbox")})
		require.NoError(t, err)
	}
	_, err := store.PutInbox("pending.example", InboxUpdate{
		Inbox:    Ptr("https://pending.example/inbox"),
		Accepted: Ptr(false),
	})
	require.NoError(t, err)

	targets, err := store.DistillInboxes("y.example", "y.example")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "x.example", targets[0].Domain)
	assert.Equal(t, "z.example", targets[1].Domain)
}
