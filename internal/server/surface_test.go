package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/db"
)

func TestActorDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.PutConfig("name", "Test Relay")
	require.NoError(t, err)
	_, err = env.store.PutConfig("note", "hello **world**")
	require.NoError(t, err)

	w := do(t, env.server, http.MethodGet, "/actor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, activityJSONType, w.Header().Get("Content-Type"))

	var actor ap.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, "https://relay.example/actor", actor.ID)
	assert.Equal(t, "Application", actor.Type)
	assert.Equal(t, "relay", actor.PreferredUsername)
	assert.Equal(t, "Test Relay", actor.Name)
	assert.Contains(t, actor.Summary, "<strong>world</strong>")
	assert.Equal(t, env.signer.PublicPEM(), actor.PublicKey.PublicKeyPem)
	assert.Equal(t, "https://relay.example/inbox", actor.Endpoints.SharedInbox)

	// GET /inbox serves the same document.
	w = do(t, env.server, http.MethodGet, "/inbox", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebfinger(t *testing.T) {
	env := newTestEnv(t)

	w := do(t, env.server, http.MethodGet, "/.well-known/webfinger?resource=acct:relay@relay.example", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var wf ap.Webfinger
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wf))
	assert.Equal(t, "acct:relay@relay.example", wf.Subject)
	require.Len(t, wf.Links, 1)
	assert.Equal(t, "https://relay.example/actor", wf.Links[0].Href)

	w = do(t, env.server, http.MethodGet, "/.well-known/webfinger?resource=acct:other@relay.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, env.server, http.MethodGet, "/.well-known/webfinger", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodeinfo(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.PutInbox("a.example", db.InboxUpdate{Inbox: db.Ptr("https://a.example/inbox")})
	require.NoError(t, err)

	w := do(t, env.server, http.MethodGet, "/.well-known/nodeinfo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wk ap.WellKnownNodeinfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wk))
	assert.NotEmpty(t, wk.URLForSchema(ap.NodeinfoRel20))
	assert.NotEmpty(t, wk.URLForSchema(ap.NodeinfoRel21))

	w = do(t, env.server, http.MethodGet, "/nodeinfo/2.1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info ap.Nodeinfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "activityrelay", info.Software.Name)
	assert.NotEmpty(t, info.Software.Repository)
	assert.Equal(t, []string{"activitypub"}, info.Protocols)
	assert.True(t, info.OpenRegistrations)
	assert.Equal(t, 1, info.Usage.Users.Total)
	assert.Equal(t, []any{"a.example"}, info.Metadata["peers"])

	// 2.0 omits the repository and registrations follow the whitelist flag.
	_, err = env.store.PutConfig("whitelist-enabled", "true")
	require.NoError(t, err)
	w = do(t, env.server, http.MethodGet, "/nodeinfo/2.0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info = ap.Nodeinfo{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Empty(t, info.Software.Repository)
	assert.False(t, info.OpenRegistrations)

	w = do(t, env.server, http.MethodGet, "/nodeinfo/1.0", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFollowCollections(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.PutInbox("a.example", db.InboxUpdate{
		Inbox: db.Ptr("https://a.example/inbox"),
		Actor: db.Ptr("https://a.example/actor"),
	})
	require.NoError(t, err)
	_, err = env.store.PutInbox("pending.example", db.InboxUpdate{
		Inbox:    db.Ptr("https://pending.example/inbox"),
		Actor:    db.Ptr("https://pending.example/actor"),
		Accepted: db.Ptr(false),
	})
	require.NoError(t, err)

	for _, path := range []string{"/followers", "/following"} {
		w := do(t, env.server, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)

		var coll ap.Collection
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
		assert.Equal(t, 1, coll.TotalItems, path)
		assert.Equal(t, []string{"https://a.example/actor"}, coll.Items, path)
	}
}

func TestOutboxIsEmpty(t *testing.T) {
	env := newTestEnv(t)

	w := do(t, env.server, http.MethodGet, "/outbox", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var coll ap.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
	assert.Zero(t, coll.TotalItems)
	assert.Empty(t, coll.OrderedItems)
}

func TestFrontPage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.PutInbox("a.example", db.InboxUpdate{Inbox: db.Ptr("https://a.example/inbox")})
	require.NoError(t, err)

	w := do(t, env.server, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.example")
	assert.Contains(t, w.Body.String(), "1 connected instance")
}
