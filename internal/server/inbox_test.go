package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/db"
)

// signedInbox builds a POST /inbox request signed by the peer's key.
func signedInbox(t *testing.T, signer *ap.Signer, msg *ap.Message) *http.Request {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "https://relay.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, signer.SignPost(req, body, ap.AlgOriginal))
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func followMsg(domain string) *ap.Message {
	return &ap.Message{
		Context: ap.ActivityStreamsNS,
		ID:      "https://" + domain + "/activities/f1",
		Type:    "Follow",
		Actor:   "https://" + domain + "/actor",
		Object:  "https://relay.example/actor",
	}
}

func announceMsg(domain string) *ap.Message {
	return &ap.Message{
		Context: ap.ActivityStreamsNS,
		ID:      "https://" + domain + "/activities/a1",
		Type:    "Announce",
		Actor:   "https://" + domain + "/actor",
		Object:  "https://" + domain + "/obj/1",
	}
}

func TestInboxMissingSignature(t *testing.T) {
	env := newTestEnv(t)
	w := do(t, env.server, http.MethodPost, "/inbox", []byte(`{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"missing signature header"}`, w.Body.String())
}

func TestInboxUnparseableBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("Signature", `keyId="https://a.example/actor#main-key",signature="c2ln"`)

	w := serve(env.server, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"failed to parse message"}`, w.Body.String())
}

func TestInboxMissingActorField(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/inbox",
		bytes.NewReader([]byte(`{"id":"x","type":"Announce"}`)))
	req.Header.Set("Signature", `keyId="https://a.example/actor#main-key",signature="c2ln"`)

	w := serve(env.server, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"no actor in message"}`, w.Body.String())
}

func TestInboxActorFetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.actorErr = errors.New("HTTP 404")

	req := httptest.NewRequest(http.MethodPost, "/inbox",
		bytes.NewReader([]byte(`{"id":"x","type":"Announce","actor":"https://a.example/actor"}`)))
	req.Header.Set("Signature", `keyId="https://a.example/actor#main-key",signature="c2ln"`)

	w := serve(env.server, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"failed to fetch actor"}`, w.Body.String())
}

func TestInboxDeleteFromUnknownActorIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.actorErr = errors.New("HTTP 404")

	req := httptest.NewRequest(http.MethodPost, "/inbox",
		bytes.NewReader([]byte(`{"id":"x","type":"Delete","actor":"https://a.example/actor"}`)))
	req.Header.Set("Signature", `keyId="https://a.example/actor#main-key",signature="c2ln"`)

	w := serve(env.server, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, env.processor.count())
}

func TestInboxBadSignature(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")

	req := signedInbox(t, signer, followMsg("a.example"))
	req.Header.Set("Date", "Mon, 01 Jan 2024 00:00:00 GMT")

	w := serve(env.server, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, env.processor.count())
}

func TestInboxBannedDomain(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "b.example")
	_, err := env.store.PutDomainBan("b.example", "spam", "")
	require.NoError(t, err)

	w := serve(env.server, signedInbox(t, signer, followMsg("b.example")))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"access denied"}`, w.Body.String())
	assert.Zero(t, env.processor.count())
}

func TestInboxNonFollowerPost(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")

	w := serve(env.server, signedInbox(t, signer, announceMsg("a.example")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"access denied"}`, w.Body.String())
}

func TestInboxAdmitsFollow(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")

	w := serve(env.server, signedInbox(t, signer, followMsg("a.example")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	msgs := env.processor.wait(t, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Follow", msgs[0].Type)
}

func TestInboxAdmitsAnnounceFromFollower(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")
	_, err := env.store.PutInbox("a.example", db.InboxUpdate{
		Inbox: db.Ptr("https://a.example/inbox"),
		Actor: db.Ptr("https://a.example/actor"),
	})
	require.NoError(t, err)

	w := serve(env.server, signedInbox(t, signer, announceMsg("a.example")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	msgs := env.processor.wait(t, 1)
	assert.Equal(t, "Announce", msgs[0].Type)
}

func TestInboxWaitsForProcessingSlot(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")

	// Occupy every processing slot, then free one while the request is
	// waiting for admission.
	for i := 0; i < cap(env.server.inboxSem); i++ {
		env.server.inboxSem <- struct{}{}
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		<-env.server.inboxSem
	}()

	w := serve(env.server, signedInbox(t, signer, followMsg("a.example")))
	assert.Equal(t, http.StatusAccepted, w.Code)
	env.processor.wait(t, 1)
}

func TestInboxHS2019Signature(t *testing.T) {
	env := newTestEnv(t)
	signer := env.peerSigner(t, "a.example")

	msg := followMsg("a.example")
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "https://relay.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, signer.SignPost(req, body, ap.AlgHS2019))

	w := serve(env.server, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	env.processor.wait(t, 1)
}
