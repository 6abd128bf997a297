package server

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/config"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/relay"
)

// stubFetcher serves a canned actor and nodeinfo instead of the network.
type stubFetcher struct {
	actor    *ap.Actor
	actorErr error
	nodeinfo *ap.Nodeinfo
	infoErr  error
}

func (f *stubFetcher) FetchActor(context.Context, string) (*ap.Actor, error) {
	if f.actorErr != nil {
		return nil, f.actorErr
	}
	return f.actor, nil
}

func (f *stubFetcher) FetchNodeinfo(context.Context, string) (*ap.Nodeinfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return f.nodeinfo, nil
}

// recordingProcessor captures admitted activities and signals each arrival.
type recordingProcessor struct {
	mu    sync.Mutex
	msgs  []*ap.Message
	ready chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{ready: make(chan struct{}, 16)}
}

func (p *recordingProcessor) Process(_ context.Context, msg *ap.Message, _ *ap.Actor) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	p.ready <- struct{}{}
}

// wait blocks until n activities were processed or the deadline passes.
func (p *recordingProcessor) wait(t *testing.T, n int) []*ap.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-p.ready:
		case <-deadline:
			t.Fatalf("timed out waiting for %d processed activities", n)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ap.Message(nil), p.msgs...)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// recordingPusher collects queued deliveries.
type recordingPusher struct {
	mu    sync.Mutex
	items []relay.PostItem
}

func (p *recordingPusher) Push(_ context.Context, item relay.PostItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return true
}

func (p *recordingPusher) all() []relay.PostItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.PostItem(nil), p.items...)
}

type testEnv struct {
	server    *Server
	store     *db.Store
	fetcher   *stubFetcher
	processor *recordingProcessor
	pusher    *recordingPusher
	signer    *ap.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())

	cfg := config.Default()
	cfg.Domain = "relay.example"

	key, err := ap.GeneratePrivateKey()
	require.NoError(t, err)
	signer := ap.NewSigner(cfg.KeyID())
	require.NoError(t, signer.SetKey(ap.EncodePrivateKey(key)))

	fetcher := &stubFetcher{}
	processor := newRecordingProcessor()
	pusher := &recordingPusher{}

	return &testEnv{
		server:    New(cfg, store, signer, fetcher, processor, pusher),
		store:     store,
		fetcher:   fetcher,
		processor: processor,
		pusher:    pusher,
		signer:    signer,
	}
}

// peerSigner builds a remote actor with its own keypair, wired into the
// fetcher so inbound signature checks resolve against it.
func (e *testEnv) peerSigner(t *testing.T, domain string) *ap.Signer {
	t.Helper()
	key, err := ap.GeneratePrivateKey()
	require.NoError(t, err)

	actorURL := "https://" + domain + "/actor"
	signer := ap.NewSigner(actorURL + "#main-key")
	require.NoError(t, signer.SetKey(ap.EncodePrivateKey(key)))

	e.fetcher.actor = &ap.Actor{
		ID:    actorURL,
		Type:  "Application",
		Inbox: "https://" + domain + "/inbox",
		PublicKey: &ap.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: signer.PublicPEM(),
		},
	}
	return signer
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytesReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}
