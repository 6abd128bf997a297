package ap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mastodon-ml/relay/internal/cache"
)

// ErrGone is returned when a remote resource responds with HTTP 410,
// which usually means the actor has been deleted.
var ErrGone = errors.New("resource gone (410)")

// ErrNoContent is returned when a GET receives a 202; the remote accepted
// the request but has nothing to say.
var ErrNoContent = errors.New("no content (202)")

const (
	userAgent = "ActivityRelay/0.3.0 (+https://git.pleroma.social/pleroma/relay)"

	// requestTimeout bounds each outbound request end to end.
	requestTimeout = 10 * time.Second

	// maxInflight caps concurrent outbound requests across the client.
	maxInflight = 100

	// responseCacheHours is the maximum age of a cached GET response
	// that may be served instead of refetching.
	responseCacheHours = 48

	// requestNamespace is the cache namespace for GET response bodies.
	requestNamespace = "request"

	maxResponseBytes = 4 << 20
)

// ResponseCache is the slice of the cache the client uses for GET
// responses. Nil disables caching.
type ResponseCache interface {
	Get(ctx context.Context, namespace, key string) (cache.Item, error)
	Set(ctx context.Context, namespace, key string, value any, valueType string) (cache.Item, error)
}

// Client performs the relay's outbound HTTP: signed actor fetches,
// nodeinfo discovery, and activity delivery. Each push worker owns its
// own Client.
type Client struct {
	http     *http.Client
	signer   *Signer
	cache    ResponseCache
	inflight chan struct{}
}

// NewClient builds a client around the relay signer and the shared
// response cache (which may be nil).
func NewClient(signer *Signer, responseCache ResponseCache) *Client {
	return &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxInflight,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer:   signer,
		cache:    responseCache,
		inflight: make(chan struct{}, maxInflight),
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Get fetches a URL, optionally signing the request with the relay key.
// Responses younger than 48 hours are served from the request cache
// unless force is set. A 202 maps to ErrNoContent; every other non-200
// outcome is an error the caller treats as absence.
func (c *Client) Get(ctx context.Context, rawURL string, sign, force bool) ([]byte, error) {
	rawURL, _, _ = strings.Cut(rawURL, "#")

	if !force && c.cache != nil {
		item, err := c.cache.Get(ctx, requestNamespace, rawURL)
		if err == nil && !item.OlderThan(responseCacheHours) {
			return []byte(item.Value), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", AcceptValue)
	req.Header.Set("User-Agent", userAgent)

	if sign {
		if err := c.signer.SignGet(req); err != nil {
			return nil, fmt.Errorf("sign %s: %w", rawURL, err)
		}
		req.Host = req.Header.Get("Host")
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, ErrNoContent
	case http.StatusGone:
		return nil, ErrGone
	default:
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	if c.cache != nil {
		if _, err := c.cache.Set(ctx, requestNamespace, rawURL, string(body), cache.TypeStr); err != nil {
			slog.Warn("failed to cache response", "url", rawURL, "error", err)
		}
	}
	return body, nil
}

// GetJSON fetches and decodes a JSON resource.
func (c *Client) GetJSON(ctx context.Context, rawURL string, sign bool, dest any) error {
	body, err := c.Get(ctx, rawURL, sign, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// FetchActor fetches and parses an actor document. keyID fragments are
// stripped, so a signature keyId can be passed directly.
func (c *Client) FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	var actor Actor
	if err := c.GetJSON(ctx, actorURL, true, &actor); err != nil {
		return nil, err
	}
	if actor.ID == "" {
		return nil, fmt.Errorf("document at %s is not an actor", actorURL)
	}
	return &actor, nil
}

// Post signs and delivers an activity to a peer inbox. The signature
// algorithm is chosen from the peer's software name. A 200 or 202 is
// success; everything else is an error the push worker logs.
func (c *Client) Post(ctx context.Context, inbox string, msg *Message, software string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", userAgent)

	if err := c.signer.SignPost(req, body, AlgorithmFor(software)); err != nil {
		return fmt.Errorf("sign post to %s: %w", inbox, err)
	}
	req.Host = req.Header.Get("Host")

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	slog.Debug("delivered activity", "type", msg.Type, "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// FetchNodeinfo discovers a peer's nodeinfo document: the well-known
// index first, then the schema 2.1 (preferred) or 2.0 document it names.
func (c *Client) FetchNodeinfo(ctx context.Context, domain string) (*Nodeinfo, error) {
	var wellKnown WellKnownNodeinfo
	wkURL := "https://" + domain + "/.well-known/nodeinfo"
	if err := c.GetJSON(ctx, wkURL, false, &wellKnown); err != nil {
		return nil, fmt.Errorf("nodeinfo discovery for %s: %w", domain, err)
	}

	docURL := wellKnown.URLForSchema(NodeinfoRel21)
	if docURL == "" {
		docURL = wellKnown.URLForSchema(NodeinfoRel20)
	}
	if docURL == "" {
		return nil, fmt.Errorf("no nodeinfo document listed for %s", domain)
	}

	var info Nodeinfo
	if err := c.GetJSON(ctx, docURL, false, &info); err != nil {
		return nil, fmt.Errorf("nodeinfo for %s: %w", domain, err)
	}
	return &info, nil
}

// do runs a request under the global in-flight limit.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.inflight <- struct{}{}:
		defer func() { <-c.inflight }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.http.Do(req)
}
