// Package ap implements the ActivityPub surface of the relay: the small
// activity vocabulary the relay speaks, HTTP signature production and
// verification, and the signed HTTP client used for actor and nodeinfo
// fetches and inbox deliveries.
package ap

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	// ActivityStreamsNS is the JSON-LD context carried by every outbound
	// activity.
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"

	ContentType = "application/activity+json"
	AcceptValue = "application/activity+json, application/json;q=0.9"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Message is an activity as the relay sees it. Object is either a string
// id or a nested object; the accessors below cover both shapes.
type Message struct {
	Context   any           `json:"@context,omitempty"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor,omitempty"`
	Object    any           `json:"object,omitempty"`
	To        StringOrArray `json:"to,omitempty"`
	CC        StringOrArray `json:"cc,omitempty"`
	Published string        `json:"published,omitempty"`
}

// ParseMessage decodes an inbound activity body.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("activity has no type")
	}
	return &msg, nil
}

// ObjectID returns the id of the activity's object, whether the object is
// a bare string or a nested document.
func (m *Message) ObjectID() string {
	switch obj := m.Object.(type) {
	case string:
		return obj
	case map[string]any:
		id, _ := obj["id"].(string)
		return id
	}
	return ""
}

// ObjectType returns the type of a nested object, or "" for string objects.
func (m *Message) ObjectType() string {
	if obj, ok := m.Object.(map[string]any); ok {
		t, _ := obj["type"].(string)
		return t
	}
	return ""
}

// ActorDomain returns the hostname of the sending actor's id.
func (m *Message) ActorDomain() string {
	return Hostname(m.Actor)
}

// ObjectDomain returns the hostname of the object id.
func (m *Message) ObjectDomain() string {
	return Hostname(m.ObjectID())
}

// Hostname extracts the lowercased host of a URL, or "" when the value is
// not a URL.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Actor is the subset of an actor document the relay needs: identity,
// delivery endpoints, and the signing key.
type Actor struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	Name              string     `json:"name,omitempty"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	URL               string     `json:"url,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
}

// PublicKey is an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints holds the shared inbox and other endpoint URLs.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// SharedInbox returns the actor's shared inbox when published, otherwise
// the personal inbox.
func (a *Actor) SharedInbox() string {
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

// Domain returns the hostname of the actor's id.
func (a *Actor) Domain() string {
	return Hostname(a.ID)
}

// Collection is an unordered AP collection (followers/following).
type Collection struct {
	Context    any      `json:"@context"`
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	TotalItems int      `json:"totalItems"`
	Items      []string `json:"items"`
}

// OrderedCollection is an ordered AP collection (the outbox).
type OrderedCollection struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
}

// Webfinger response structures.
type Webfinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WellKnownNodeinfo is the discovery document at /.well-known/nodeinfo.
type WellKnownNodeinfo struct {
	Links []NodeinfoLink `json:"links"`
}

type NodeinfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

const (
	NodeinfoRel20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"
	NodeinfoRel21 = "http://nodeinfo.diaspora.software/ns/schema/2.1"
)

// URLForSchema returns the document URL for a schema rel, or "".
func (w *WellKnownNodeinfo) URLForSchema(rel string) string {
	for _, link := range w.Links {
		if link.Rel == rel {
			return link.Href
		}
	}
	return ""
}

// Nodeinfo is the subset of a nodeinfo document the relay consumes plus
// the fields it serves for its own /nodeinfo endpoints.
type Nodeinfo struct {
	Version           string           `json:"version"`
	Software          NodeinfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeinfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeinfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

type NodeinfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
}

type NodeinfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeinfoUsage struct {
	Users NodeinfoUsers `json:"users"`
}

type NodeinfoUsers struct {
	Total int `json:"total"`
}

// SoftwareName returns the lowercased software name, or "".
func (n *Nodeinfo) SoftwareName() string {
	return strings.ToLower(strings.TrimSpace(n.Software.Name))
}
