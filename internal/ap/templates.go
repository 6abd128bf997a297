package ap

import (
	"github.com/google/uuid"
)

// Activity templates for everything the relay originates. All ids live
// under https://{domain}/activities/ and the actor is always the relay
// actor.

func activityID(domain string) string {
	return "https://" + domain + "/activities/" + uuid.NewString()
}

func actorURL(domain string) string {
	return "https://" + domain + "/actor"
}

// NewActor builds the relay's actor document. description is the
// rendered instance note; pubkeyPEM the current public key.
func NewActor(domain, pubkeyPEM, name, description string) *Actor {
	if name == "" {
		name = "ActivityRelay"
	}
	if description == "" {
		description = "ActivityRelay bot"
	}
	actor := actorURL(domain)
	return &Actor{
		Context:           []any{ActivityStreamsNS, SecurityNS},
		ID:                actor,
		Type:              "Application",
		PreferredUsername: "relay",
		Name:              name,
		Summary:           description,
		Inbox:             "https://" + domain + "/inbox",
		Outbox:            "https://" + domain + "/outbox",
		Followers:         "https://" + domain + "/followers",
		Following:         "https://" + domain + "/following",
		URL:               "https://" + domain + "/",
		Endpoints:         &Endpoints{SharedInbox: "https://" + domain + "/inbox"},
		PublicKey: &PublicKey{
			ID:           actor + "#main-key",
			Owner:        actor,
			PublicKeyPem: pubkeyPEM,
		},
	}
}

// NewAnnounce builds the rebroadcast activity. object is a string id for
// relayed messages or the entire inbound message for forwards.
func NewAnnounce(domain string, object any) *Message {
	return &Message{
		Context: ActivityStreamsNS,
		ID:      activityID(domain),
		Type:    "Announce",
		To:      StringOrArray{"https://" + domain + "/followers"},
		Actor:   actorURL(domain),
		Object:  object,
	}
}

// NewFollow builds a relay-originated follow of a peer actor.
func NewFollow(domain, actor string) *Message {
	return &Message{
		Context: ActivityStreamsNS,
		ID:      activityID(domain),
		Type:    "Follow",
		To:      StringOrArray{actor},
		Actor:   actorURL(domain),
		Object:  actor,
	}
}

// NewUnfollow builds the Undo sent back when a peer unfollows; follow is
// the activity being undone.
func NewUnfollow(domain, actor string, follow any) *Message {
	return &Message{
		Context: ActivityStreamsNS,
		ID:      activityID(domain),
		Type:    "Undo",
		To:      StringOrArray{actor},
		Actor:   actorURL(domain),
		Object:  follow,
	}
}

// NewResponse builds the Accept or Reject answering a peer's follow.
func NewResponse(domain, actor, followid string, accept bool) *Message {
	responseType := "Reject"
	if accept {
		responseType = "Accept"
	}
	return &Message{
		Context: ActivityStreamsNS,
		ID:      activityID(domain),
		Type:    responseType,
		To:      StringOrArray{actor},
		Actor:   actorURL(domain),
		Object: map[string]any{
			"id":     followid,
			"type":   "Follow",
			"object": actorURL(domain),
			"actor":  actor,
		},
	}
}
