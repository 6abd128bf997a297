package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/cache"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/metrics"
)

// dedupNamespace is the cache namespace holding already-relayed object ids.
// Entries are evicted by the janitor; there is no separate TTL.
const dedupNamespace = "handle-relay"

// NodeinfoFetcher is the slice of the HTTP client the processor uses to
// learn a peer's software name.
type NodeinfoFetcher interface {
	FetchNodeinfo(ctx context.Context, domain string) (*ap.Nodeinfo, error)
}

// Processor maps admitted activities to relay behaviour: rebroadcasts,
// forwards, follow handling, and registry maintenance.
type Processor struct {
	domain string
	store  *db.Store
	cache  cache.Cache
	client NodeinfoFetcher
	queue  *Queue
}

// NewProcessor wires the processor to its collaborators. domain is the
// relay's own hostname.
func NewProcessor(domain string, store *db.Store, c cache.Cache, client NodeinfoFetcher, queue *Queue) *Processor {
	return &Processor{domain: domain, store: store, cache: c, client: client, queue: queue}
}

// Process dispatches one admitted activity. The actor document has already
// been fetched and the signature verified by the inbox endpoint. Errors are
// logged here; nothing propagates to the caller, which has already sent 202.
func (p *Processor) Process(ctx context.Context, msg *ap.Message, actor *ap.Actor) {
	p.backfillInstance(ctx, msg, actor)

	switch msg.Type {
	case "Announce", "Create":
		p.handleRelay(ctx, msg)
	case "Delete", "Update":
		p.handleForward(ctx, msg)
	case "Follow":
		p.handleFollow(ctx, msg, actor)
	case "Undo":
		p.handleUndo(ctx, msg, actor)
	default:
		metrics.ActivitiesDropped.WithLabelValues("unsupported").Inc()
		slog.Debug("ignoring unsupported activity", "type", msg.Type, "actor", msg.Actor)
		return
	}
	metrics.ActivitiesProcessed.Inc()
}

// backfillInstance fills in software and actor on the sender's registry row
// when earlier follows stored them as null.
func (p *Processor) backfillInstance(ctx context.Context, msg *ap.Message, actor *ap.Actor) {
	instance, err := p.store.GetInbox(msg.ActorDomain())
	if err != nil {
		return
	}

	if instance.Software == "" {
		if info, err := p.client.FetchNodeinfo(ctx, instance.Domain); err == nil {
			name := info.SoftwareName()
			if _, err := p.store.PutInbox(instance.Domain, db.InboxUpdate{Software: &name}); err != nil {
				slog.Warn("failed to backfill software", "domain", instance.Domain, "error", err)
			}
		}
	}

	if instance.Actor == "" && actor != nil {
		if _, err := p.store.PutInbox(instance.Domain, db.InboxUpdate{Actor: &actor.ID}); err != nil {
			slog.Warn("failed to backfill actor", "domain", instance.Domain, "error", err)
		}
	}
}

// handleRelay rebroadcasts an Announce or Create: a fresh Announce of the
// object id, deduplicated on that id, fanned out to every accepted instance
// except the sender and the object's origin.
func (p *Processor) handleRelay(ctx context.Context, msg *ap.Message) {
	objectID := msg.ObjectID()
	if objectID == "" {
		metrics.ActivitiesDropped.WithLabelValues("error").Inc()
		slog.Warn("relay activity without object id", "id", msg.ID, "actor", msg.Actor)
		return
	}

	if _, err := p.cache.Get(ctx, dedupNamespace, objectID); err == nil {
		metrics.ActivitiesDropped.WithLabelValues("duplicate").Inc()
		slog.Debug("already relayed", "object", objectID)
		return
	}

	announce := ap.NewAnnounce(p.domain, objectID)
	if _, err := p.cache.Set(ctx, dedupNamespace, objectID, objectID, cache.TypeStr); err != nil {
		slog.Warn("failed to record dedup entry", "object", objectID, "error", err)
	}

	p.fanOut(ctx, msg, announce)
}

// handleForward rebroadcasts a Delete or Update by wrapping the entire
// inbound message in a new Announce, deduplicated on the activity id.
func (p *Processor) handleForward(ctx context.Context, msg *ap.Message) {
	if _, err := p.cache.Get(ctx, dedupNamespace, msg.ID); err == nil {
		metrics.ActivitiesDropped.WithLabelValues("duplicate").Inc()
		slog.Debug("already forwarded", "id", msg.ID)
		return
	}

	announce := ap.NewAnnounce(p.domain, msg)
	if _, err := p.cache.Set(ctx, dedupNamespace, msg.ID, msg.ID, cache.TypeStr); err != nil {
		slog.Warn("failed to record dedup entry", "id", msg.ID, "error", err)
	}

	p.fanOut(ctx, msg, announce)
}

// fanOut queues one delivery per distilled instance.
func (p *Processor) fanOut(ctx context.Context, inbound, announce *ap.Message) {
	instances, err := p.store.DistillInboxes(inbound.ActorDomain(), inbound.ObjectDomain())
	if err != nil {
		metrics.ActivitiesDropped.WithLabelValues("error").Inc()
		slog.Error("failed to distill inboxes", "error", err)
		return
	}

	for _, inst := range instances {
		if !p.queue.Push(ctx, PostItem{Inbox: inst.Inbox, Message: announce, Instance: inst}) {
			return
		}
	}
	slog.Info("relayed activity", "type", inbound.Type, "from", inbound.ActorDomain(), "inboxes", len(instances))
}

// handleFollow runs the acceptance decision tree for a peer's Follow and
// answers with Accept, Reject, or a stored pending request.
func (p *Processor) handleFollow(ctx context.Context, msg *ap.Message, actor *ap.Actor) {
	domain := actor.Domain()

	var software string
	if info, err := p.client.FetchNodeinfo(ctx, domain); err == nil {
		software = info.SoftwareName()
	}

	if _, err := p.store.GetSoftwareBan(software); software != "" && err == nil {
		metrics.ActivitiesDropped.WithLabelValues("rejected").Inc()
		slog.Info("rejecting banned software", "domain", domain, "software", software)
		p.pushResponse(ctx, msg, actor, false)
		return
	}

	if !isRelayActor(actor, software) {
		metrics.ActivitiesDropped.WithLabelValues("rejected").Inc()
		slog.Info("rejecting non-application actor", "actor", actor.ID, "type", actor.Type)
		p.pushResponse(ctx, msg, actor, false)
		return
	}

	_, whitelisted := p.whitelistState(domain)
	conf, err := p.store.GetConfigAll()
	if err != nil {
		// Answer the peer rather than leave the follow hanging forever.
		metrics.ActivitiesDropped.WithLabelValues("error").Inc()
		slog.Error("failed to load config, rejecting follow", "domain", domain, "error", err)
		p.pushResponse(ctx, msg, actor, false)
		return
	}

	if !whitelisted {
		if conf.ApprovalRequired {
			p.storeFollow(msg, actor, software, false)
			slog.Info("stored follow request for approval", "domain", domain)
			return
		}
		if conf.WhitelistEnabled {
			metrics.ActivitiesDropped.WithLabelValues("rejected").Inc()
			slog.Info("rejecting non-whitelisted domain", "domain", domain)
			p.pushResponse(ctx, msg, actor, false)
			return
		}
	}

	instance := p.storeFollow(msg, actor, software, true)
	p.pushResponse(ctx, msg, actor, true)

	// Mastodon refuses follow-backs from relays; everyone else gets one so
	// both directions are subscribed.
	if !strings.EqualFold(software, "mastodon") {
		follow := ap.NewFollow(p.domain, actor.ID)
		p.queue.Push(ctx, PostItem{Inbox: instance.Inbox, Message: follow, Instance: instance})
	}

	slog.Info("accepted follow", "domain", domain, "software", software)
}

// handleUndo removes the sender's subscription when the undone Follow is the
// one on record. Undos of anything else, and unfollows for a superseded
// follow id, are ignored.
func (p *Processor) handleUndo(ctx context.Context, msg *ap.Message, actor *ap.Actor) {
	if msg.ObjectType() != "Follow" {
		metrics.ActivitiesDropped.WithLabelValues("unsupported").Inc()
		slog.Debug("ignoring undo of non-follow", "object-type", msg.ObjectType())
		return
	}

	domain := actor.Domain()
	instance, err := p.store.GetInbox(domain)
	if err != nil {
		slog.Debug("undo from unknown instance", "domain", domain)
		return
	}

	if instance.FollowID != "" && instance.FollowID != msg.ObjectID() {
		slog.Info("ignoring unfollow for superseded follow",
			"domain", domain, "stored", instance.FollowID, "undone", msg.ObjectID())
		return
	}

	if err := p.store.DelInbox(instance.Domain); err != nil {
		slog.Error("failed to delete instance", "domain", instance.Domain, "error", err)
		return
	}

	unfollow := ap.NewUnfollow(p.domain, actor.ID, msg)
	p.queue.Push(ctx, PostItem{Inbox: instance.Inbox, Message: unfollow, Instance: instance})
	slog.Info("instance unfollowed", "domain", domain)
}

// storeFollow upserts the sender's registry row from a Follow activity.
func (p *Processor) storeFollow(msg *ap.Message, actor *ap.Actor, software string, accepted bool) db.Instance {
	inbox := actor.SharedInbox()
	instance, err := p.store.PutInbox(actor.Domain(), db.InboxUpdate{
		Inbox:    &inbox,
		Actor:    &actor.ID,
		FollowID: &msg.ID,
		Software: &software,
		Accepted: &accepted,
	})
	if err != nil {
		slog.Error("failed to store follow", "domain", actor.Domain(), "error", err)
	}
	return instance
}

// pushResponse queues the Accept or Reject answering a Follow. Rejections
// are delivered to actors the registry may not know, so the item carries a
// synthetic instance.
func (p *Processor) pushResponse(ctx context.Context, msg *ap.Message, actor *ap.Actor, accept bool) {
	response := ap.NewResponse(p.domain, actor.ID, msg.ID, accept)
	instance, err := p.store.GetInbox(actor.Domain())
	if err != nil {
		instance = db.Instance{Domain: actor.Domain(), Actor: actor.ID, Inbox: actor.SharedInbox()}
	}
	p.queue.Push(ctx, PostItem{Inbox: actor.SharedInbox(), Message: response, Instance: instance})
}

// whitelistState reports whether a domain has a whitelist row.
func (p *Processor) whitelistState(domain string) (db.Whitelist, bool) {
	row, err := p.store.GetWhitelist(domain)
	return row, err == nil
}

// isRelayActor accepts Application actors, plus the canonical
// https://{domain}/relay actor that akkoma and pleroma expose with a
// different type.
func isRelayActor(actor *ap.Actor, software string) bool {
	if actor.Type == "Application" {
		return true
	}
	switch strings.ToLower(software) {
	case "akkoma", "pleroma":
		return actor.ID == "https://"+actor.Domain()+"/relay"
	}
	return false
}
