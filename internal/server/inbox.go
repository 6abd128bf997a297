package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/metrics"
)

// processTimeout bounds the asynchronous handling of one admitted activity.
const processTimeout = 30 * time.Second

// slotWait is how long an admitted activity waits for a processing slot
// before it is dropped. Overload degrades to latency first, loss second.
const slotWait = 5 * time.Second

// admission is the explicit outcome of the inbox checks: either an activity
// cleared for processing, or the status and error the peer gets instead.
type admission struct {
	msg   *ap.Message
	actor *ap.Actor

	status int
	reason string
}

func admitted(msg *ap.Message, actor *ap.Actor) admission {
	return admission{msg: msg, actor: actor, status: http.StatusAccepted}
}

func denied(status int, reason string) admission {
	return admission{status: status, reason: reason}
}

func (a admission) ok() bool {
	return a.msg != nil
}

// parseInbox walks the first half of the admission ladder: signature header,
// body, actor field, actor fetch, signature verification.
func (s *Server) parseInbox(r *http.Request) admission {
	sig, err := ap.ParseSignature(r)
	if err != nil {
		slog.Debug("inbox: missing signature header", "remote", r.RemoteAddr)
		return denied(http.StatusBadRequest, "missing signature header")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return denied(http.StatusBadRequest, "failed to parse message")
	}

	msg, err := ap.ParseMessage(body)
	if err != nil {
		slog.Debug("inbox: unparseable message", "keyid", sig.KeyID, "error", err)
		return denied(http.StatusBadRequest, "failed to parse message")
	}
	if msg.Actor == "" {
		return denied(http.StatusBadRequest, "no actor in message")
	}

	actor, err := s.client.FetchActor(r.Context(), sig.KeyID)
	if err != nil {
		// Tombstone deletes are signed with keys that no longer resolve;
		// accept and drop them instead of bouncing every Delete.
		if msg.Type == "Delete" {
			slog.Debug("inbox: delete from unresolvable actor", "keyid", sig.KeyID)
			return denied(http.StatusAccepted, "")
		}
		slog.Debug("inbox: failed to fetch actor", "keyid", sig.KeyID, "error", err)
		return denied(http.StatusBadRequest, "failed to fetch actor")
	}

	if actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return denied(http.StatusBadRequest, "actor missing public key")
	}
	key, err := ap.ParsePublicKey(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return denied(http.StatusBadRequest, "actor missing public key")
	}

	if err := ap.VerifyRequest(r, body, key, sig); err != nil {
		slog.Debug("inbox: signature validation failed", "actor", actor.ID, "error", err)
		return denied(http.StatusUnauthorized, err.Error())
	}

	return admitted(msg, actor)
}

// handleInbox runs the admission ladder and hands cleared activities to the
// processor. The 202 goes out before processing happens.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	adm := s.parseInbox(r)
	if !adm.ok() {
		if adm.reason == "" {
			w.WriteHeader(adm.status)
			return
		}
		jsonError(w, adm.reason, adm.status)
		return
	}
	msg, actor := adm.msg, adm.actor

	// Policy checks against the registry.
	if _, err := s.store.GetDomainBan(actor.Domain()); err == nil {
		slog.Debug("inbox: banned actor", "actor", actor.ID)
		jsonError(w, "access denied", http.StatusForbidden)
		return
	}
	if msg.Type != "Follow" {
		if _, err := s.store.GetInbox(actor.Domain()); err != nil {
			slog.Debug("inbox: post from non-follower", "actor", actor.ID, "type", msg.Type)
			jsonError(w, "access denied", http.StatusUnauthorized)
			return
		}
	}

	metrics.ActivitiesReceived.WithLabelValues(msg.Type).Inc()

	wait := time.NewTimer(slotWait)
	defer wait.Stop()
	select {
	case s.inboxSem <- struct{}{}:
	case <-wait.C:
		slog.Warn("inbox overloaded, dropping activity", "actor", actor.ID, "type", msg.Type)
		metrics.ActivitiesDropped.WithLabelValues("overload").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	go func() {
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		s.processor.Process(ctx, msg, actor)
	}()

	w.WriteHeader(http.StatusAccepted)
}
