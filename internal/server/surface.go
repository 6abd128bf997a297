package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mastodon-ml/relay/internal/ap"
)

// handleActor serves the relay actor document with the current public key
// and the markdown-rendered instance note.
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	conf, err := s.store.GetConfigAll()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actor := ap.NewActor(s.cfg.Domain, s.signer.PublicPEM(), conf.Name, renderMarkdown(conf.Note))
	apResponse(w, actor)
}

// handleFollowCollection serves /followers and /following: both are the
// accepted instances' actor URLs, since relay subscriptions are mutual.
func (s *Server) handleFollowCollection(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.GetInboxes()
	if err != nil {
		slog.Error("failed to list instances", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.Actor != "" {
			items = append(items, inst.Actor)
		}
	}

	apResponse(w, ap.Collection{
		Context:    ap.ActivityStreamsNS,
		ID:         s.cfg.BaseURL(r.URL.Path),
		Type:       "Collection",
		TotalItems: len(items),
		Items:      items,
	})
}

// handleOutbox is always empty; the relay originates nothing worth listing.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	apResponse(w, ap.OrderedCollection{
		Context:      ap.ActivityStreamsNS,
		ID:           s.cfg.BaseURL("/outbox"),
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []any{},
	})
}

// handleWebfinger answers only for acct:relay@{domain}.
func (s *Server) handleWebfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		jsonError(w, `missing "resource" query key`, http.StatusBadRequest)
		return
	}
	if resource != "acct:relay@"+s.cfg.Domain {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	jsonResponse(w, ap.Webfinger{
		Subject: resource,
		Aliases: []string{s.cfg.Actor()},
		Links: []ap.WebfingerLink{
			{Rel: "self", Type: activityJSONType, Href: s.cfg.Actor()},
		},
	}, http.StatusOK)
}

func (s *Server) handleNodeinfoWellKnown(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, ap.WellKnownNodeinfo{Links: []ap.NodeinfoLink{
		{Rel: ap.NodeinfoRel20, Href: s.cfg.BaseURL("/nodeinfo/2.0")},
		{Rel: ap.NodeinfoRel21, Href: s.cfg.BaseURL("/nodeinfo/2.1")},
	}}, http.StatusOK)
}

// handleNodeinfo serves nodeinfo 2.0 and 2.1. The peer list and the
// registration flag come from the live registry and config.
func (s *Server) handleNodeinfo(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	if version != "2.0" && version != "2.1" {
		jsonError(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	conf, err := s.store.GetConfigAll()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	instances, err := s.store.GetInboxes()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	peers := make([]string, 0, len(instances))
	for _, inst := range instances {
		peers = append(peers, inst.Domain)
	}

	software := ap.NodeinfoSoftware{Name: "activityrelay", Version: Version}
	if version == "2.1" {
		software.Repository = softwareRepo
	}

	w.Header().Set("Content-Type",
		fmt.Sprintf(`application/json; profile="http://nodeinfo.diaspora.software/ns/schema/%s#"`, version))
	jsonResponse(w, ap.Nodeinfo{
		Version:           version,
		Software:          software,
		Protocols:         []string{"activitypub"},
		Services:          ap.NodeinfoServices{Inbound: []string{}, Outbound: []string{}},
		OpenRegistrations: !conf.WhitelistEnabled,
		Usage:             ap.NodeinfoUsage{Users: ap.NodeinfoUsers{Total: 1}},
		Metadata:          map[string]any{"peers": peers},
	}, http.StatusOK)
}
