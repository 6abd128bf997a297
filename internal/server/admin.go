package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/relay"
)

// decodeJSON reads a request body into dst with the usual size cap.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

// tokenAuth guards the admin API with bearer tokens from the tokens table.
func (s *Server) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		code, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || code == "" {
			jsonError(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.store.GetToken(code); err != nil {
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin verifies a username/password pair and mints a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := s.store.VerifyUser(req.Username, req.Password); err != nil {
		jsonError(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	token, err := s.store.PutToken(req.Username)
	if err != nil {
		jsonError(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"token": token.Code}, http.StatusOK)
}

// handleRelayInfo is the unauthenticated instance summary.
func (s *Server) handleRelayInfo(w http.ResponseWriter, r *http.Request) {
	conf, err := s.store.GetConfigAll()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	instances, err := s.store.GetInboxes()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	domains := make([]string, 0, len(instances))
	for _, inst := range instances {
		domains = append(domains, inst.Domain)
	}

	jsonResponse(w, map[string]any{
		"domain":            s.cfg.Domain,
		"name":              conf.Name,
		"description":       conf.Note,
		"version":           Version,
		"whitelist_enabled": conf.WhitelistEnabled,
		"instances":         domains,
	}, http.StatusOK)
}

// ─── Config ───────────────────────────────────────────────────────────────────

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	conf, err := s.store.GetConfigAll()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	// private-key and schema-version are system values and stay hidden.
	jsonResponse(w, map[string]any{
		"approval-required": conf.ApprovalRequired,
		"whitelist-enabled": conf.WhitelistEnabled,
		"log-level":         conf.LogLevel,
		"name":              conf.Name,
		"note":              conf.Note,
		"theme":             conf.Theme,
	}, http.StatusOK)
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := db.NormalizeConfigKey(req.Key)
	if key == "private-key" || key == "schema-version" {
		jsonError(w, "config key cannot be modified", http.StatusBadRequest)
		return
	}

	value, err := s.store.PutConfig(key, req.Value)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"key": key, "value": value}, http.StatusOK)
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		jsonError(w, "missing key", http.StatusBadRequest)
		return
	}
	if err := s.store.DelConfig(key); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"key": db.NormalizeConfigKey(key)}, http.StatusOK)
}

// ─── Instances ────────────────────────────────────────────────────────────────

type instanceJSON struct {
	Domain   string `json:"domain"`
	Actor    string `json:"actor,omitempty"`
	Inbox    string `json:"inbox"`
	FollowID string `json:"followid,omitempty"`
	Software string `json:"software,omitempty"`
	Accepted bool   `json:"accepted"`
	Created  string `json:"created"`
}

func instancesJSON(instances []db.Instance) []instanceJSON {
	out := make([]instanceJSON, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceJSON(inst))
	}
	return out
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.GetInboxes()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, instancesJSON(instances), http.StatusOK)
}

func (s *Server) handleInstanceAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain   string `json:"domain"`
		Actor    string `json:"actor"`
		Inbox    string `json:"inbox"`
		Software string `json:"software"`
		FollowID string `json:"followid"`
	}
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	domain := req.Domain
	if domain == "" {
		domain = ap.Hostname(req.Actor)
	}
	if domain == "" {
		jsonError(w, "missing domain or actor", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetInbox(domain); err == nil {
		jsonError(w, "instance already in database", http.StatusBadRequest)
		return
	}

	actorURL := req.Actor
	if actorURL == "" {
		actorURL = "https://" + domain + "/actor"
	}

	inbox := req.Inbox
	if inbox == "" {
		actor, err := s.client.FetchActor(r.Context(), actorURL)
		if err != nil {
			jsonError(w, "failed to fetch actor", http.StatusBadRequest)
			return
		}
		inbox = actor.SharedInbox()
		actorURL = actor.ID
	}

	software := req.Software
	if software == "" {
		if info, err := s.client.FetchNodeinfo(r.Context(), domain); err == nil {
			software = info.SoftwareName()
		}
	}

	inst, err := s.store.PutInbox(domain, db.InboxUpdate{
		Inbox:    &inbox,
		Actor:    &actorURL,
		Software: &software,
		FollowID: &req.FollowID,
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, instanceJSON(inst), http.StatusCreated)
}

func (s *Server) handleInstanceUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain   string  `json:"domain"`
		Actor    *string `json:"actor"`
		Inbox    *string `json:"inbox"`
		Software *string `json:"software"`
		FollowID *string `json:"followid"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Domain == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetInbox(req.Domain); err != nil {
		jsonError(w, "instance not found", http.StatusNotFound)
		return
	}

	inst, err := s.store.PutInbox(req.Domain, db.InboxUpdate{
		Actor:    req.Actor,
		Inbox:    req.Inbox,
		Software: req.Software,
		FollowID: req.FollowID,
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, instanceJSON(inst), http.StatusOK)
}

func (s *Server) handleInstanceDelete(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		jsonError(w, "missing domain", http.StatusBadRequest)
		return
	}
	if err := s.store.DelInbox(domain); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "instance not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"domain": domain}, http.StatusOK)
}

// ─── Follow requests ──────────────────────────────────────────────────────────

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	requests, err := s.store.GetRequests()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, instancesJSON(requests), http.StatusOK)
}

// handleRequestRespond resolves a pending follow request. Accepting pushes
// the Accept (and a follow-back for non-mastodon peers); denying pushes a
// Reject before the row is gone.
func (s *Server) handleRequestRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Accept bool   `json:"accept"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Domain == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := s.store.PutRequestResponse(req.Domain, req.Accept)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "no pending request for domain", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	response := ap.NewResponse(s.cfg.Domain, inst.Actor, inst.FollowID, req.Accept)
	s.queue.Push(r.Context(), relay.PostItem{Inbox: inst.Inbox, Message: response, Instance: inst})

	if req.Accept && !strings.EqualFold(inst.Software, "mastodon") {
		follow := ap.NewFollow(s.cfg.Domain, inst.Actor)
		s.queue.Push(r.Context(), relay.PostItem{Inbox: inst.Inbox, Message: follow, Instance: inst})
	}

	slog.Info("follow request resolved", "domain", inst.Domain, "accepted", req.Accept)
	jsonResponse(w, instanceJSON(inst), http.StatusOK)
}

// ─── Domain bans ──────────────────────────────────────────────────────────────

func (s *Server) handleDomainBanList(w http.ResponseWriter, r *http.Request) {
	bans, err := s.store.GetDomainBans()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, bans, http.StatusOK)
}

func (s *Server) handleDomainBanAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Domain == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetDomainBan(req.Domain); err == nil {
		jsonError(w, "domain already banned", http.StatusBadRequest)
		return
	}

	ban, err := s.store.PutDomainBan(req.Domain, req.Reason, req.Note)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, ban, http.StatusCreated)
}

func (s *Server) handleDomainBanUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string  `json:"domain"`
		Reason *string `json:"reason"`
		Note   *string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Domain == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == nil && req.Note == nil {
		jsonError(w, "no changes provided", http.StatusBadRequest)
		return
	}

	ban, err := s.store.UpdateDomainBan(req.Domain, db.BanUpdate{Reason: req.Reason, Note: req.Note})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "domain not banned", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, ban, http.StatusOK)
}

func (s *Server) handleDomainBanDelete(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		jsonError(w, "missing domain", http.StatusBadRequest)
		return
	}
	if err := s.store.DelDomainBan(domain); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "domain not banned", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"domain": domain}, http.StatusOK)
}

// ─── Software bans ────────────────────────────────────────────────────────────

func (s *Server) handleSoftwareBanList(w http.ResponseWriter, r *http.Request) {
	bans, err := s.store.GetSoftwareBans()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, bans, http.StatusOK)
}

func (s *Server) handleSoftwareBanAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetSoftwareBan(req.Name); err == nil {
		jsonError(w, "software already banned", http.StatusBadRequest)
		return
	}

	ban, err := s.store.PutSoftwareBan(req.Name, req.Reason, req.Note)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, ban, http.StatusCreated)
}

func (s *Server) handleSoftwareBanUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string  `json:"name"`
		Reason *string `json:"reason"`
		Note   *string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == nil && req.Note == nil {
		jsonError(w, "no changes provided", http.StatusBadRequest)
		return
	}

	ban, err := s.store.UpdateSoftwareBan(req.Name, db.BanUpdate{Reason: req.Reason, Note: req.Note})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "software not banned", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, ban, http.StatusOK)
}

func (s *Server) handleSoftwareBanDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonError(w, "missing name", http.StatusBadRequest)
		return
	}
	if err := s.store.DelSoftwareBan(name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "software not banned", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"name": name}, http.StatusOK)
}

// ─── Whitelist ────────────────────────────────────────────────────────────────

func (s *Server) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetWhitelists()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, rows, http.StatusOK)
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Domain == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetWhitelist(req.Domain); err == nil {
		jsonError(w, "domain already whitelisted", http.StatusBadRequest)
		return
	}

	row, err := s.store.PutWhitelist(req.Domain)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, row, http.StatusCreated)
}

func (s *Server) handleWhitelistDelete(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		jsonError(w, "missing domain", http.StatusBadRequest)
		return
	}
	if err := s.store.DelWhitelist(domain); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "domain not whitelisted", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"domain": domain}, http.StatusOK)
}

// ─── Users ────────────────────────────────────────────────────────────────────

type userJSON struct {
	Username string `json:"username"`
	Handle   string `json:"handle,omitempty"`
	Created  string `json:"created"`
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.GetUsers()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{Username: u.Username, Handle: u.Handle, Created: u.Created})
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleUserAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Handle   string `json:"handle"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetUser(req.Username); err == nil {
		jsonError(w, "user already exists", http.StatusBadRequest)
		return
	}

	user, err := s.store.PutUser(req.Username, req.Password, req.Handle)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, userJSON{Username: user.Username, Handle: user.Handle, Created: user.Created}, http.StatusCreated)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		jsonError(w, "missing username", http.StatusBadRequest)
		return
	}
	if err := s.store.DelUser(username); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "user not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"username": username}, http.StatusOK)
}
