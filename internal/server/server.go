// Package server implements the relay's HTTP surface: the inbox with its
// admission checks, the relay actor and discovery documents, the admin JSON
// API, and the front page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/russross/blackfriday/v2"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/config"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/metrics"
	"github.com/mastodon-ml/relay/internal/relay"
)

const (
	activityJSONType = `application/activity+json`

	// Version is reported in nodeinfo and the admin API.
	Version = "0.3.2"

	softwareRepo = "https://git.pleroma.social/pleroma/relay"
)

// maxConcurrentActivities bounds how many admitted activities are processed
// at once. Arrivals beyond the limit are dropped after the 202 the same way
// an overloaded queue would drop them.
const maxConcurrentActivities = 50

// maxBodyBytes caps the inbound request body read.
const maxBodyBytes = 1 << 20

// ActorFetcher is the slice of the HTTP client the server uses: actor
// documents for signature checks and nodeinfo for the admin instance add.
type ActorFetcher interface {
	FetchActor(ctx context.Context, keyID string) (*ap.Actor, error)
	FetchNodeinfo(ctx context.Context, domain string) (*ap.Nodeinfo, error)
}

// MessageProcessor consumes admitted activities.
type MessageProcessor interface {
	Process(ctx context.Context, msg *ap.Message, actor *ap.Actor)
}

// Pusher queues outbound deliveries; satisfied by relay.Queue.
type Pusher interface {
	Push(ctx context.Context, item relay.PostItem) bool
}

// Server is the relay's HTTP server.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	signer    *ap.Signer
	client    ActorFetcher
	processor MessageProcessor
	queue     Pusher
	router    *chi.Mux
	inboxSem  chan struct{}
}

// New wires the server to its collaborators and builds the route table.
func New(cfg *config.Config, store *db.Store, signer *ap.Signer, client ActorFetcher, processor MessageProcessor, queue Pusher) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		signer:    signer,
		client:    client,
		processor: processor,
		queue:     queue,
		inboxSem:  make(chan struct{}, maxConcurrentActivities),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", s.cfg.Addr(), "domain", s.cfg.Domain)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Relay actor surface.
	r.Get("/actor", s.handleActor)
	r.Get("/inbox", s.handleActor)
	r.Post("/actor", s.handleInbox)
	r.Post("/inbox", s.handleInbox)
	r.Get("/outbox", s.handleOutbox)
	r.Get("/followers", s.handleFollowCollection)
	r.Get("/following", s.handleFollowCollection)

	// Discovery.
	r.Get("/.well-known/webfinger", s.handleWebfinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeinfoWellKnown)
	r.Get("/nodeinfo/{version}", s.handleNodeinfo)

	r.Handle("/metrics", metrics.Handler())

	// Admin JSON API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/relay", s.handleRelayInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.tokenAuth)
			r.Get("/config", s.handleConfigList)
			r.Post("/config", s.handleConfigSet)
			r.Delete("/config", s.handleConfigReset)
			r.Get("/instance", s.handleInstanceList)
			r.Post("/instance", s.handleInstanceAdd)
			r.Patch("/instance", s.handleInstanceUpdate)
			r.Delete("/instance", s.handleInstanceDelete)
			r.Get("/request", s.handleRequestList)
			r.Post("/request", s.handleRequestRespond)
			r.Get("/domain_ban", s.handleDomainBanList)
			r.Post("/domain_ban", s.handleDomainBanAdd)
			r.Patch("/domain_ban", s.handleDomainBanUpdate)
			r.Delete("/domain_ban", s.handleDomainBanDelete)
			r.Get("/software_ban", s.handleSoftwareBanList)
			r.Post("/software_ban", s.handleSoftwareBanAdd)
			r.Patch("/software_ban", s.handleSoftwareBanUpdate)
			r.Delete("/software_ban", s.handleSoftwareBanDelete)
			r.Get("/whitelist", s.handleWhitelistList)
			r.Post("/whitelist", s.handleWhitelistAdd)
			r.Delete("/whitelist", s.handleWhitelistDelete)
			r.Get("/user", s.handleUserList)
			r.Post("/user", s.handleUserAdd)
			r.Delete("/user", s.handleUserDelete)
		})
	})

	r.Get("/", s.handleFrontPage)

	return r
}

// handleFrontPage renders a small status page: relay name, the rendered
// note, and the accepted instance list.
func (s *Server) handleFrontPage(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>%s</title></head><body>\n", html.EscapeString(conf.Name))
	fmt.Fprintf(w, "<h1>%s</h1>\n", html.EscapeString(conf.Name))
	fmt.Fprintf(w, "<div>%s</div>\n", renderMarkdown(conf.Note))
	fmt.Fprintf(w, "<p>Join by following <code>https://%s/actor</code></p>\n", html.EscapeString(s.cfg.Domain))
	fmt.Fprintf(w, "<h2>%d connected instances</h2>\n<ul>\n", len(instances))
	for _, inst := range instances {
		fmt.Fprintf(w, "<li>%s</li>\n", html.EscapeString(inst.Domain))
	}
	fmt.Fprint(w, "</ul>\n</body></html>\n")
}

// renderMarkdown converts the configured note to HTML for the actor summary
// and front page.
func renderMarkdown(text string) string {
	return string(blackfriday.Run([]byte(text)))
}

// ─── Response helpers ─────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
