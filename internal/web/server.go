// Package web is the HTTP surface of the orchestrator: a JSON API under
// /api, the live-event stream, the Prometheus endpoint and the health probe.
// Handlers stay thin; they authorize, delegate to the core components and map
// errors to status codes.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/analysis"
	"github.com/scriptops/scriptops/internal/config"
	"github.com/scriptops/scriptops/internal/dnscache"
	"github.com/scriptops/scriptops/internal/events"
	"github.com/scriptops/scriptops/internal/metrics"
	"github.com/scriptops/scriptops/internal/perm"
	"github.com/scriptops/scriptops/internal/ratelimit"
	"github.com/scriptops/scriptops/internal/store"
)

// Server is the orchestrator's HTTP server.
type Server struct {
	log     *zap.Logger
	store   *store.Store
	perm    *perm.Resolver
	limiter *ratelimit.Limiter
	manager *analysis.Manager
	dns     *dnscache.Service
	hub     *events.Hub
	metrics *metrics.Metrics
	dev     bool

	mux    *http.ServeMux
	server *http.Server
}

// New wires the server. The hub's init snapshot builder is registered here so
// connecting clients get the analyses visible to them.
func New(cfg config.Config, st *store.Store, resolver *perm.Resolver, limiter *ratelimit.Limiter,
	manager *analysis.Manager, dns *dnscache.Service, hub *events.Hub,
	m *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{
		log:     log.Named("web"),
		store:   st,
		perm:    resolver,
		limiter: limiter,
		manager: manager,
		dns:     dns,
		hub:     hub,
		metrics: m,
		dev:     cfg.Development(),
		mux:     http.NewServeMux(),
	}
	hub.InitData = s.initSnapshot
	s.registerRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.countRequests(s.mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No write timeout: the SSE stream stays open indefinitely.
	}
	return s
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.countRequests(s.mux)
}

func (s *Server) registerRoutes() {
	mux := s.mux

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": config.Version})
	})
	mux.HandleFunc("GET /api/auth/get-session", s.handle(s.handleGetSession))
	mux.HandleFunc("POST /api/auth/sign-out", s.withAuth(s.withLimit(ratelimit.ClassAuth, s.handleSignOut)))

	// Analyses.
	mux.HandleFunc("GET /api/analyses", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleListAnalyses)))
	mux.HandleFunc("POST /api/analyses/upload", s.withAuth(s.withLimit(ratelimit.ClassUpload, s.handleUpload)))
	mux.HandleFunc("GET /api/analyses/{id}/content", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleContent)))
	mux.HandleFunc("PUT /api/analyses/{id}", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleUpdateSource)))
	mux.HandleFunc("PUT /api/analyses/{id}/rename", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleRename)))
	mux.HandleFunc("PUT /api/analyses/{id}/team", s.withAuth(s.handleMoveToTeam))
	mux.HandleFunc("DELETE /api/analyses/{id}", s.withAuth(s.withLimit(ratelimit.ClassDeletion, s.handleDeleteAnalysis)))
	mux.HandleFunc("POST /api/analyses/{id}/run", s.withAuth(s.withLimit(ratelimit.ClassAnalysisRun, s.handleRun)))
	mux.HandleFunc("POST /api/analyses/{id}/stop", s.withAuth(s.handleStop))
	mux.HandleFunc("GET /api/analyses/{id}/logs", s.withAuth(s.handleLogs))
	mux.HandleFunc("GET /api/analyses/{id}/logs/download", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleDownloadLogs)))
	mux.HandleFunc("DELETE /api/analyses/{id}/logs", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handleClearLogs)))
	mux.HandleFunc("GET /api/analyses/{id}/versions", s.withAuth(s.withLimit(ratelimit.ClassVersionOperation, s.handleVersions)))
	mux.HandleFunc("POST /api/analyses/{id}/rollback", s.withAuth(s.withLimit(ratelimit.ClassVersionOperation, s.handleRollback)))
	mux.HandleFunc("GET /api/analyses/{id}/environment", s.withAuth(s.handleGetEnvironment))
	mux.HandleFunc("PUT /api/analyses/{id}/environment", s.withAuth(s.withLimit(ratelimit.ClassFileOperation, s.handlePutEnvironment)))

	// Live events.
	mux.HandleFunc("/api/sse/events", s.withAuth(func(w http.ResponseWriter, r *http.Request) error {
		u := userFrom(r)
		s.hub.ServeSSE(w, r, u.ID, u.IsAdmin())
		return nil
	}))
	mux.HandleFunc("POST /api/sse/subscribe", s.withAuth(s.handleSubscribe))
	mux.HandleFunc("POST /api/sse/unsubscribe", s.withAuth(s.handleUnsubscribe))

	// Teams and the folder tree.
	mux.HandleFunc("GET /api/teams", s.withAuth(s.handleListTeams))
	mux.HandleFunc("POST /api/teams", s.withAuth(s.handleCreateTeam))
	mux.HandleFunc("PUT /api/teams/{id}", s.withAuth(s.handleUpdateTeam))
	mux.HandleFunc("DELETE /api/teams/{id}", s.withAuth(s.withLimit(ratelimit.ClassDeletion, s.handleDeleteTeam)))
	mux.HandleFunc("GET /api/teams/{id}/tree", s.withAuth(s.handleGetTree))
	mux.HandleFunc("POST /api/teams/{id}/tree/folders", s.withAuth(s.handleCreateFolder))
	mux.HandleFunc("PUT /api/teams/{id}/tree/move", s.withAuth(s.handleMoveTreeItem))
	mux.HandleFunc("GET /api/teams/{id}/members", s.withAuth(s.handleListMembers))
	mux.HandleFunc("PUT /api/teams/{id}/members/{userId}", s.withAuth(s.handlePutMember))
	mux.HandleFunc("DELETE /api/teams/{id}/members/{userId}", s.withAuth(s.handleDeleteMember))

	// Users (admin).
	mux.HandleFunc("GET /api/users", s.withAuth(s.handleListUsers))
	mux.HandleFunc("PUT /api/users/{id}/role", s.withAuth(s.handleUpdateUserRole))
	mux.HandleFunc("DELETE /api/users/{id}", s.withAuth(s.withLimit(ratelimit.ClassDeletion, s.handleDeleteUser)))

	// DNS cache admin surface.
	mux.HandleFunc("GET /api/admin/dns-cache/config", s.withAuth(s.handleDNSConfigGet))
	mux.HandleFunc("PUT /api/admin/dns-cache/config", s.withAuth(s.handleDNSConfigPut))
	mux.HandleFunc("GET /api/admin/dns-cache/stats", s.withAuth(s.handleDNSStats))
	mux.HandleFunc("GET /api/admin/dns-cache/entries", s.withAuth(s.handleDNSEntries))
	mux.HandleFunc("POST /api/admin/dns-cache/clear", s.withAuth(s.handleDNSClear))

	mux.HandleFunc("GET /metrics", s.withAuth(func(w http.ResponseWriter, r *http.Request) error {
		if err := requireAdmin(r); err != nil {
			return err
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return nil
	}))
}

// handleGetSession is the session probe. It answers 200 with a null user for
// anonymous callers so clients can poll it without tripping the auth limiter.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) error {
	user, err := s.sessionUser(r)
	if err != nil {
		return err
	}
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userView(user)})
	return nil
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) error {
	u := userFrom(r)
	if err := s.store.DeleteAuthSessionsForUser(u.ID); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func userView(u *store.User) map[string]any {
	return map[string]any{
		"id":    u.ID,
		"name":  u.Name,
		"email": u.Email,
		"role":  u.Role,
	}
}
