package web

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/ratelimit"
	"github.com/scriptops/scriptops/internal/store"
)

// SessionCookie is the cookie carrying the auth session token. The
// authentication provider that issues tokens is external; this layer only
// resolves them.
const SessionCookie = "scriptops_session"

type ctxKey int

const userKey ctxKey = 0

// userFrom returns the authenticated user attached by withAuth.
func userFrom(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

// apiHandler is a handler returning an error for writeError to map.
type apiHandler func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// withAuth resolves the session cookie to a user and rejects the request with
// 401 when it is missing, unknown or expired.
func (s *Server) withAuth(h apiHandler) http.HandlerFunc {
	return s.handle(func(w http.ResponseWriter, r *http.Request) error {
		user, err := s.sessionUser(r)
		if err != nil {
			return err
		}
		if user == nil {
			return apperr.New(apperr.ErrUnauthenticated, "Unauthorized")
		}
		return h(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) sessionUser(r *http.Request) (*store.User, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	user, err := s.store.UserForSession(c.Value)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "Internal server error", err)
	}
	return user, nil
}

// withLimit charges one unit of the caller's budget for class before running
// the handler. The key is the user ID, falling back to client IP for
// unauthenticated routes.
func (s *Server) withLimit(class ratelimit.Class, h apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		key := clientIP(r)
		if u := userFrom(r); u != nil {
			key = u.ID
		}
		res := s.limiter.Allow(key, class)
		if !res.Allowed {
			s.metrics.RateLimited.WithLabelValues(string(class)).Inc()
			return &rateLimitError{retryAfter: res.RetryAfter}
		}
		return h(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireTeamPerm checks the caller's permission on a team.
func (s *Server) requireTeamPerm(r *http.Request, teamID string, p store.Permission) error {
	if !s.perm.HasPermission(userFrom(r), teamID, p) {
		return apperr.New(apperr.ErrUnauthorized, "Forbidden")
	}
	return nil
}

// requireAnalysis loads an analysis and checks the caller's permission on its
// effective team.
func (s *Server) requireAnalysis(r *http.Request, id string, p store.Permission) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "Internal server error", err)
	}
	if a == nil {
		return nil, apperr.NotFound("Analysis")
	}
	if err := s.requireTeamPerm(r, a.EffectiveTeamID(), p); err != nil {
		return nil, err
	}
	return a, nil
}

// requireAdmin rejects non-admin callers.
func requireAdmin(r *http.Request) error {
	if u := userFrom(r); u == nil || !u.IsAdmin() {
		return apperr.New(apperr.ErrUnauthorized, "Forbidden")
	}
	return nil
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// countRequests wraps the mux with the per-method/status request counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
