package web

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/dnscache"
	"github.com/scriptops/scriptops/internal/events"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	users, err := s.store.ListUsers()
	if err != nil {
		return err
	}
	views := make([]map[string]any, len(users))
	for i := range users {
		views[i] = userView(&users[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
	return nil
}

func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	userID := r.PathValue("id")
	var body struct {
		Role string `json:"role"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.Role != "admin" && body.Role != "user" {
		return apperr.Validation("Invalid role")
	}
	if err := s.store.UpdateUserRole(userID, body.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("User")
		}
		return err
	}

	s.hub.SendToUser(userID, events.EventUserRoleUpdated, map[string]any{"role": body.Role})
	s.hub.BroadcastToAdmins(events.EventAdminUserRole, map[string]any{
		"userId": userID, "role": body.Role,
	})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	userID := r.PathValue("id")
	if userID == userFrom(r).ID {
		return apperr.Validation("Cannot delete your own account")
	}
	if err := s.store.DeleteUser(userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("User")
		}
		return err
	}
	s.hub.SendToUser(userID, events.EventUserDeleted, nil)
	s.hub.BroadcastToAdmins(events.EventUserDeleted, map[string]any{"userId": userID})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleDNSConfigGet(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, s.dns.Config())
	return nil
}

func (s *Server) handleDNSConfigPut(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	var body struct {
		Enabled    *bool  `json:"enabled"`
		TTL        *int64 `json:"ttl"`
		MaxEntries *int   `json:"maxEntries"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.TTL != nil && *body.TTL < 0 {
		return apperr.Validation("TTL must not be negative")
	}
	if body.MaxEntries != nil && *body.MaxEntries < 1 {
		return apperr.Validation("maxEntries must be positive")
	}
	cfg, err := s.dns.UpdateConfig(body.Enabled, body.TTL, body.MaxEntries)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cfg)
	return nil
}

func (s *Server) handleDNSStats(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	stats := s.dns.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":           stats.Hits,
		"misses":         stats.Misses,
		"errors":         stats.Errors,
		"evictions":      stats.Evictions,
		"hitRate":        stats.HitRate(),
		"ttlPeriodStart": stats.TTLPeriodStart,
		"entries":        len(s.dns.CacheEntries()),
	})
	return nil
}

func (s *Server) handleDNSEntries(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	entries := s.dns.CacheEntries()
	if entries == nil {
		entries = []dnscache.EntrySnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	return nil
}

func (s *Server) handleDNSClear(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	cleared := s.dns.ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
	return nil
}
