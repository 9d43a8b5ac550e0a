// Package perm resolves effective permissions on (user, team) pairs. The
// HTTP layer never touches memberships directly; it asks this resolver and
// gets a plain allow/deny. Store failures resolve to deny and are logged,
// never surfaced as a 500 on the authorization path.
package perm

import (
	"go.uber.org/zap"

	"github.com/scriptops/scriptops/internal/store"
)

// Resolver answers permission questions against the metadata store.
type Resolver struct {
	store *store.Store
	log   *zap.Logger
}

// New creates a Resolver.
func New(s *store.Store, log *zap.Logger) *Resolver {
	return &Resolver{store: s, log: log.Named("perm")}
}

// HasPermission reports whether the user may perform p on the given team.
// Global admins are always allowed.
func (r *Resolver) HasPermission(user *store.User, teamID string, p store.Permission) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	m, err := r.store.GetMembership(user.ID, teamID)
	if err != nil {
		r.log.Error("membership lookup failed, denying",
			zap.String("user", user.ID), zap.String("team", teamID), zap.Error(err))
		return false
	}
	if m == nil {
		return false
	}
	return containsPerm(m.Permissions, p)
}

// HasAnyTeamPermission reports whether the user holds p on at least one team.
func (r *Resolver) HasAnyTeamPermission(user *store.User, p store.Permission) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	memberships, err := r.store.ListMembershipsForUser(user.ID)
	if err != nil {
		r.log.Error("membership scan failed, denying",
			zap.String("user", user.ID), zap.Error(err))
		return false
	}
	for _, m := range memberships {
		if containsPerm(m.Permissions, p) {
			return true
		}
	}
	return false
}

// UserTeamIDs returns the teams where the user holds p. Admins get every
// team.
func (r *Resolver) UserTeamIDs(user *store.User, p store.Permission) []string {
	if user == nil {
		return nil
	}
	if user.IsAdmin() {
		teams, err := r.store.ListTeams()
		if err != nil {
			r.log.Error("team list failed", zap.Error(err))
			return nil
		}
		ids := make([]string, len(teams))
		for i, t := range teams {
			ids[i] = t.ID
		}
		return ids
	}

	memberships, err := r.store.ListMembershipsForUser(user.ID)
	if err != nil {
		r.log.Error("membership scan failed",
			zap.String("user", user.ID), zap.Error(err))
		return nil
	}
	var ids []string
	for _, m := range memberships {
		if containsPerm(m.Permissions, p) {
			ids = append(ids, m.TeamID)
		}
	}
	return ids
}

// UsersWithTeamAccess returns the IDs of users holding p on the team, plus
// every admin. The fan-out uses this for per-analysis addressing.
func (r *Resolver) UsersWithTeamAccess(teamID string, p store.Permission) []string {
	seen := make(map[string]struct{})
	var ids []string

	memberships, err := r.store.ListMembershipsForTeam(teamID)
	if err != nil {
		r.log.Error("team membership scan failed",
			zap.String("team", teamID), zap.Error(err))
	} else {
		for _, m := range memberships {
			if containsPerm(m.Permissions, p) {
				if _, ok := seen[m.UserID]; !ok {
					seen[m.UserID] = struct{}{}
					ids = append(ids, m.UserID)
				}
			}
		}
	}

	admins, err := r.store.AdminUserIDs()
	if err != nil {
		r.log.Error("admin scan failed", zap.Error(err))
		return ids
	}
	for _, id := range admins {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func containsPerm(perms []store.Permission, p store.Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}
