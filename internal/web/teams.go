package web

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/events"
	"github.com/scriptops/scriptops/internal/store"
)

type teamView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	OrderIndex int    `json:"orderIndex"`
}

// visibleTeams returns the teams the user belongs to; admins see all.
func (s *Server) visibleTeams(user *store.User) ([]teamView, error) {
	teams, err := s.store.ListTeams()
	if err != nil {
		return nil, err
	}
	member := make(map[string]bool)
	if !user.IsAdmin() {
		memberships, err := s.store.ListMembershipsForUser(user.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range memberships {
			member[m.TeamID] = true
		}
	}

	views := []teamView{}
	for _, t := range teams {
		if user.IsAdmin() || member[t.ID] {
			views = append(views, teamView{ID: t.ID, Name: t.Name, Color: t.Color, OrderIndex: t.OrderIndex})
		}
	}
	return views, nil
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) error {
	views, err := s.visibleTeams(userFrom(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": views})
	return nil
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	var body struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || len(body.Name) > 100 {
		return apperr.Validation("Invalid team name")
	}
	if existing, err := s.store.GetTeamByName(body.Name); err != nil {
		return err
	} else if existing != nil {
		return apperr.New(apperr.ErrConflict, "Team already exists")
	}

	t := &store.Team{ID: uuid.NewString(), Name: body.Name, Color: body.Color}
	if err := s.store.InsertTeam(t); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": t.ID})
	return nil
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	id := r.PathValue("id")
	t, err := s.store.GetTeam(id)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.NotFound("Team")
	}
	var body struct {
		Name       *string `json:"name"`
		Color      *string `json:"color"`
		OrderIndex *int    `json:"orderIndex"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" || len(name) > 100 {
			return apperr.Validation("Invalid team name")
		}
		t.Name = name
	}
	if body.Color != nil {
		t.Color = *body.Color
	}
	if body.OrderIndex != nil {
		t.OrderIndex = *body.OrderIndex
	}
	if err := s.store.UpdateTeam(t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Team")
		}
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

// handleDeleteTeam removes a team. Its analyses move to the reserved
// uncategorized team and keep running.
func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	id := r.PathValue("id")
	if id == store.UncategorizedTeamID {
		return apperr.Validation("The uncategorized team cannot be deleted")
	}
	moved, err := s.store.DeleteTeam(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Team")
		}
		return err
	}
	for _, analysisID := range moved {
		if err := s.store.RemoveTreeItem(id, analysisID); err == nil {
			_ = s.store.AddTreeItem(store.UncategorizedTeamID,
				store.TreeItem{Type: "analysis", ID: analysisID})
		}
	}
	if moved == nil {
		moved = []string{}
	}
	s.hub.BroadcastToAll(events.EventTeamDeleted, map[string]any{
		"teamId": id, "analysesMovedTo": store.UncategorizedTeamID, "analysisIds": moved,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "moved": moved})
	return nil
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) error {
	teamID := r.PathValue("id")
	if err := s.requireTeamPerm(r, teamID, store.PermView); err != nil {
		return err
	}
	tree, err := s.store.GetTeamTree(teamID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
	return nil
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) error {
	teamID := r.PathValue("id")
	if err := s.requireTeamPerm(r, teamID, store.PermEdit); err != nil {
		return err
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || len(body.Name) > 100 {
		return apperr.Validation("Invalid folder name")
	}
	folder := store.TreeItem{Type: "folder", ID: uuid.NewString(), Name: body.Name}
	if err := s.store.AddTreeItem(teamID, folder); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": folder.ID})
	return nil
}

func (s *Server) handleMoveTreeItem(w http.ResponseWriter, r *http.Request) error {
	teamID := r.PathValue("id")
	if err := s.requireTeamPerm(r, teamID, store.PermEdit); err != nil {
		return err
	}
	var body struct {
		ItemID         string `json:"itemId"`
		TargetFolderID string `json:"targetFolderId"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.ItemID == "" {
		return apperr.Validation("Missing itemId")
	}
	if err := s.store.MoveTreeItem(teamID, body.ItemID, body.TargetFolderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Item")
		}
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) error {
	teamID := r.PathValue("id")
	if err := s.requireTeamPerm(r, teamID, store.PermView); err != nil {
		return err
	}
	memberships, err := s.store.ListMembershipsForTeam(teamID)
	if err != nil {
		return err
	}
	type memberView struct {
		UserID      string             `json:"userId"`
		Name        string             `json:"name"`
		Email       string             `json:"email"`
		Permissions []store.Permission `json:"permissions"`
	}
	views := []memberView{}
	for _, m := range memberships {
		u, err := s.store.GetUser(m.UserID)
		if err != nil {
			return err
		}
		if u == nil {
			continue
		}
		views = append(views, memberView{
			UserID: u.ID, Name: u.Name, Email: u.Email, Permissions: m.Permissions,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": views})
	return nil
}

func (s *Server) handlePutMember(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	teamID := r.PathValue("id")
	userID := r.PathValue("userId")
	if team, err := s.store.GetTeam(teamID); err != nil {
		return err
	} else if team == nil {
		return apperr.NotFound("Team")
	}
	if u, err := s.store.GetUser(userID); err != nil {
		return err
	} else if u == nil {
		return apperr.NotFound("User")
	}

	var body struct {
		Permissions []store.Permission `json:"permissions"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	for _, p := range body.Permissions {
		if !store.ValidPermission(p) {
			return apperr.Newf(apperr.ErrValidation, "Unknown permission %q", p)
		}
	}

	if err := s.store.UpsertMembership(&store.Membership{
		UserID: userID, TeamID: teamID, Permissions: body.Permissions,
	}); err != nil {
		return err
	}
	s.hub.SendToUser(userID, events.EventUserTeamsUpdated, map[string]any{"teamId": teamID})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) error {
	if err := requireAdmin(r); err != nil {
		return err
	}
	teamID := r.PathValue("id")
	userID := r.PathValue("userId")
	if err := s.store.DeleteMembership(userID, teamID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Member")
		}
		return err
	}
	s.hub.SendToUser(userID, events.EventUserTeamsUpdated, map[string]any{"teamId": teamID})
	s.hub.RefreshInitDataForUser(userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}
