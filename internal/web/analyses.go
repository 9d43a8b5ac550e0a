package web

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scriptops/scriptops/internal/analysis"
	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/events"
	"github.com/scriptops/scriptops/internal/safepath"
	"github.com/scriptops/scriptops/internal/store"
)

const maxUploadBytes = 5 << 20

// analysisView is the JSON shape for one analysis merged with its runtime
// status. Analyses with no live supervisor report stopped.
type analysisView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TeamID         string `json:"teamId"`
	FileName       string `json:"fileName"`
	Enabled        bool   `json:"enabled"`
	Status         string `json:"status"`
	IntendedState  string `json:"intendedState"`
	PID            int    `json:"pid,omitempty"`
	CurrentVersion int    `json:"currentVersion"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

func (s *Server) analysisView(a *store.Analysis, statuses map[string]analysis.Status) analysisView {
	v := analysisView{
		ID:             a.ID,
		Name:           a.Name,
		TeamID:         a.EffectiveTeamID(),
		FileName:       a.FileName,
		Enabled:        a.Enabled,
		Status:         string(analysis.StateStopped),
		IntendedState:  a.IntendedState,
		CurrentVersion: a.CurrentVersion,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if st, ok := statuses[a.ID]; ok {
		v.Status = string(st.State)
		v.IntendedState = st.IntendedState
		v.Enabled = st.Enabled
		v.PID = st.PID
	}
	return v
}

// visibleAnalyses lists the analyses on teams where the caller holds p.
func (s *Server) visibleAnalyses(user *store.User, p store.Permission) ([]analysisView, error) {
	teamIDs := s.perm.UserTeamIDs(user, p)
	analyses, err := s.store.ListAnalysesForTeams(teamIDs)
	if err != nil {
		return nil, err
	}
	statuses := s.manager.Statuses()
	views := make([]analysisView, len(analyses))
	for i := range analyses {
		views[i] = s.analysisView(&analyses[i], statuses)
	}
	return views, nil
}

// initSnapshot builds the per-user payload for the SSE init event.
func (s *Server) initSnapshot(userID string) (any, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("User")
	}
	views, err := s.visibleAnalyses(user, store.PermView)
	if err != nil {
		return nil, err
	}
	teams, err := s.visibleTeams(user)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user":     userView(user),
		"analyses": views,
		"teams":    teams,
	}, nil
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) error {
	views, err := s.visibleAnalyses(userFrom(r), store.PermView)
	if err != nil {
		return err
	}
	if views == nil {
		views = []analysisView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": views})
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "Invalid upload", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return apperr.New(apperr.ErrValidation, "Missing file")
	}
	defer file.Close() //nolint:errcheck

	if !safepath.IsValidFilename(header.Filename) {
		return apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}

	teamID := r.FormValue("teamId")
	if teamID == "" {
		teamID = store.UncategorizedTeamID
	}
	if team, err := s.store.GetTeam(teamID); err != nil {
		return err
	} else if team == nil {
		return apperr.NotFound("Team")
	}
	if err := s.requireTeamPerm(r, teamID, store.PermUpload); err != nil {
		return err
	}

	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(header.Filename, "."+extOf(header.Filename))
	}
	existing, err := s.store.ListAnalysesForTeams([]string{teamID})
	if err != nil {
		return err
	}
	for _, a := range existing {
		if strings.EqualFold(a.Name, name) {
			return apperr.New(apperr.ErrConflict, "Analysis already exists")
		}
	}

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return err
	}
	if len(content) > maxUploadBytes {
		return apperr.New(apperr.ErrValidation, "File too large")
	}

	id := uuid.NewString()
	storage := s.manager.Storage()
	if err := storage.WriteSource(id, header.Filename, content); err != nil {
		return err
	}
	if err := storage.SnapshotVersion(id, header.Filename, 1); err != nil {
		return err
	}

	a := &store.Analysis{
		ID:             id,
		Name:           name,
		TeamID:         &teamID,
		FileName:       header.Filename,
		Enabled:        true,
		IntendedState:  analysis.IntendedStopped,
		CurrentVersion: 1,
	}
	if err := s.store.InsertAnalysis(a); err != nil {
		return err
	}
	if err := s.store.InsertAnalysisVersion(&store.AnalysisVersion{
		AnalysisID: id, Version: 1, FileName: header.Filename,
	}); err != nil {
		return err
	}
	if err := s.store.AddTreeItem(teamID, store.TreeItem{Type: "analysis", ID: id}); err != nil {
		return err
	}

	s.hub.BroadcastToUsers(
		s.perm.UsersWithTeamAccess(teamID, store.PermView),
		events.EventAnalysisCreated,
		map[string]any{"analysisId": id, "name": name, "teamId": teamID},
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
	return nil
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermView)
	if err != nil {
		return err
	}
	content, err := s.manager.Storage().ReadSource(a.ID, a.FileName)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fileName": a.FileName,
		"content":  string(content),
	})
	return nil
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
		return err
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}

	storage := s.manager.Storage()
	version := a.CurrentVersion + 1
	if err := storage.WriteSource(a.ID, a.FileName, []byte(body.Content)); err != nil {
		return err
	}
	if err := storage.SnapshotVersion(a.ID, a.FileName, version); err != nil {
		return err
	}
	if err := s.store.SetAnalysisVersion(a.ID, version, a.FileName); err != nil {
		return err
	}
	if err := s.store.InsertAnalysisVersion(&store.AnalysisVersion{
		AnalysisID: a.ID, Version: version, FileName: a.FileName,
	}); err != nil {
		return err
	}

	restarted, err := s.restartIfRunning(r, a.ID)
	if err != nil {
		return err
	}
	s.hub.Broadcast(events.EventAnalysisUpdated, a.ID, map[string]any{
		"version": version, "restarted": restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
	return nil
}

// restartIfRunning recycles a live analysis so the child picks up changed
// source or environment, reporting whether it did.
func (s *Server) restartIfRunning(r *http.Request, id string) (bool, error) {
	if !s.manager.IsRunning(id) {
		return false, nil
	}
	if err := s.manager.Restart(r.Context(), id); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
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
		return apperr.Validation("Invalid analysis name")
	}

	if err := s.store.RenameAnalysis(a.ID, body.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Analysis")
		}
		return err
	}
	restarted, err := s.restartIfRunning(r, a.ID)
	if err != nil {
		return err
	}
	s.hub.Broadcast(events.EventAnalysisRenamed, a.ID, map[string]any{
		"name": body.Name, "restarted": restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
	return nil
}

func (s *Server) handleMoveToTeam(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
		return err
	}
	var body struct {
		TeamID string `json:"teamId"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	if body.TeamID == "" {
		body.TeamID = store.UncategorizedTeamID
	}
	if team, err := s.store.GetTeam(body.TeamID); err != nil {
		return err
	} else if team == nil {
		return apperr.NotFound("Team")
	}
	if err := s.requireTeamPerm(r, body.TeamID, store.PermEdit); err != nil {
		return err
	}

	oldTeam := a.EffectiveTeamID()
	if err := s.store.SetAnalysisTeam(a.ID, &body.TeamID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Analysis")
		}
		return err
	}
	if err := s.store.RemoveTreeItem(oldTeam, a.ID); err != nil {
		return err
	}
	if err := s.store.AddTreeItem(body.TeamID, store.TreeItem{Type: "analysis", ID: a.ID}); err != nil {
		return err
	}

	audience := append(
		s.perm.UsersWithTeamAccess(oldTeam, store.PermView),
		s.perm.UsersWithTeamAccess(body.TeamID, store.PermView)...,
	)
	s.hub.BroadcastToUsers(audience, events.EventAnalysisMovedToTeam, map[string]any{
		"analysisId": a.ID, "teamId": body.TeamID,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermDelete)
	if err != nil {
		return err
	}
	if err := s.manager.Delete(a.ID); err != nil {
		return err
	}
	if err := s.store.DeleteAnalysis(a.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := s.store.RemoveTreeItem(a.EffectiveTeamID(), a.ID); err != nil {
		return err
	}
	s.hub.BroadcastToUsers(
		s.perm.UsersWithTeamAccess(a.EffectiveTeamID(), store.PermView),
		events.EventAnalysisDeleted,
		map[string]any{"analysisId": a.ID},
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermRun)
	if err != nil {
		return err
	}
	if err := s.manager.Start(r.Context(), a.ID); err != nil {
		return err
	}
	st, err := s.manager.Status(a.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
	return nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermRun)
	if err != nil {
		return err
	}
	if err := s.manager.Stop(r.Context(), a.ID); err != nil {
		return err
	}
	st, err := s.manager.Status(a.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": st})
	return nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermView)
	if err != nil {
		return err
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 100)
	if page < 1 || limit < 1 || limit > 1000 {
		return apperr.Validation("Invalid page or limit")
	}
	logs, hasMore, total, err := s.manager.MemoryLogs(a.ID, page, limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []analysis.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": logs, "hasMore": hasMore, "totalCount": total,
	})
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// timeRangeStart maps the download range keyword to its lower bound. The zero
// time means unbounded.
func timeRangeStart(now time.Time, timeRange string) (time.Time, error) {
	switch timeRange {
	case "", "all":
		return time.Time{}, nil
	case "1h":
		return now.Add(-time.Hour), nil
	case "24h":
		return now.Add(-24 * time.Hour), nil
	case "7d":
		return now.Add(-7 * 24 * time.Hour), nil
	case "30d":
		return now.Add(-30 * 24 * time.Hour), nil
	}
	return time.Time{}, apperr.Validation("Invalid time range")
}

func (s *Server) handleDownloadLogs(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermDownload)
	if err != nil {
		return err
	}
	from, err := timeRangeStart(time.Now(), r.URL.Query().Get("timeRange"))
	if err != nil {
		return err
	}
	sup, err := s.manager.Supervisor(a.ID)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", a.Name+"-logs.ndjson"))
	return sup.DownloadLogs(w, from, time.Time{})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
		return err
	}
	var body struct {
		ClearMessage string `json:"clearMessage"`
	}
	// The body is optional on DELETE.
	_ = readJSON(r, &body)
	if err := s.manager.ClearLogs(a.ID, body.ClearMessage); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermView)
	if err != nil {
		return err
	}
	versions, err := s.store.ListAnalysisVersions(a.ID)
	if err != nil {
		return err
	}
	type versionView struct {
		Version   int    `json:"version"`
		FileName  string `json:"fileName"`
		CreatedAt string `json:"createdAt"`
		Current   bool   `json:"current"`
	}
	views := make([]versionView, len(versions))
	for i, v := range versions {
		views[i] = versionView{
			Version:   v.Version,
			FileName:  v.FileName,
			CreatedAt: v.CreatedAt,
			Current:   v.Version == a.CurrentVersion,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": views})
	return nil
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
		return err
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	v, err := s.store.GetAnalysisVersion(a.ID, body.Version)
	if err != nil {
		return err
	}
	if v == nil {
		return apperr.NotFound("Version")
	}

	if err := s.manager.Storage().RestoreVersion(a.ID, v.Version, v.FileName); err != nil {
		return err
	}
	if err := s.store.SetAnalysisVersion(a.ID, v.Version, v.FileName); err != nil {
		return err
	}
	s.manager.SetFileName(a.ID, v.FileName)

	restarted, err := s.restartIfRunning(r, a.ID)
	if err != nil {
		return err
	}
	s.hub.Broadcast(events.EventAnalysisRolledBack, a.ID, map[string]any{
		"version": v.Version, "restarted": restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
	return nil
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermView)
	if err != nil {
		return err
	}
	path, err := s.manager.Storage().EnvPath(a.ID)
	if err != nil {
		return err
	}
	env, err := analysis.LoadEnvFile(path)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": env})
	return nil
}

func (s *Server) handlePutEnvironment(w http.ResponseWriter, r *http.Request) error {
	a, err := s.requireAnalysis(r, r.PathValue("id"), store.PermEdit)
	if err != nil {
		return err
	}
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	path, err := s.manager.Storage().EnvPath(a.ID)
	if err != nil {
		return err
	}
	if err := analysis.SaveEnvFile(path, body.Env); err != nil {
		return err
	}
	restarted, err := s.restartIfRunning(r, a.ID)
	if err != nil {
		return err
	}
	s.hub.Broadcast(events.EventAnalysisEnvUpdated, a.ID, map[string]any{
		"restarted": restarted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restarted": restarted})
	return nil
}

// handleSubscribe adds the analyses the caller may view to a session's
// subscription set. IDs the caller cannot see are silently skipped.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		SessionID   string   `json:"sessionId"`
		AnalysisIDs []string `json:"analysisIds"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	user := userFrom(r)
	var allowed []string
	for _, id := range body.AnalysisIDs {
		a, err := s.store.GetAnalysis(id)
		if err != nil {
			return err
		}
		if a == nil {
			continue
		}
		if s.perm.HasPermission(user, a.EffectiveTeamID(), store.PermView) {
			allowed = append(allowed, id)
		}
	}
	s.hub.Subscribe(body.SessionID, allowed)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "subscribed": len(allowed)})
	return nil
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		SessionID   string   `json:"sessionId"`
		AnalysisIDs []string `json:"analysisIds"`
	}
	if err := readJSON(r, &body); err != nil {
		return err
	}
	s.hub.Unsubscribe(body.SessionID, body.AnalysisIDs)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}
