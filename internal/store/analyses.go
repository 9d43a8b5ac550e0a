package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Analysis is one indexed user script. Runtime status (running/stopped/error,
// pid) lives in the supervisor; the store tracks identity, ownership and the
// operator's intent so it survives restarts.
type Analysis struct {
	ID             string
	Name           string
	TeamID         *string
	FileName       string
	Enabled        bool
	IntendedState  string // "running" or "stopped"
	CurrentVersion int
	CreatedAt      string
	UpdatedAt      string
}

// EffectiveTeamID returns the analysis's team, defaulting to the reserved
// uncategorized team when none is set.
func (a *Analysis) EffectiveTeamID() string {
	if a.TeamID == nil || *a.TeamID == "" {
		return UncategorizedTeamID
	}
	return *a.TeamID
}

// AnalysisVersion is one retained source snapshot.
type AnalysisVersion struct {
	AnalysisID string
	Version    int
	FileName   string
	CreatedAt  string
}

// InsertAnalysis indexes a new analysis.
func (s *Store) InsertAnalysis(a *Analysis) error {
	_, err := s.conn.Exec(
		`INSERT INTO analyses (id, name, team_id, file_name, enabled, intended_state, current_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.TeamID, a.FileName, a.Enabled, a.IntendedState, a.CurrentVersion,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the analysis by ID, or nil if absent.
func (s *Store) GetAnalysis(id string) (*Analysis, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, team_id, file_name, enabled, intended_state, current_version, created_at, updated_at
		 FROM analyses WHERE id = ?`, id)
	return scanAnalysis(row)
}

func scanAnalysis(row *sql.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.Name, &a.TeamID, &a.FileName, &a.Enabled,
		&a.IntendedState, &a.CurrentVersion, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	return &a, nil
}

// ListAnalyses returns every indexed analysis ordered by name.
func (s *Store) ListAnalyses() ([]Analysis, error) {
	rows, err := s.conn.Query(
		`SELECT id, name, team_id, file_name, enabled, intended_state, current_version, created_at, updated_at
		 FROM analyses ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanAnalyses(rows)
}

// ListAnalysesForTeams returns analyses belonging to any of the given teams.
func (s *Store) ListAnalysesForTeams(teamIDs []string) ([]Analysis, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, team_id, file_name, enabled, intended_state, current_version, created_at, updated_at
		 FROM analyses WHERE COALESCE(team_id, 'uncategorized') IN (`
	args := make([]any, len(teamIDs))
	for i, id := range teamIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += `) ORDER BY name`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list team analyses: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanAnalyses(rows)
}

func scanAnalyses(rows *sql.Rows) ([]Analysis, error) {
	var out []Analysis
	for rows.Next() {
		var a Analysis
		if err := rows.Scan(&a.ID, &a.Name, &a.TeamID, &a.FileName, &a.Enabled,
			&a.IntendedState, &a.CurrentVersion, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RenameAnalysis updates an analysis's display name.
func (s *Store) RenameAnalysis(id, name string) error {
	return s.updateAnalysis(id, `UPDATE analyses SET name = ?, updated_at = ? WHERE id = ?`, name)
}

// SetAnalysisTeam moves an analysis to a team (nil for uncategorized).
func (s *Store) SetAnalysisTeam(id string, teamID *string) error {
	return s.updateAnalysis(id, `UPDATE analyses SET team_id = ?, updated_at = ? WHERE id = ?`, teamID)
}

// SetAnalysisIntendedState persists the operator's most recent wish.
func (s *Store) SetAnalysisIntendedState(id, state string, enabled bool) error {
	res, err := s.conn.Exec(
		`UPDATE analyses SET intended_state = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		state, enabled, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetAnalysisVersion records the active version and its source file name.
func (s *Store) SetAnalysisVersion(id string, version int, fileName string) error {
	res, err := s.conn.Exec(
		`UPDATE analyses SET current_version = ?, file_name = ?, updated_at = ? WHERE id = ?`,
		version, fileName, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis version: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) updateAnalysis(id, query string, arg any) error {
	res, err := s.conn.Exec(query, arg, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteAnalysis removes the index entry; versions cascade. File cleanup is
// the supervisor's job.
func (s *Store) DeleteAnalysis(id string) error {
	res, err := s.conn.Exec(`DELETE FROM analyses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertAnalysisVersion records a retained snapshot.
func (s *Store) InsertAnalysisVersion(v *AnalysisVersion) error {
	_, err := s.conn.Exec(
		`INSERT INTO analysis_versions (analysis_id, version, file_name) VALUES (?, ?, ?)`,
		v.AnalysisID, v.Version, v.FileName,
	)
	if err != nil {
		return fmt.Errorf("insert analysis version: %w", err)
	}
	return nil
}

// ListAnalysisVersions returns snapshots newest first.
func (s *Store) ListAnalysisVersions(analysisID string) ([]AnalysisVersion, error) {
	rows, err := s.conn.Query(
		`SELECT analysis_id, version, file_name, created_at
		 FROM analysis_versions WHERE analysis_id = ? ORDER BY version DESC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []AnalysisVersion
	for rows.Next() {
		var v AnalysisVersion
		if err := rows.Scan(&v.AnalysisID, &v.Version, &v.FileName, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetAnalysisVersion returns one snapshot record, or nil.
func (s *Store) GetAnalysisVersion(analysisID string, version int) (*AnalysisVersion, error) {
	row := s.conn.QueryRow(
		`SELECT analysis_id, version, file_name, created_at
		 FROM analysis_versions WHERE analysis_id = ? AND version = ?`, analysisID, version)
	var v AnalysisVersion
	err := row.Scan(&v.AnalysisID, &v.Version, &v.FileName, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
