package store

import (
	"database/sql"
	"fmt"
)

// Team is a unit of permission scoping.
type Team struct {
	ID         string
	Name       string
	Color      string
	OrderIndex int
}

// InsertTeam creates a team.
func (s *Store) InsertTeam(t *Team) error {
	_, err := s.conn.Exec(
		`INSERT INTO teams (id, name, color, order_index) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Color, t.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

// GetTeam returns the team by ID, or nil if absent.
func (s *Store) GetTeam(id string) (*Team, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, color, order_index FROM teams WHERE id = ?`, id)
	var t Team
	err := row.Scan(&t.ID, &t.Name, &t.Color, &t.OrderIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	return &t, nil
}

// GetTeamByName returns the team with the given name, or nil.
func (s *Store) GetTeamByName(name string) (*Team, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, color, order_index FROM teams WHERE name = ?`, name)
	var t Team
	err := row.Scan(&t.ID, &t.Name, &t.Color, &t.OrderIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	return &t, nil
}

// ListTeams returns all teams ordered by order_index then name.
func (s *Store) ListTeams() ([]Team, error) {
	rows, err := s.conn.Query(
		`SELECT id, name, color, order_index FROM teams ORDER BY order_index, name`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.OrderIndex); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// UpdateTeam changes a team's name, color and ordering.
func (s *Store) UpdateTeam(t *Team) error {
	res, err := s.conn.Exec(
		`UPDATE teams SET name = ?, color = ?, order_index = ? WHERE id = ?`,
		t.Name, t.Color, t.OrderIndex, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTeam removes a team and reassigns its analyses to the reserved
// uncategorized team in the same transaction. It returns the IDs of the
// moved analyses so the caller can broadcast the change.
func (s *Store) DeleteTeam(id string) (moved []string, err error) {
	if id == UncategorizedTeamID {
		return nil, fmt.Errorf("the %s team cannot be deleted", UncategorizedTeamID)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin delete team: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.Query(`SELECT id FROM analyses WHERE team_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("list team analyses: %w", err)
	}
	for rows.Next() {
		var aid string
		if err = rows.Scan(&aid); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan analysis id: %w", err)
		}
		moved = append(moved, aid)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err = tx.Exec(
		`UPDATE analyses SET team_id = ? WHERE team_id = ?`, UncategorizedTeamID, id); err != nil {
		return nil, fmt.Errorf("reassign analyses: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM teams WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete team: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		err = sql.ErrNoRows
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete team: %w", err)
	}
	return moved, nil
}
