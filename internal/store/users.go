package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// User is an account known to the orchestrator. Role is "admin" or "user";
// admins bypass team permission checks.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      string
	CreatedAt string
}

// IsAdmin reports whether the user holds the global admin role.
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// AuthSession is one issued session token. The authentication provider is
// external; the store only maps tokens to users with an expiry.
type AuthSession struct {
	Token     string
	UserID    string
	ExpiresAt string
}

// Membership ties a user to a team with a set of permissions.
type Membership struct {
	UserID      string
	TeamID      string
	Permissions []Permission
}

// InsertUser creates a user record.
func (s *Store) InsertUser(u *User) error {
	_, err := s.conn.Exec(
		`INSERT INTO users (id, name, email, role) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Role,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user by ID, or nil if absent.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail returns the user with the given email, or nil.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.conn.QueryRow(
		`SELECT id, name, email, role, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.conn.Query(
		`SELECT id, name, email, role, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserRole changes a user's global role.
func (s *Store) UpdateUserRole(id, role string) error {
	res, err := s.conn.Exec(`UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteUser removes a user; sessions and memberships cascade.
func (s *Store) DeleteUser(id string) error {
	res, err := s.conn.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertAuthSession records a session token.
func (s *Store) InsertAuthSession(sess *AuthSession) error {
	_, err := s.conn.Exec(
		`INSERT INTO auth_sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
		sess.Token, sess.UserID, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert auth session: %w", err)
	}
	return nil
}

// UserForSession resolves a session token to its user. Expired or unknown
// tokens return nil.
func (s *Store) UserForSession(token string) (*User, error) {
	row := s.conn.QueryRow(
		`SELECT u.id, u.name, u.email, u.role, u.created_at
		 FROM auth_sessions a JOIN users u ON u.id = a.user_id
		 WHERE a.token = ? AND a.expires_at > ?`,
		token, time.Now().UTC().Format(time.RFC3339),
	)
	return scanUser(row)
}

// DeleteAuthSessionsForUser revokes every session the user holds, used on
// force-logout and role changes.
func (s *Store) DeleteAuthSessionsForUser(userID string) error {
	_, err := s.conn.Exec(`DELETE FROM auth_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete auth sessions: %w", err)
	}
	return nil
}

// UpsertMembership creates or replaces a membership and its permission set.
func (s *Store) UpsertMembership(m *Membership) error {
	perms, err := json.Marshal(m.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO memberships (user_id, team_id, permissions) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, team_id) DO UPDATE SET permissions = excluded.permissions`,
		m.UserID, m.TeamID, string(perms),
	)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// GetMembership returns the membership for (userID, teamID), or nil.
func (s *Store) GetMembership(userID, teamID string) (*Membership, error) {
	row := s.conn.QueryRow(
		`SELECT user_id, team_id, permissions FROM memberships
		 WHERE user_id = ? AND team_id = ?`, userID, teamID)
	var m Membership
	var perms string
	err := row.Scan(&m.UserID, &m.TeamID, &perms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan membership: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &m.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return &m, nil
}

// ListMembershipsForUser returns every membership a user holds.
func (s *Store) ListMembershipsForUser(userID string) ([]Membership, error) {
	rows, err := s.conn.Query(
		`SELECT user_id, team_id, permissions FROM memberships WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanMemberships(rows)
}

// ListMembershipsForTeam returns every membership on a team.
func (s *Store) ListMembershipsForTeam(teamID string) ([]Membership, error) {
	rows, err := s.conn.Query(
		`SELECT user_id, team_id, permissions FROM memberships WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team memberships: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanMemberships(rows)
}

func scanMemberships(rows *sql.Rows) ([]Membership, error) {
	var out []Membership
	for rows.Next() {
		var m Membership
		var perms string
		if err := rows.Scan(&m.UserID, &m.TeamID, &perms); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if err := json.Unmarshal([]byte(perms), &m.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMembership removes a user from a team. Returns sql.ErrNoRows if the
// membership did not exist ("Member not found" at the HTTP layer).
func (s *Store) DeleteMembership(userID, teamID string) error {
	res, err := s.conn.Exec(
		`DELETE FROM memberships WHERE user_id = ? AND team_id = ?`, userID, teamID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdminUserIDs returns the IDs of all users with the admin role, used by the
// fan-out's admin addressing.
func (s *Store) AdminUserIDs() ([]string, error) {
	rows, err := s.conn.Query(`SELECT id FROM users WHERE role = 'admin'`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
