package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store handles authorization data persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new store over an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks and pool metrics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open connects to the permission store database and configures the
// connection pool. Driver is "postgres" or "sqlite3"; an empty sqlite URL
// means in-memory.
func Open(driver, url string, maxConns, minConns int) (*sql.DB, error) {
	if driver == "sqlite3" && url == "" {
		url = "file::memory:?cache=shared"
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// isUniqueViolation reports whether the error comes from a uniqueness
// constraint, for either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // lib/pq
		strings.Contains(msg, "UNIQUE constraint failed") // go-sqlite3
}

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, display_name, is_admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		user.Username,
		user.DisplayName,
		user.IsAdmin,
		now,
		now,
	).Scan(&user.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.Username, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by username
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, display_name, is_admin, created_at, updated_at
		FROM users
		WHERE username = $1
	`

	var user User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.IsAdmin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// ListUsers lists all users ordered by username
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	query := `
		SELECT id, username, display_name, is_admin, created_at, updated_at
		FROM users
		ORDER BY username ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.DisplayName,
			&user.IsAdmin,
			&user.CreatedAt,
			&user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// SetUserAdmin updates a user's admin flag
func (s *Store) SetUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	query := `UPDATE users SET is_admin = $1, updated_at = $2 WHERE username = $3`

	res, err := s.db.ExecContext(ctx, query, isAdmin, time.Now().UTC(), username)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}

	return nil
}

// DeleteUser removes a user along with their direct grants, regex grants,
// group memberships and access tokens.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}

	// Memberships cascade via FK; grant tables are keyed by username.
	for _, q := range []string{
		`DELETE FROM grants WHERE username = $1`,
		`DELETE FROM regex_grants WHERE username = $1`,
		`DELETE FROM access_tokens WHERE username = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, username); err != nil {
			return fmt.Errorf("failed to delete user records: %w", err)
		}
	}

	return tx.Commit()
}

// CreateGroup creates a new group
func (s *Store) CreateGroup(ctx context.Context, group *Group) error {
	query := `
		INSERT INTO groups (name, created_at)
		VALUES ($1, $2)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query, group.Name, now).Scan(&group.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("group %s: %w", group.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	group.CreatedAt = now
	return nil
}

// GetGroup retrieves a group by name
func (s *Store) GetGroup(ctx context.Context, name string) (*Group, error) {
	query := `SELECT id, name, created_at FROM groups WHERE name = $1`

	var group Group
	err := s.db.QueryRowContext(ctx, query, name).Scan(&group.ID, &group.Name, &group.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	return &group, nil
}

// EnsureGroup returns the named group, creating it when absent. Used to
// mirror identity provider groups on login.
func (s *Store) EnsureGroup(ctx context.Context, name string) (*Group, error) {
	group, err := s.GetGroup(ctx, name)
	if err == nil {
		return group, nil
	}

	group = &Group{Name: name}
	if err := s.CreateGroup(ctx, group); err != nil {
		// Lost a race with another login; re-read.
		if existing, getErr := s.GetGroup(ctx, name); getErr == nil {
			return existing, nil
		}
		return nil, err
	}

	return group, nil
}

// ListGroups lists all groups ordered by name
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	query := `SELECT id, name, created_at FROM groups ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}

// DeleteGroup removes a group; memberships and group grants cascade.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("group %s: %w", name, ErrNotFound)
	}

	return nil
}

// AddGroupMember adds a user to a group
func (s *Store) AddGroupMember(ctx context.Context, groupName, username string) error {
	query := `
		INSERT INTO user_groups (user_id, group_id)
		SELECT u.id, g.id FROM users u, groups g
		WHERE u.username = $1 AND g.name = $2
	`

	res, err := s.db.ExecContext(ctx, query, username, groupName)
	if isUniqueViolation(err) {
		return fmt.Errorf("membership %s/%s: %w", groupName, username, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user or group: %w", ErrNotFound)
	}

	return nil
}

// RemoveGroupMember removes a user from a group
func (s *Store) RemoveGroupMember(ctx context.Context, groupName, username string) error {
	query := `
		DELETE FROM user_groups
		WHERE user_id = (SELECT id FROM users WHERE username = $1)
		  AND group_id = (SELECT id FROM groups WHERE name = $2)
	`

	res, err := s.db.ExecContext(ctx, query, username, groupName)
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("membership %s/%s: %w", groupName, username, ErrNotFound)
	}

	return nil
}

// ListGroupMembers lists usernames belonging to a group
func (s *Store) ListGroupMembers(ctx context.Context, groupName string) ([]string, error) {
	query := `
		SELECT u.username
		FROM users u
		JOIN user_groups ug ON ug.user_id = u.id
		JOIN groups g ON g.id = ug.group_id
		WHERE g.name = $1
		ORDER BY u.username ASC
	`

	rows, err := s.db.QueryContext(ctx, query, groupName)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, username)
	}

	return members, rows.Err()
}

// ListUserGroups lists group names a user belongs to
func (s *Store) ListUserGroups(ctx context.Context, username string) ([]string, error) {
	query := `
		SELECT g.name
		FROM groups g
		JOIN user_groups ug ON ug.group_id = g.id
		JOIN users u ON u.id = ug.user_id
		WHERE u.username = $1
		ORDER BY g.name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list user groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, name)
	}

	return groups, rows.Err()
}

// SyncUserGroups replaces a user's memberships with the given group
// names, creating missing groups. Used on login to mirror IdP claims.
func (s *Store) SyncUserGroups(ctx context.Context, username string, groupNames []string) error {
	for _, name := range groupNames {
		if _, err := s.EnsureGroup(ctx, name); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM user_groups
		WHERE user_id = (SELECT id FROM users WHERE username = $1)
	`, username)
	if err != nil {
		return fmt.Errorf("failed to clear memberships: %w", err)
	}

	for _, name := range groupNames {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_groups (user_id, group_id)
			SELECT u.id, g.id FROM users u, groups g
			WHERE u.username = $1 AND g.name = $2
		`, username, name)
		if err != nil {
			return fmt.Errorf("failed to add membership: %w", err)
		}
	}

	return tx.Commit()
}
