package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

// UpsertGrant creates or updates a direct user grant on a resource.
func (s *Store) UpsertGrant(ctx context.Context, kind permissions.ResourceKind, resourceID, username, permission string) error {
	if !permissions.IsValid(permission) {
		return fmt.Errorf("invalid permission: %s", permission)
	}

	query := `
		INSERT INTO grants (resource_kind, resource_id, username, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_kind, resource_id, username)
		DO UPDATE SET permission = EXCLUDED.permission, updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, string(kind), resourceID, username, permission, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}

	return nil
}

// GetGrant retrieves a direct user grant on a resource.
func (s *Store) GetGrant(ctx context.Context, kind permissions.ResourceKind, resourceID, username string) (*Grant, error) {
	query := `
		SELECT id, resource_kind, resource_id, username, permission, created_at, updated_at
		FROM grants
		WHERE resource_kind = $1 AND resource_id = $2 AND username = $3
	`

	var g Grant
	err := s.db.QueryRowContext(ctx, query, string(kind), resourceID, username).Scan(
		&g.ID,
		&g.ResourceKind,
		&g.ResourceID,
		&g.Username,
		&g.Permission,
		&g.CreatedAt,
		&g.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("grant %s/%s/%s: %w", kind, resourceID, username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	return &g, nil
}

// DeleteGrant removes a direct user grant.
func (s *Store) DeleteGrant(ctx context.Context, kind permissions.ResourceKind, resourceID, username string) error {
	query := `DELETE FROM grants WHERE resource_kind = $1 AND resource_id = $2 AND username = $3`

	res, err := s.db.ExecContext(ctx, query, string(kind), resourceID, username)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("grant %s/%s/%s: %w", kind, resourceID, username, ErrNotFound)
	}

	return nil
}

// ListGrantsForResource lists direct grants on one resource.
func (s *Store) ListGrantsForResource(ctx context.Context, kind permissions.ResourceKind, resourceID string) ([]Grant, error) {
	query := `
		SELECT id, resource_kind, resource_id, username, permission, created_at, updated_at
		FROM grants
		WHERE resource_kind = $1 AND resource_id = $2
		ORDER BY username ASC
	`

	return s.scanGrants(ctx, query, string(kind), resourceID)
}

// ListGrantsForUser lists a user's direct grants of one kind.
func (s *Store) ListGrantsForUser(ctx context.Context, kind permissions.ResourceKind, username string) ([]Grant, error) {
	query := `
		SELECT id, resource_kind, resource_id, username, permission, created_at, updated_at
		FROM grants
		WHERE resource_kind = $1 AND username = $2
		ORDER BY resource_id ASC
	`

	return s.scanGrants(ctx, query, string(kind), username)
}

func (s *Store) scanGrants(ctx context.Context, query string, args ...interface{}) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		err := rows.Scan(
			&g.ID,
			&g.ResourceKind,
			&g.ResourceID,
			&g.Username,
			&g.Permission,
			&g.CreatedAt,
			&g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}

	return grants, rows.Err()
}

// UpsertGroupGrant creates or updates a group grant on a resource.
func (s *Store) UpsertGroupGrant(ctx context.Context, kind permissions.ResourceKind, resourceID, groupName, permission string) error {
	if !permissions.IsValid(permission) {
		return fmt.Errorf("invalid permission: %s", permission)
	}

	group, err := s.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO group_grants (resource_kind, resource_id, group_id, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_kind, resource_id, group_id)
		DO UPDATE SET permission = EXCLUDED.permission, updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query, string(kind), resourceID, group.ID, permission, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert group grant: %w", err)
	}

	return nil
}

// DeleteGroupGrant removes a group grant.
func (s *Store) DeleteGroupGrant(ctx context.Context, kind permissions.ResourceKind, resourceID, groupName string) error {
	query := `
		DELETE FROM group_grants
		WHERE resource_kind = $1 AND resource_id = $2
		  AND group_id = (SELECT id FROM groups WHERE name = $3)
	`

	res, err := s.db.ExecContext(ctx, query, string(kind), resourceID, groupName)
	if err != nil {
		return fmt.Errorf("failed to delete group grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete group grant: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("group grant %s/%s/%s: %w", kind, resourceID, groupName, ErrNotFound)
	}

	return nil
}

// ListGroupGrantsForResource lists group grants on one resource.
func (s *Store) ListGroupGrantsForResource(ctx context.Context, kind permissions.ResourceKind, resourceID string) ([]GroupGrant, error) {
	query := `
		SELECT gg.id, gg.resource_kind, gg.resource_id, gg.group_id, g.name, gg.permission, gg.created_at, gg.updated_at
		FROM group_grants gg
		JOIN groups g ON g.id = gg.group_id
		WHERE gg.resource_kind = $1 AND gg.resource_id = $2
		ORDER BY g.name ASC
	`

	return s.scanGroupGrants(ctx, query, string(kind), resourceID)
}

// ListGroupGrantsForUser lists group grants of one kind that apply to a
// user through their memberships.
func (s *Store) ListGroupGrantsForUser(ctx context.Context, kind permissions.ResourceKind, resourceID, username string) ([]GroupGrant, error) {
	query := `
		SELECT gg.id, gg.resource_kind, gg.resource_id, gg.group_id, g.name, gg.permission, gg.created_at, gg.updated_at
		FROM group_grants gg
		JOIN groups g ON g.id = gg.group_id
		JOIN user_groups ug ON ug.group_id = g.id
		JOIN users u ON u.id = ug.user_id
		WHERE gg.resource_kind = $1 AND gg.resource_id = $2 AND u.username = $3
		ORDER BY g.name ASC
	`

	return s.scanGroupGrants(ctx, query, string(kind), resourceID, username)
}

// ListGroupGrantsForGroup lists grants of one kind held by a group.
func (s *Store) ListGroupGrantsForGroup(ctx context.Context, kind permissions.ResourceKind, groupName string) ([]GroupGrant, error) {
	query := `
		SELECT gg.id, gg.resource_kind, gg.resource_id, gg.group_id, g.name, gg.permission, gg.created_at, gg.updated_at
		FROM group_grants gg
		JOIN groups g ON g.id = gg.group_id
		WHERE gg.resource_kind = $1 AND g.name = $2
		ORDER BY gg.resource_id ASC
	`

	return s.scanGroupGrants(ctx, query, string(kind), groupName)
}

func (s *Store) scanGroupGrants(ctx context.Context, query string, args ...interface{}) ([]GroupGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group grants: %w", err)
	}
	defer rows.Close()

	var grants []GroupGrant
	for rows.Next() {
		var g GroupGrant
		err := rows.Scan(
			&g.ID,
			&g.ResourceKind,
			&g.ResourceID,
			&g.GroupID,
			&g.GroupName,
			&g.Permission,
			&g.CreatedAt,
			&g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group grant: %w", err)
		}
		grants = append(grants, g)
	}

	return grants, rows.Err()
}

// WipeResourceGrants removes every user and group grant on a resource.
// Called by delete-cascade hooks after the upstream confirms the delete.
func (s *Store) WipeResourceGrants(ctx context.Context, kind permissions.ResourceKind, resourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM grants WHERE resource_kind = $1 AND resource_id = $2`,
		string(kind), resourceID,
	); err != nil {
		return fmt.Errorf("failed to wipe grants: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_grants WHERE resource_kind = $1 AND resource_id = $2`,
		string(kind), resourceID,
	); err != nil {
		return fmt.Errorf("failed to wipe group grants: %w", err)
	}

	return tx.Commit()
}

// RenameResourceGrants re-keys every user and group grant from the old
// resource id to the new one. Called by rename hooks for name-keyed
// resources. A no-op when no grants reference the old id.
func (s *Store) RenameResourceGrants(ctx context.Context, kind permissions.ResourceKind, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE grants SET resource_id = $1, updated_at = $2
		WHERE resource_kind = $3 AND resource_id = $4
	`, newID, now, string(kind), oldID); err != nil {
		return fmt.Errorf("failed to rename grants: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE group_grants SET resource_id = $1, updated_at = $2
		WHERE resource_kind = $3 AND resource_id = $4
	`, newID, now, string(kind), oldID); err != nil {
		return fmt.Errorf("failed to rename group grants: %w", err)
	}

	return tx.Commit()
}
