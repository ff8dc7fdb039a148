package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

// CreateRegexGrant creates a pattern grant for a user. The pattern is
// compiled up front so malformed patterns never reach the resolver.
func (s *Store) CreateRegexGrant(ctx context.Context, grant *RegexGrant) error {
	if !permissions.IsValid(grant.Permission) {
		return fmt.Errorf("invalid permission: %s", grant.Permission)
	}
	if _, err := regexp.Compile(grant.Pattern); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	query := `
		INSERT INTO regex_grants (resource_kind, pattern, priority, username, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		string(grant.ResourceKind),
		grant.Pattern,
		grant.Priority,
		grant.Username,
		grant.Permission,
		now,
		now,
	).Scan(&grant.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("regex grant %s/%s/%s: %w", grant.ResourceKind, grant.Pattern, grant.Username, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create regex grant: %w", err)
	}

	grant.CreatedAt = now
	grant.UpdatedAt = now
	return nil
}

// UpdateRegexGrant updates the priority and permission of a pattern grant.
func (s *Store) UpdateRegexGrant(ctx context.Context, id int64, priority int, permission string) error {
	if !permissions.IsValid(permission) {
		return fmt.Errorf("invalid permission: %s", permission)
	}

	query := `UPDATE regex_grants SET priority = $1, permission = $2, updated_at = $3 WHERE id = $4`

	res, err := s.db.ExecContext(ctx, query, priority, permission, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update regex grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update regex grant: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("regex grant %d: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteRegexGrant removes a pattern grant by id.
func (s *Store) DeleteRegexGrant(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regex_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete regex grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete regex grant: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("regex grant %d: %w", id, ErrNotFound)
	}

	return nil
}

// ListRegexGrantsForUser lists a user's pattern grants of one kind in
// evaluation order: ascending priority, then ascending id.
func (s *Store) ListRegexGrantsForUser(ctx context.Context, kind permissions.ResourceKind, username string) ([]RegexGrant, error) {
	query := `
		SELECT id, resource_kind, pattern, priority, username, permission, created_at, updated_at
		FROM regex_grants
		WHERE resource_kind = $1 AND username = $2
		ORDER BY priority ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(kind), username)
	if err != nil {
		return nil, fmt.Errorf("failed to list regex grants: %w", err)
	}
	defer rows.Close()

	var grants []RegexGrant
	for rows.Next() {
		var g RegexGrant
		err := rows.Scan(
			&g.ID,
			&g.ResourceKind,
			&g.Pattern,
			&g.Priority,
			&g.Username,
			&g.Permission,
			&g.CreatedAt,
			&g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan regex grant: %w", err)
		}
		grants = append(grants, g)
	}

	return grants, rows.Err()
}

// CreateGroupRegexGrant creates a pattern grant for a group.
func (s *Store) CreateGroupRegexGrant(ctx context.Context, grant *GroupRegexGrant) error {
	if !permissions.IsValid(grant.Permission) {
		return fmt.Errorf("invalid permission: %s", grant.Permission)
	}
	if _, err := regexp.Compile(grant.Pattern); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	group, err := s.GetGroup(ctx, grant.GroupName)
	if err != nil {
		return err
	}
	grant.GroupID = group.ID

	query := `
		INSERT INTO group_regex_grants (resource_kind, pattern, priority, group_id, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, query,
		string(grant.ResourceKind),
		grant.Pattern,
		grant.Priority,
		grant.GroupID,
		grant.Permission,
		now,
		now,
	).Scan(&grant.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("group regex grant %s/%s/%s: %w", grant.ResourceKind, grant.Pattern, grant.GroupName, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create group regex grant: %w", err)
	}

	grant.CreatedAt = now
	grant.UpdatedAt = now
	return nil
}

// DeleteGroupRegexGrant removes a group pattern grant by id.
func (s *Store) DeleteGroupRegexGrant(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_regex_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group regex grant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete group regex grant: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("group regex grant %d: %w", id, ErrNotFound)
	}

	return nil
}

// ListGroupRegexGrantsForUser lists group pattern grants of one kind that
// apply to a user through their memberships, in evaluation order.
func (s *Store) ListGroupRegexGrantsForUser(ctx context.Context, kind permissions.ResourceKind, username string) ([]GroupRegexGrant, error) {
	query := `
		SELECT grg.id, grg.resource_kind, grg.pattern, grg.priority, grg.group_id, g.name, grg.permission, grg.created_at, grg.updated_at
		FROM group_regex_grants grg
		JOIN groups g ON g.id = grg.group_id
		JOIN user_groups ug ON ug.group_id = g.id
		JOIN users u ON u.id = ug.user_id
		WHERE grg.resource_kind = $1 AND u.username = $2
		ORDER BY grg.priority ASC, grg.id ASC
	`

	return s.scanGroupRegexGrants(ctx, query, string(kind), username)
}

// ListGroupRegexGrantsForGroup lists a group's pattern grants of one kind.
func (s *Store) ListGroupRegexGrantsForGroup(ctx context.Context, kind permissions.ResourceKind, groupName string) ([]GroupRegexGrant, error) {
	query := `
		SELECT grg.id, grg.resource_kind, grg.pattern, grg.priority, grg.group_id, g.name, grg.permission, grg.created_at, grg.updated_at
		FROM group_regex_grants grg
		JOIN groups g ON g.id = grg.group_id
		WHERE grg.resource_kind = $1 AND g.name = $2
		ORDER BY grg.priority ASC, grg.id ASC
	`

	return s.scanGroupRegexGrants(ctx, query, string(kind), groupName)
}

func (s *Store) scanGroupRegexGrants(ctx context.Context, query string, args ...interface{}) ([]GroupRegexGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group regex grants: %w", err)
	}
	defer rows.Close()

	var grants []GroupRegexGrant
	for rows.Next() {
		var g GroupRegexGrant
		err := rows.Scan(
			&g.ID,
			&g.ResourceKind,
			&g.Pattern,
			&g.Priority,
			&g.GroupID,
			&g.GroupName,
			&g.Permission,
			&g.CreatedAt,
			&g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group regex grant: %w", err)
		}
		grants = append(grants, g)
	}

	return grants, rows.Err()
}
