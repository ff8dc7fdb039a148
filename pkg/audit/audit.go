// Package audit persists a trail of permission-affecting actions: grant
// changes, group membership edits, admin flag flips and token lifecycle
// events. The trail answers "who gave whom access to what, and when".
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Actions recorded in the trail.
const (
	ActionGrantUpsert       = "grant.upsert"
	ActionGrantDelete       = "grant.delete"
	ActionGroupGrantUpsert  = "group_grant.upsert"
	ActionGroupGrantDelete  = "group_grant.delete"
	ActionRegexGrantCreate  = "regex_grant.create"
	ActionRegexGrantUpdate  = "regex_grant.update"
	ActionRegexGrantDelete  = "regex_grant.delete"
	ActionMemberAdd         = "group.member_add"
	ActionMemberRemove      = "group.member_remove"
	ActionAdminChange       = "user.admin_change"
	ActionTokenIssue        = "token.issue"
	ActionTokenRevoke       = "token.revoke"
)

// Event is one recorded action. Actor performed Action; Target names the
// user or group affected, where one exists.
type Event struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	ResourceKind string    `json:"resource_kind,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Target       string    `json:"target,omitempty"`
	Permission   string    `json:"permission,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter narrows a Search. Zero-value fields match everything.
type Filter struct {
	Action       string
	Actor        string
	ResourceKind string
	ResourceID   string
	Target       string
	Limit        int
}

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Trail writes and reads audit events. It shares the permission store's
// database handle so events commit alongside the grants they describe.
type Trail struct {
	db *sql.DB
}

// NewTrail builds a Trail over an open database handle. Migrate must run
// before the first Record.
func NewTrail(db *sql.DB) *Trail {
	return &Trail{db: db}
}

// Migrate creates the audit table if missing. Driver is "postgres" or
// "sqlite3", matching the permission store.
func (t *Trail) Migrate(ctx context.Context, driver string) error {
	id := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	_, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id %s,
			action VARCHAR(64) NOT NULL,
			actor VARCHAR(255) NOT NULL,
			resource_kind VARCHAR(64) NOT NULL DEFAULT '',
			resource_id VARCHAR(500) NOT NULL DEFAULT '',
			target VARCHAR(255) NOT NULL DEFAULT '',
			permission VARCHAR(32) NOT NULL DEFAULT '',
			request_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource_kind, resource_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`, id))
	if err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Record persists one event. CreatedAt is stamped here.
func (t *Trail) Record(ctx context.Context, event Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit event requires an action")
	}
	if event.Actor == "" {
		return fmt.Errorf("audit event requires an actor")
	}

	event.CreatedAt = time.Now().UTC()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO audit_events (action, actor, resource_kind, resource_id, target, permission, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		event.Action,
		event.Actor,
		event.ResourceKind,
		event.ResourceID,
		event.Target,
		event.Permission,
		event.RequestID,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// Search returns events matching the filter, newest first.
func (t *Trail) Search(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, action, actor, resource_kind, resource_id, target, permission, request_id, created_at
		FROM audit_events
		WHERE 1=1
	`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Action != "" {
		query += " AND action = " + arg(filter.Action)
	}
	if filter.Actor != "" {
		query += " AND actor = " + arg(filter.Actor)
	}
	if filter.ResourceKind != "" {
		query += " AND resource_kind = " + arg(filter.ResourceKind)
	}
	if filter.ResourceID != "" {
		query += " AND resource_id = " + arg(filter.ResourceID)
	}
	if filter.Target != "" {
		query += " AND target = " + arg(filter.Target)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID,
			&e.Action,
			&e.Actor,
			&e.ResourceKind,
			&e.ResourceID,
			&e.Target,
			&e.Permission,
			&e.RequestID,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}
