package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// idColumn returns the auto-increment primary key DDL for the driver.
// PostgreSQL and SQLite disagree here; everything else in the schema is
// shared.
func idColumn(driver string) string {
	if driver == "sqlite3" {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// GetMigrations returns all permission store migrations for the driver.
func GetMigrations(driver string) []Migration {
	id := idColumn(driver)

	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS users (
					id %s,
					username VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
			`, id),
		},
		{
			Version:     2,
			Description: "Create groups and membership tables",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS groups (
					id %s,
					name VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS user_groups (
					id %s,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					UNIQUE(user_id, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_groups_user_id ON user_groups(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_groups_group_id ON user_groups(group_id);
			`, id, id),
		},
		{
			Version:     3,
			Description: "Create direct grant table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS grants (
					id %s,
					resource_kind VARCHAR(64) NOT NULL,
					resource_id VARCHAR(500) NOT NULL,
					username VARCHAR(255) NOT NULL,
					permission VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(resource_kind, resource_id, username)
				);

				CREATE INDEX IF NOT EXISTS idx_grants_resource ON grants(resource_kind, resource_id);
				CREATE INDEX IF NOT EXISTS idx_grants_username ON grants(username);
			`, id),
		},
		{
			Version:     4,
			Description: "Create group grant table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS group_grants (
					id %s,
					resource_kind VARCHAR(64) NOT NULL,
					resource_id VARCHAR(500) NOT NULL,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					permission VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(resource_kind, resource_id, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_grants_resource ON group_grants(resource_kind, resource_id);
				CREATE INDEX IF NOT EXISTS idx_group_grants_group_id ON group_grants(group_id);
			`, id),
		},
		{
			Version:     5,
			Description: "Create regex grant tables",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS regex_grants (
					id %s,
					resource_kind VARCHAR(64) NOT NULL,
					pattern VARCHAR(500) NOT NULL,
					priority INTEGER NOT NULL DEFAULT 100,
					username VARCHAR(255) NOT NULL,
					permission VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(resource_kind, pattern, username)
				);

				CREATE INDEX IF NOT EXISTS idx_regex_grants_username ON regex_grants(resource_kind, username);

				CREATE TABLE IF NOT EXISTS group_regex_grants (
					id %s,
					resource_kind VARCHAR(64) NOT NULL,
					pattern VARCHAR(500) NOT NULL,
					priority INTEGER NOT NULL DEFAULT 100,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					permission VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(resource_kind, pattern, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_regex_grants_group ON group_regex_grants(resource_kind, group_id);
			`, id, id),
		},
		{
			Version:     6,
			Description: "Create access token table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS access_tokens (
					id %s,
					token_hash VARCHAR(128) NOT NULL UNIQUE,
					username VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					last_used_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(username, name)
				);

				CREATE INDEX IF NOT EXISTS idx_access_tokens_username ON access_tokens(username);
				CREATE INDEX IF NOT EXISTS idx_access_tokens_expires_at ON access_tokens(expires_at);
			`, id),
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, driver string) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gatekeeper_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM gatekeeper_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations(driver) {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO gatekeeper_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
