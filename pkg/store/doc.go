// Package store persists the authorization state: users, groups, group
// memberships, direct grants, group grants, regex grants and personal
// access tokens.
//
// # Overview
//
// The store is a thin database/sql layer over PostgreSQL (production) or
// SQLite (development and tests). Grants are keyed by
// (resource_kind, resource_id, principal) and hold a named permission
// level; the effective-permission resolver in pkg/resolver combines them.
//
// # Lifecycle helpers
//
// Response hooks call WipeResourceGrants when a resource is deleted and
// RenameResourceGrants when a name-keyed resource (registered model,
// gateway endpoint/secret/model definition) is renamed, so grants follow
// the resource.
//
// # Migrations
//
// Schema migrations are embedded as data, tracked in the
// gatekeeper_migrations table and applied transactionally at startup:
//
//	if err := store.RunMigrations(ctx, db, driver); err != nil { ... }
package store
