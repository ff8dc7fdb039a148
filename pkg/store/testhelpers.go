package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

// NewTestStore opens an isolated in-memory SQLite store with the full
// schema applied. Each call gets its own database.
func NewTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// A shared in-memory database disappears when its last connection
	// closes; a single pooled connection also keeps sqlite happy under
	// concurrent test access.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(context.Background(), db, "sqlite3"); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return NewStore(db)
}

// MustCreateUser creates a user or fails the test.
func MustCreateUser(t *testing.T, s *Store, username string, isAdmin bool) *User {
	t.Helper()

	user := &User{Username: username, IsAdmin: isAdmin}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return user
}

// MustCreateGroup creates a group or fails the test.
func MustCreateGroup(t *testing.T, s *Store, name string) *Group {
	t.Helper()

	group := &Group{Name: name}
	if err := s.CreateGroup(context.Background(), group); err != nil {
		t.Fatalf("failed to create group %s: %v", name, err)
	}
	return group
}

// MustAddMember adds a user to a group or fails the test.
func MustAddMember(t *testing.T, s *Store, groupName, username string) {
	t.Helper()

	if err := s.AddGroupMember(context.Background(), groupName, username); err != nil {
		t.Fatalf("failed to add %s to %s: %v", username, groupName, err)
	}
}
