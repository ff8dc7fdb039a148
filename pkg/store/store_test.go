package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

func TestCreateAndGetUser(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	user := &User{Username: "alice", DisplayName: "Alice", IsAdmin: true}
	require.NoError(t, s.CreateUser(ctx, user))
	assert.NotZero(t, user.ID)

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.True(t, got.IsAdmin)
}

func TestCreateUserDuplicate(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)

	err := s.CreateUser(ctx, &User{Username: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetUserNotFound(t *testing.T) {
	s := NewTestStore(t)

	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUsers(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "carol", false)
	MustCreateUser(t, s, "alice", false)
	MustCreateUser(t, s, "bob", false)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)
	assert.Equal(t, "carol", users[2].Username)
}

func TestSetUserAdmin(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)
	require.NoError(t, s.SetUserAdmin(ctx, "alice", true))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin)

	assert.ErrorIs(t, s.SetUserAdmin(ctx, "ghost", true), ErrNotFound)
}

func TestDeleteUserCascades(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)
	MustCreateGroup(t, s, "team-a")
	MustAddMember(t, s, "team-a", "alice")

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "1", "alice", "MANAGE"))
	require.NoError(t, s.CreateRegexGrant(ctx, &RegexGrant{
		ResourceKind: permissions.KindExperiment,
		Pattern:      "^prod-.*",
		Priority:     10,
		Username:     "alice",
		Permission:   "READ",
	}))

	require.NoError(t, s.DeleteUser(ctx, "alice"))

	_, err := s.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	grants, err := s.ListGrantsForUser(ctx, permissions.KindExperiment, "alice")
	require.NoError(t, err)
	assert.Empty(t, grants)

	regexGrants, err := s.ListRegexGrantsForUser(ctx, permissions.KindExperiment, "alice")
	require.NoError(t, err)
	assert.Empty(t, regexGrants)

	members, err := s.ListGroupMembers(ctx, "team-a")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestGroupsAndMembership(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)
	MustCreateUser(t, s, "bob", false)
	MustCreateGroup(t, s, "team-a")
	MustCreateGroup(t, s, "team-b")

	MustAddMember(t, s, "team-a", "alice")
	MustAddMember(t, s, "team-b", "alice")
	MustAddMember(t, s, "team-a", "bob")

	groups, err := s.ListUserGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, groups)

	members, err := s.ListGroupMembers(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, s.RemoveGroupMember(ctx, "team-a", "alice"))
	groups, err = s.ListUserGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"team-b"}, groups)

	assert.ErrorIs(t, s.RemoveGroupMember(ctx, "team-a", "alice"), ErrNotFound)
}

func TestAddGroupMemberMissingUser(t *testing.T) {
	s := NewTestStore(t)

	MustCreateGroup(t, s, "team-a")
	err := s.AddGroupMember(context.Background(), "team-a", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureGroup(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	g1, err := s.EnsureGroup(ctx, "team-a")
	require.NoError(t, err)

	g2, err := s.EnsureGroup(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, g1.ID, g2.ID)
}

func TestSyncUserGroups(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)
	MustCreateGroup(t, s, "old-team")
	MustAddMember(t, s, "old-team", "alice")

	require.NoError(t, s.SyncUserGroups(ctx, "alice", []string{"new-team", "other-team"}))

	groups, err := s.ListUserGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-team", "other-team"}, groups)
}

func TestDeleteGroupCascadesGrants(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	MustCreateUser(t, s, "alice", false)
	MustCreateGroup(t, s, "team-a")
	MustAddMember(t, s, "team-a", "alice")
	require.NoError(t, s.UpsertGroupGrant(ctx, permissions.KindRegisteredModel, "model-x", "team-a", "EDIT"))

	require.NoError(t, s.DeleteGroup(ctx, "team-a"))

	grants, err := s.ListGroupGrantsForResource(ctx, permissions.KindRegisteredModel, "model-x")
	require.NoError(t, err)
	assert.Empty(t, grants)
}
