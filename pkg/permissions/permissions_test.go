package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	tests := []struct {
		name      string
		canRead   bool
		canUpdate bool
		canDelete bool
		canManage bool
	}{
		{"READ", true, false, false, false},
		{"EDIT", true, true, false, false},
		{"MANAGE", true, true, true, true},
		{"NO_PERMISSIONS", false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Get(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.name, p.Name)
			assert.Equal(t, tt.canRead, p.CanRead)
			assert.Equal(t, tt.canUpdate, p.CanUpdate)
			assert.Equal(t, tt.canDelete, p.CanDelete)
			assert.Equal(t, tt.canManage, p.CanManage)
		})
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("OWNER")
	assert.Error(t, err)

	_, err = Get("")
	assert.Error(t, err)

	// Levels are case sensitive.
	_, err = Get("read")
	assert.Error(t, err)
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("READ"))
	assert.True(t, IsValid("NO_PERMISSIONS"))
	assert.False(t, IsValid("ADMIN")) // not grantable
	assert.False(t, IsValid("manage"))
}

func TestHighest(t *testing.T) {
	tests := []struct {
		name  string
		perms []Permission
		want  string
	}{
		{"read vs edit", []Permission{Read, Edit}, "EDIT"},
		{"edit vs manage", []Permission{Manage, Edit}, "MANAGE"},
		{"no_permissions wins over manage", []Permission{Manage, NoPermissions, Read}, "NO_PERMISSIONS"},
		{"single", []Permission{Read}, "READ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Highest(tt.perms)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}

	_, ok := Highest(nil)
	assert.False(t, ok)
}

func TestFull(t *testing.T) {
	p := Full()
	assert.True(t, p.CanRead)
	assert.True(t, p.CanUpdate)
	assert.True(t, p.CanDelete)
	assert.True(t, p.CanManage)

	// Full is not a named level and must never parse as one.
	assert.False(t, IsValid(p.Name))
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("dashboard")
	assert.Error(t, err)
}
