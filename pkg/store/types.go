package store

import (
	"time"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

// User is a known principal. Users are provisioned on first login or
// through the management API.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Group is a named collection of users, usually mirrored from the
// identity provider's group claims.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Grant is a direct user permission on one resource.
type Grant struct {
	ID           int64                    `json:"id"`
	ResourceKind permissions.ResourceKind `json:"resource_kind"`
	ResourceID   string                   `json:"resource_id"`
	Username     string                   `json:"username"`
	Permission   string                   `json:"permission"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// GroupGrant is a group permission on one resource.
type GroupGrant struct {
	ID           int64                    `json:"id"`
	ResourceKind permissions.ResourceKind `json:"resource_kind"`
	ResourceID   string                   `json:"resource_id"`
	GroupID      int64                    `json:"group_id"`
	GroupName    string                   `json:"group_name"`
	Permission   string                   `json:"permission"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// RegexGrant matches resource ids by pattern. Lower priority values are
// evaluated first; ties break on ascending id.
type RegexGrant struct {
	ID           int64                    `json:"id"`
	ResourceKind permissions.ResourceKind `json:"resource_kind"`
	Pattern      string                   `json:"pattern"`
	Priority     int                      `json:"priority"`
	Username     string                   `json:"username"`
	Permission   string                   `json:"permission"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// GroupRegexGrant is the group-scoped variant of RegexGrant.
type GroupRegexGrant struct {
	ID           int64                    `json:"id"`
	ResourceKind permissions.ResourceKind `json:"resource_kind"`
	Pattern      string                   `json:"pattern"`
	Priority     int                      `json:"priority"`
	GroupID      int64                    `json:"group_id"`
	GroupName    string                   `json:"group_name"`
	Permission   string                   `json:"permission"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// AccessToken is a named personal access token. Only the SHA-256 hash of
// the secret is stored.
type AccessToken struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Name       string     `json:"name"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
