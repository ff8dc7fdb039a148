// Package permissions defines the permission model for the gatekeeper:
// named capability bundles over MLflow resources, their precedence order,
// and the provenance-tagged result of an effective-permission resolution.
package permissions

import (
	"fmt"
	"strings"
)

// Permission is an immutable capability bundle for one resource.
type Permission struct {
	Name      string `json:"name"`
	CanRead   bool   `json:"can_read"`
	CanUpdate bool   `json:"can_update"`
	CanDelete bool   `json:"can_delete"`
	CanManage bool   `json:"can_manage"`

	// precedence orders named levels when multiple grants apply
	// (READ < EDIT < MANAGE < NO_PERMISSIONS); an explicit
	// NO_PERMISSIONS grant outranks everything else.
	precedence int
}

// Named permission levels.
var (
	Read = Permission{
		Name:       "READ",
		CanRead:    true,
		precedence: 1,
	}
	Edit = Permission{
		Name:       "EDIT",
		CanRead:    true,
		CanUpdate:  true,
		precedence: 2,
	}
	Manage = Permission{
		Name:       "MANAGE",
		CanRead:    true,
		CanUpdate:  true,
		CanDelete:  true,
		CanManage:  true,
		precedence: 3,
	}
	NoPermissions = Permission{
		Name:       "NO_PERMISSIONS",
		precedence: 4,
	}
)

// All returns every named permission level.
func All() []Permission {
	return []Permission{Read, Edit, Manage, NoPermissions}
}

// Get parses a permission level by name.
func Get(name string) (Permission, error) {
	for _, p := range All() {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("unknown permission: %q", name)
}

// IsValid reports whether name is a known permission level.
func IsValid(name string) bool {
	_, err := Get(name)
	return err == nil
}

// Highest returns the highest-precedence permission among the given
// levels. It is used to collapse multiple group grants on the same
// resource into a single effective level.
func Highest(perms []Permission) (Permission, bool) {
	if len(perms) == 0 {
		return Permission{}, false
	}
	best := perms[0]
	for _, p := range perms[1:] {
		if p.precedence > best.precedence {
			best = p
		}
	}
	return best, true
}

// Full is the unrestricted permission applied for admin callers. It is
// not a named level and can never be granted through the store.
func Full() Permission {
	return Permission{
		Name:      "ADMIN",
		CanRead:   true,
		CanUpdate: true,
		CanDelete: true,
		CanManage: true,
	}
}

// Source identifies where a resolved permission came from.
type Source string

const (
	SourceAdmin      Source = "admin"
	SourceUser       Source = "user"
	SourceGroup      Source = "group"
	SourceRegex      Source = "regex"
	SourceGroupRegex Source = "group-regex"
	SourceFallback   Source = "fallback"
)

// DefaultSourceOrder is the resolution order applied when the
// deployment does not configure its own.
var DefaultSourceOrder = []Source{SourceUser, SourceGroup, SourceRegex, SourceGroupRegex}

// Result is a resolved effective permission with its provenance. It is
// computed fresh per request and never persisted.
type Result struct {
	Permission Permission `json:"permission"`
	Source     Source     `json:"source"`
}

// ResourceKind enumerates the resource types grants can attach to.
type ResourceKind string

const (
	KindExperiment             ResourceKind = "experiment"
	KindRegisteredModel        ResourceKind = "registered_model"
	KindPrompt                 ResourceKind = "prompt"
	KindLoggedModel            ResourceKind = "logged_model"
	KindScorer                 ResourceKind = "scorer"
	KindGatewayEndpoint        ResourceKind = "gateway_endpoint"
	KindGatewaySecret          ResourceKind = "gateway_secret"
	KindGatewayModelDefinition ResourceKind = "gateway_model_definition"
)

// Kinds returns every grantable resource kind. Logged models and
// prompts appear here for completeness but inherit their effective
// permission from the parent experiment / registered model.
func Kinds() []ResourceKind {
	return []ResourceKind{
		KindExperiment,
		KindRegisteredModel,
		KindPrompt,
		KindLoggedModel,
		KindScorer,
		KindGatewayEndpoint,
		KindGatewaySecret,
		KindGatewayModelDefinition,
	}
}

// ScorerKey builds the grant key for a scorer. Scorers are scoped to an
// experiment, so two experiments can hold scorers with the same name
// without sharing grants.
func ScorerKey(experimentID, name string) string {
	return experimentID + "/" + name
}

// ScorerName returns the name component of a scorer grant key. Regex
// grants for scorers match the name alone, not the composite key.
func ScorerName(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// ParseKind parses a resource kind from its wire form.
func ParseKind(s string) (ResourceKind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind: %q", s)
}
