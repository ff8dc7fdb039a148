// Package resolver computes the effective permission a user holds on a
// resource. Grant sources are consulted in the configured order (direct
// user grant, group grant, user regex grant, group regex grant) and the
// first source that produces a match wins; when none do, the configured
// default permission applies. Admin callers bypass resolution entirely.
//
// Prompts read their direct and group grants from the registered-model
// tables while keeping prompt-specific regex grants. Scorer grants are
// keyed by experiment-scoped composite ids; scorer regex grants match
// the scorer name component alone.
package resolver

import (
	"context"
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mlflow-oidc/gatekeeper/pkg/config"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// regexCacheSize bounds the compiled-pattern cache. Patterns are shared
// across users, so the working set stays small.
const regexCacheSize = 512

// Resolver resolves effective permissions against the grant store.
type Resolver struct {
	store *store.Store
	dyn   *config.Dynamic
	cache *lru.Cache[string, *regexp.Regexp]
}

// New builds a Resolver over the given store and dynamic configuration.
func New(st *store.Store, dyn *config.Dynamic) (*Resolver, error) {
	cache, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex cache: %w", err)
	}

	return &Resolver{
		store: st,
		dyn:   dyn,
		cache: cache,
	}, nil
}

// Resolve computes the effective permission username holds on the given
// resource. isAdmin short-circuits to the unrestricted permission.
func (r *Resolver) Resolve(ctx context.Context, username string, isAdmin bool, kind permissions.ResourceKind, resourceID string) (permissions.Result, error) {
	if isAdmin {
		return permissions.Result{Permission: permissions.Full(), Source: permissions.SourceAdmin}, nil
	}

	cfg := r.dyn.Snapshot()

	for _, source := range cfg.Sources() {
		var (
			result *permissions.Result
			err    error
		)
		switch source {
		case permissions.SourceUser:
			result, err = r.resolveUser(ctx, username, grantKind(kind), resourceID)
		case permissions.SourceGroup:
			result, err = r.resolveGroup(ctx, username, grantKind(kind), resourceID)
		case permissions.SourceRegex:
			result, err = r.resolveRegex(ctx, username, kind, resourceID)
		case permissions.SourceGroupRegex:
			result, err = r.resolveGroupRegex(ctx, username, kind, resourceID)
		default:
			err = fmt.Errorf("unknown permission source: %s", source)
		}
		if err != nil {
			return permissions.Result{}, err
		}
		if result != nil {
			return *result, nil
		}
	}

	fallback, err := permissions.Get(cfg.DefaultPermission)
	if err != nil {
		return permissions.Result{}, fmt.Errorf("invalid default permission: %w", err)
	}
	return permissions.Result{Permission: fallback, Source: permissions.SourceFallback}, nil
}

// grantKind maps a resource kind to the grant tables its user and group
// sources read. Prompts share the registered-model grant tables; their
// regex sources stay prompt-specific.
func grantKind(kind permissions.ResourceKind) permissions.ResourceKind {
	if kind == permissions.KindPrompt {
		return permissions.KindRegisteredModel
	}
	return kind
}

// regexSubject is the string regex grants match against. Scorer grant
// keys are experiment-scoped composites, but their regex grants match
// the scorer name alone.
func regexSubject(kind permissions.ResourceKind, resourceID string) string {
	if kind == permissions.KindScorer {
		return permissions.ScorerName(resourceID)
	}
	return resourceID
}

func (r *Resolver) resolveUser(ctx context.Context, username string, kind permissions.ResourceKind, resourceID string) (*permissions.Result, error) {
	grant, err := r.store.GetGrant(ctx, kind, resourceID, username)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user grant: %w", err)
	}

	perm, err := permissions.Get(grant.Permission)
	if err != nil {
		return nil, fmt.Errorf("stored grant has invalid permission: %w", err)
	}
	return &permissions.Result{Permission: perm, Source: permissions.SourceUser}, nil
}

// resolveGroup collapses all of the user's group grants on the resource
// into the highest-precedence level, so an explicit NO_PERMISSIONS on
// one group overrides a READ on another.
func (r *Resolver) resolveGroup(ctx context.Context, username string, kind permissions.ResourceKind, resourceID string) (*permissions.Result, error) {
	grants, err := r.store.ListGroupGrantsForUser(ctx, kind, resourceID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up group grants: %w", err)
	}
	if len(grants) == 0 {
		return nil, nil
	}

	perms := make([]permissions.Permission, 0, len(grants))
	for _, g := range grants {
		perm, err := permissions.Get(g.Permission)
		if err != nil {
			return nil, fmt.Errorf("stored group grant has invalid permission: %w", err)
		}
		perms = append(perms, perm)
	}

	best, _ := permissions.Highest(perms)
	return &permissions.Result{Permission: best, Source: permissions.SourceGroup}, nil
}

// resolveRegex walks the user's regex grants in priority order and
// returns the first whose pattern matches the resource id.
func (r *Resolver) resolveRegex(ctx context.Context, username string, kind permissions.ResourceKind, resourceID string) (*permissions.Result, error) {
	grants, err := r.store.ListRegexGrantsForUser(ctx, kind, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up regex grants: %w", err)
	}

	subject := regexSubject(kind, resourceID)
	for _, g := range grants {
		matched, err := r.matches(g.Pattern, subject)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		perm, err := permissions.Get(g.Permission)
		if err != nil {
			return nil, fmt.Errorf("stored regex grant has invalid permission: %w", err)
		}
		return &permissions.Result{Permission: perm, Source: permissions.SourceRegex}, nil
	}
	return nil, nil
}

func (r *Resolver) resolveGroupRegex(ctx context.Context, username string, kind permissions.ResourceKind, resourceID string) (*permissions.Result, error) {
	grants, err := r.store.ListGroupRegexGrantsForUser(ctx, kind, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up group regex grants: %w", err)
	}

	subject := regexSubject(kind, resourceID)
	for _, g := range grants {
		matched, err := r.matches(g.Pattern, subject)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		perm, err := permissions.Get(g.Permission)
		if err != nil {
			return nil, fmt.Errorf("stored group regex grant has invalid permission: %w", err)
		}
		return &permissions.Result{Permission: perm, Source: permissions.SourceGroupRegex}, nil
	}
	return nil, nil
}

// matches applies a stored pattern anchored at the start of the resource
// id. Compiled patterns are cached.
func (r *Resolver) matches(pattern, resourceID string) (bool, error) {
	re, ok := r.cache.Get(pattern)
	if !ok {
		compiled, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return false, fmt.Errorf("stored regex grant has invalid pattern %q: %w", pattern, err)
		}
		r.cache.Add(pattern, compiled)
		re = compiled
	}
	return re.MatchString(resourceID), nil
}
