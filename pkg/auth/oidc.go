package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mlflow-oidc/gatekeeper/pkg/config"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// ClaimsVerifier verifies a raw bearer token and returns its claims.
type ClaimsVerifier interface {
	Verify(ctx context.Context, rawToken string) (json.RawMessage, error)
}

// oidcVerifier adapts go-oidc's verifier to ClaimsVerifier.
type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func (o *oidcVerifier) Verify(ctx context.Context, rawToken string) (json.RawMessage, error) {
	token, err := o.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	var claims json.RawMessage
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	return claims, nil
}

// NewOIDCVerifier discovers the issuer and builds a token verifier for
// the configured client id.
func NewOIDCVerifier(ctx context.Context, cfg config.AuthConfig) (ClaimsVerifier, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer: %w", err)
	}
	return &oidcVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

// OIDCAuthenticator turns verified ID tokens into identities and keeps
// the permission store's users and group memberships in sync with the
// identity provider's claims.
type OIDCAuthenticator struct {
	verifier ClaimsVerifier
	store    *store.Store
	cfg      config.AuthConfig
}

// NewOIDCAuthenticator builds an OIDCAuthenticator over a verifier.
func NewOIDCAuthenticator(verifier ClaimsVerifier, st *store.Store, cfg config.AuthConfig) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: verifier, store: st, cfg: cfg}
}

// Authenticate verifies a bearer token and provisions the user.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	raw, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	var claims map[string]json.RawMessage
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	username, err := stringClaim(claims, a.cfg.UsernameClaim)
	if err != nil {
		return nil, err
	}
	if username == "" {
		return nil, fmt.Errorf("token is missing the %q claim", a.cfg.UsernameClaim)
	}

	displayName, _ := stringClaim(claims, "name")

	var groups []string
	if rawGroups, ok := claims[a.cfg.GroupsClaim]; ok {
		if err := json.Unmarshal(rawGroups, &groups); err != nil {
			return nil, fmt.Errorf("failed to parse %q claim: %w", a.cfg.GroupsClaim, err)
		}
	}

	isAdmin := false
	for _, g := range groups {
		if g == a.cfg.AdminGroup {
			isAdmin = true
			break
		}
	}

	if err := a.provision(ctx, username, displayName, isAdmin, groups); err != nil {
		return nil, err
	}

	return &Identity{
		Username:    username,
		DisplayName: displayName,
		Groups:      groups,
		IsAdmin:     isAdmin,
		Mechanism:   "oidc",
	}, nil
}

// provision creates the user on first login and mirrors the provider's
// group memberships into the store.
func (a *OIDCAuthenticator) provision(ctx context.Context, username, displayName string, isAdmin bool, groups []string) error {
	user, err := a.store.GetUser(ctx, username)
	switch {
	case err == store.ErrNotFound:
		if err := a.store.CreateUser(ctx, &store.User{
			Username:    username,
			DisplayName: displayName,
			IsAdmin:     isAdmin,
		}); err != nil && err != store.ErrAlreadyExists {
			return fmt.Errorf("failed to provision user: %w", err)
		}
	case err != nil:
		return err
	default:
		if user.IsAdmin != isAdmin {
			if err := a.store.SetUserAdmin(ctx, username, isAdmin); err != nil {
				return err
			}
		}
	}

	if err := a.store.SyncUserGroups(ctx, username, groups); err != nil {
		return fmt.Errorf("failed to sync groups: %w", err)
	}
	return nil
}

func stringClaim(claims map[string]json.RawMessage, name string) (string, error) {
	raw, ok := claims[name]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("claim %q is not a string: %w", name, err)
	}
	return s, nil
}
