// Package auth establishes request identities. Three mechanisms are
// supported: OIDC bearer tokens (verified against the configured
// issuer, with users provisioned on first login), personal access
// tokens, and HTTP basic auth carrying a personal access token as the
// password. Verified OIDC identities are cached in Redis for the
// configured session TTL.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
)

// ErrUnauthenticated marks requests with missing or unusable
// credentials.
var ErrUnauthenticated = errors.New("authentication required")

// Authenticator resolves the identity behind an incoming request.
type Authenticator struct {
	oidc     *OIDCAuthenticator
	tokens   *TokenManager
	sessions *SessionCache
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewAuthenticator wires the supported mechanisms together. oidc may be
// nil when no issuer is configured; bearer JWTs are then rejected.
func NewAuthenticator(oidc *OIDCAuthenticator, tokens *TokenManager, sessions *SessionCache, logger *observability.Logger, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{
		oidc:     oidc,
		tokens:   tokens,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// Authenticate inspects the request's Authorization header and returns
// the verified identity.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if username, password, ok := r.BasicAuth(); ok {
		return a.basicAuth(ctx, username, password)
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return a.bearer(ctx, token)
	}

	a.metrics.AuthnFailuresTotal.WithLabelValues("none").Inc()
	return nil, ErrUnauthenticated
}

// basicAuth accepts a personal access token as the password.
func (a *Authenticator) basicAuth(ctx context.Context, username, password string) (*Identity, error) {
	ident, err := a.tokens.Verify(ctx, password)
	if err != nil {
		a.metrics.AuthnFailuresTotal.WithLabelValues("basic").Inc()
		if errors.Is(err, ErrTokenInvalid) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if ident.Username != username {
		a.metrics.AuthnFailuresTotal.WithLabelValues("basic").Inc()
		return nil, ErrUnauthenticated
	}
	ident.Mechanism = "basic"
	return ident, nil
}

func (a *Authenticator) bearer(ctx context.Context, token string) (*Identity, error) {
	if IsToken(token) {
		ident, err := a.tokens.Verify(ctx, token)
		if err != nil {
			a.metrics.AuthnFailuresTotal.WithLabelValues("pat").Inc()
			if errors.Is(err, ErrTokenInvalid) {
				return nil, ErrUnauthenticated
			}
			return nil, err
		}
		return ident, nil
	}

	if a.oidc == nil {
		a.metrics.AuthnFailuresTotal.WithLabelValues("oidc").Inc()
		return nil, ErrUnauthenticated
	}

	hash := HashToken(token)
	if ident := a.sessions.Get(ctx, hash); ident != nil {
		return ident, nil
	}

	ident, err := a.oidc.Authenticate(ctx, token)
	if err != nil {
		a.metrics.AuthnFailuresTotal.WithLabelValues("oidc").Inc()
		a.logger.WithError(err).Debug("bearer token rejected")
		return nil, ErrUnauthenticated
	}

	a.sessions.Set(ctx, hash, ident)
	return ident, nil
}
