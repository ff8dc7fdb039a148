package middleware

import (
	"errors"
	"net/http"

	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
)

// IdentityMiddleware authenticates requests and attaches the verified
// identity to the request context. Paths accepted by skip bypass
// authentication entirely.
type IdentityMiddleware struct {
	authenticator *auth.Authenticator
	skip          func(path string) bool
	logger        *observability.Logger
}

// NewIdentity builds the authentication middleware. skip may be nil.
func NewIdentity(authenticator *auth.Authenticator, skip func(path string) bool, logger *observability.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{
		authenticator: authenticator,
		skip:          skip,
		logger:        logger,
	}
}

// Handler wraps an HTTP handler with authentication.
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip != nil && m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ident, err := m.authenticator.Authenticate(r.Context(), r)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mlflow"`)
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			m.logger.WithError(err).Error("authentication backend failure")
			httputil.WriteInternalError(w, errors.New("internal server error"))
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
