package auth

import (
	"context"

	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
)

// Identity is the authenticated principal attached to every request.
type Identity struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	IsAdmin     bool     `json:"is_admin"`

	// Mechanism records how the identity was established: oidc, pat or
	// basic.
	Mechanism string `json:"mechanism"`
}

// FromContext returns the identity stored by the middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	if ident, ok := ctx.Value(contextkeys.IdentityKey).(*Identity); ok {
		return ident
	}
	return nil
}
