package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
)

// RequestIDHeader carries the request id to clients and upstream.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns each request an id, echoes it in the response and
// seeds the context with a logger carrying it. An id supplied by the
// client is kept.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := contextkeys.WithRequestID(r.Context(), id)
			ctx = contextkeys.WithLogger(ctx, logger.WithField("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
