package api

import (
	"net/http"
	"strconv"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
)

// searchAudit returns recorded permission changes, newest first. All
// query parameters are optional: action, actor, kind, resource_id,
// target, limit.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		httputil.WriteNotFoundError(w, "audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:       q.Get("action"),
		Actor:        q.Get("actor"),
		ResourceKind: q.Get("kind"),
		ResourceID:   q.Get("resource_id"),
		Target:       q.Get("target"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := s.trail.Search(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("failed to search audit trail")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
