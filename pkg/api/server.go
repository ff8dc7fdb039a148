package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/resolver"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// PathPrefix is where the management API is mounted.
const PathPrefix = "/api/gatekeeper"

// Server holds the management API handlers.
type Server struct {
	store    *store.Store
	tokens   *auth.TokenManager
	resolver *resolver.Resolver
	trail    *audit.Trail
	logger   *observability.Logger
}

// NewServer builds the management API server. The trail may be nil to
// disable audit recording.
func NewServer(st *store.Store, tokens *auth.TokenManager, res *resolver.Resolver, trail *audit.Trail, logger *observability.Logger) *Server {
	return &Server{store: st, tokens: tokens, resolver: res, trail: trail, logger: logger}
}

// RegisterRoutes mounts the management API under PathPrefix.
func (s *Server) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix(PathPrefix).Subrouter()

	// Users
	r.HandleFunc("/users", s.requireAdmin(s.listUsers)).Methods("GET")
	r.HandleFunc("/users", s.requireAdmin(s.createUser)).Methods("POST")
	r.HandleFunc("/users/{username}", s.requireSelfOrAdmin(s.getUser)).Methods("GET")
	r.HandleFunc("/users/{username}", s.requireAdmin(s.deleteUser)).Methods("DELETE")
	r.HandleFunc("/users/{username}/admin", s.requireAdmin(s.setUserAdmin)).Methods("PATCH")
	r.HandleFunc("/users/{username}/groups", s.requireSelfOrAdmin(s.listUserGroups)).Methods("GET")
	r.HandleFunc("/users/{username}/permissions/{kind}", s.requireSelfOrAdmin(s.userPermissionSummary)).Methods("GET")

	// Groups
	r.HandleFunc("/groups", s.requireAdmin(s.listGroups)).Methods("GET")
	r.HandleFunc("/groups", s.requireAdmin(s.createGroup)).Methods("POST")
	r.HandleFunc("/groups/{name}", s.requireAdmin(s.deleteGroup)).Methods("DELETE")
	r.HandleFunc("/groups/{name}/members", s.requireAdmin(s.listGroupMembers)).Methods("GET")
	r.HandleFunc("/groups/{name}/members", s.requireAdmin(s.addGroupMember)).Methods("POST")
	r.HandleFunc("/groups/{name}/members/{username}", s.requireAdmin(s.removeGroupMember)).Methods("DELETE")
	r.HandleFunc("/groups/{name}/permissions/{kind}", s.requireAdmin(s.groupPermissionSummary)).Methods("GET")

	// Direct and group grants on a resource
	r.HandleFunc("/permissions/{kind}/{resource_id}", s.requireManage(s.listResourceGrants)).Methods("GET")
	r.HandleFunc("/permissions/{kind}/{resource_id}/users/{username}", s.requireManage(s.upsertGrant)).Methods("PUT")
	r.HandleFunc("/permissions/{kind}/{resource_id}/users/{username}", s.requireManage(s.deleteGrant)).Methods("DELETE")
	r.HandleFunc("/permissions/{kind}/{resource_id}/groups/{group}", s.requireManage(s.upsertGroupGrant)).Methods("PUT")
	r.HandleFunc("/permissions/{kind}/{resource_id}/groups/{group}", s.requireManage(s.deleteGroupGrant)).Methods("DELETE")

	// Pattern grants are admin-only: a pattern can reach resources its
	// creator holds no MANAGE on.
	r.HandleFunc("/regex-permissions/{kind}/users/{username}", s.requireAdmin(s.listRegexGrants)).Methods("GET")
	r.HandleFunc("/regex-permissions/{kind}/users/{username}", s.requireAdmin(s.createRegexGrant)).Methods("POST")
	r.HandleFunc("/regex-permissions/{id:[0-9]+}", s.requireAdmin(s.updateRegexGrant)).Methods("PATCH")
	r.HandleFunc("/regex-permissions/{id:[0-9]+}", s.requireAdmin(s.deleteRegexGrant)).Methods("DELETE")
	r.HandleFunc("/regex-permissions/{kind}/groups/{group}", s.requireAdmin(s.listGroupRegexGrants)).Methods("GET")
	r.HandleFunc("/regex-permissions/{kind}/groups/{group}", s.requireAdmin(s.createGroupRegexGrant)).Methods("POST")
	r.HandleFunc("/group-regex-permissions/{id:[0-9]+}", s.requireAdmin(s.deleteGroupRegexGrant)).Methods("DELETE")

	// Personal access tokens (self-service)
	r.HandleFunc("/tokens", s.issueToken).Methods("POST")
	r.HandleFunc("/tokens", s.listTokens).Methods("GET")
	r.HandleFunc("/tokens/{name}", s.revokeToken).Methods("DELETE")

	// Audit trail
	r.HandleFunc("/audit", s.requireAdmin(s.searchAudit)).Methods("GET")
}

// record writes an audit event for the calling identity. Audit failures
// are logged but never fail the request that triggered them.
func (s *Server) record(r *http.Request, event audit.Event) {
	if s.trail == nil {
		return
	}
	if ident := identity(r); ident != nil {
		event.Actor = ident.Username
	}
	event.RequestID = contextkeys.GetRequestID(r.Context())
	if err := s.trail.Record(r.Context(), event); err != nil {
		s.logger.WithError(err).WithField("action", event.Action).Error("failed to record audit event")
	}
}

func identity(r *http.Request) *auth.Identity {
	return auth.FromContext(r.Context())
}

// requireAdmin admits admin callers only.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := identity(r)
		if ident == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !ident.IsAdmin {
			httputil.WriteForbidden(w, "admin privileges required")
			return
		}
		next(w, r)
	}
}

// requireSelfOrAdmin admits the named user and admins.
func (s *Server) requireSelfOrAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := identity(r)
		if ident == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !ident.IsAdmin && ident.Username != mux.Vars(r)["username"] {
			httputil.WriteForbidden(w, "admin privileges required")
			return
		}
		next(w, r)
	}
}

// requireManage admits admins and callers holding MANAGE on the
// resource named in the path.
func (s *Server) requireManage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := identity(r)
		if ident == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		kind, ok := kindVar(w, r)
		if !ok {
			return
		}

		if !ident.IsAdmin {
			manage, err := s.canManage(r.Context(), ident, kind, mux.Vars(r)["resource_id"])
			if err != nil {
				s.logger.WithError(err).Error("manage check failed")
				httputil.WriteInternalError(w, errInternal)
				return
			}
			if !manage {
				httputil.WriteForbidden(w, "MANAGE permission required")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) canManage(ctx context.Context, ident *auth.Identity, kind permissions.ResourceKind, resourceID string) (bool, error) {
	result, err := s.resolver.Resolve(ctx, ident.Username, ident.IsAdmin, kind, resourceID)
	if err != nil {
		return false, err
	}
	return result.Permission.CanManage, nil
}

// kindVar parses the {kind} path variable, writing a 400 on failure.
func kindVar(w http.ResponseWriter, r *http.Request) (permissions.ResourceKind, bool) {
	kind, err := permissions.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return "", false
	}
	return kind, true
}
