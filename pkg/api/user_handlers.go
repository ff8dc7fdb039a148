package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// errInternal is the opaque message for unexpected failures.
var errInternal = errors.New("internal server error")

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list users")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}

	user := &store.User{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		IsAdmin:     req.IsAdmin,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httputil.WriteConflict(w, "user already exists")
			return
		}
		s.logger.WithError(err).Error("failed to create user")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteCreated(w, user)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("failed to get user")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, user)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(r.Context(), mux.Vars(r)["username"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete user")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) setUserAdmin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsAdmin bool `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	username := mux.Vars(r)["username"]
	if err := s.store.SetUserAdmin(r.Context(), username, req.IsAdmin); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("failed to set admin flag")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:     audit.ActionAdminChange,
		Target:     username,
		Permission: strconv.FormatBool(req.IsAdmin),
	})
	httputil.WriteSuccess(w, map[string]interface{}{
		"username": username,
		"is_admin": req.IsAdmin,
	})
}

func (s *Server) listUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListUserGroups(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.logger.WithError(err).Error("failed to list user groups")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"groups": groups})
}

// userPermissionSummary returns everything that can give the user access
// to resources of one kind: direct grants, grants through groups, and
// pattern grants.
func (s *Server) userPermissionSummary(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	username := mux.Vars(r)["username"]
	ctx := r.Context()

	grants, err := s.store.ListGrantsForUser(ctx, kind, username)
	if err != nil {
		s.logger.WithError(err).Error("failed to list grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	regexGrants, err := s.store.ListRegexGrantsForUser(ctx, kind, username)
	if err != nil {
		s.logger.WithError(err).Error("failed to list regex grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	groupRegexGrants, err := s.store.ListGroupRegexGrantsForUser(ctx, kind, username)
	if err != nil {
		s.logger.WithError(err).Error("failed to list group regex grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"kind":               kind,
		"grants":             grants,
		"regex_grants":       regexGrants,
		"group_regex_grants": groupRegexGrants,
	})
}
