package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list groups")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"groups": groups})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	group := &store.Group{Name: req.Name}
	if err := s.store.CreateGroup(r.Context(), group); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httputil.WriteConflict(w, "group already exists")
			return
		}
		s.logger.WithError(err).Error("failed to create group")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteCreated(w, group)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGroup(r.Context(), mux.Vars(r)["name"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete group")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.store.ListGroupMembers(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("failed to list group members")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

func (s *Server) addGroupMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Username == "" {
		httputil.WriteBadRequest(w, "username is required")
		return
	}

	if err := s.store.AddGroupMember(r.Context(), mux.Vars(r)["name"], req.Username); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httputil.WriteNotFoundError(w, "group or user not found")
		case errors.Is(err, store.ErrAlreadyExists):
			httputil.WriteConflict(w, "user is already a member")
		default:
			s.logger.WithError(err).Error("failed to add group member")
			httputil.WriteInternalError(w, errInternal)
		}
		return
	}
	s.record(r, audit.Event{
		Action: audit.ActionMemberAdd,
		Target: mux.Vars(r)["name"] + "/" + req.Username,
	})
	httputil.WriteNoContent(w)
}

func (s *Server) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.RemoveGroupMember(r.Context(), vars["name"], vars["username"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "membership not found")
			return
		}
		s.logger.WithError(err).Error("failed to remove group member")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action: audit.ActionMemberRemove,
		Target: vars["name"] + "/" + vars["username"],
	})
	httputil.WriteNoContent(w)
}

// groupPermissionSummary lists a group's direct and pattern grants of
// one kind.
func (s *Server) groupPermissionSummary(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	ctx := r.Context()

	grants, err := s.store.ListGroupGrantsForGroup(ctx, kind, name)
	if err != nil {
		s.logger.WithError(err).Error("failed to list group grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	regexGrants, err := s.store.ListGroupRegexGrantsForGroup(ctx, kind, name)
	if err != nil {
		s.logger.WithError(err).Error("failed to list group regex grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"kind":         kind,
		"grants":       grants,
		"regex_grants": regexGrants,
	})
}
