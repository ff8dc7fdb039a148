package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

type grantRequest struct {
	Permission string `json:"permission"`
}

type regexGrantRequest struct {
	Pattern    string `json:"pattern"`
	Priority   int    `json:"priority"`
	Permission string `json:"permission"`
}

// listResourceGrants returns every user and group grant on one resource.
func (s *Server) listResourceGrants(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	resourceID := mux.Vars(r)["resource_id"]
	ctx := r.Context()

	grants, err := s.store.ListGrantsForResource(ctx, kind, resourceID)
	if err != nil {
		s.logger.WithError(err).Error("failed to list grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	groupGrants, err := s.store.ListGroupGrantsForResource(ctx, kind, resourceID)
	if err != nil {
		s.logger.WithError(err).Error("failed to list group grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"kind":         kind,
		"resource_id":  resourceID,
		"grants":       grants,
		"group_grants": groupGrants,
	})
}

func (s *Server) upsertGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if !permissions.IsValid(req.Permission) {
		httputil.WriteBadRequest(w, "unknown permission: "+req.Permission)
		return
	}

	vars := mux.Vars(r)
	if err := s.store.UpsertGrant(r.Context(), kind, vars["resource_id"], vars["username"], req.Permission); err != nil {
		s.logger.WithError(err).Error("failed to upsert grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionGrantUpsert,
		ResourceKind: string(kind),
		ResourceID:   vars["resource_id"],
		Target:       vars["username"],
		Permission:   req.Permission,
	})
	httputil.WriteSuccess(w, map[string]interface{}{
		"kind":        kind,
		"resource_id": vars["resource_id"],
		"username":    vars["username"],
		"permission":  req.Permission,
	})
}

func (s *Server) deleteGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.store.DeleteGrant(r.Context(), kind, vars["resource_id"], vars["username"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "grant not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionGrantDelete,
		ResourceKind: string(kind),
		ResourceID:   vars["resource_id"],
		Target:       vars["username"],
	})
	httputil.WriteNoContent(w)
}

func (s *Server) upsertGroupGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if !permissions.IsValid(req.Permission) {
		httputil.WriteBadRequest(w, "unknown permission: "+req.Permission)
		return
	}

	vars := mux.Vars(r)
	if err := s.store.UpsertGroupGrant(r.Context(), kind, vars["resource_id"], vars["group"], req.Permission); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("failed to upsert group grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionGroupGrantUpsert,
		ResourceKind: string(kind),
		ResourceID:   vars["resource_id"],
		Target:       vars["group"],
		Permission:   req.Permission,
	})
	httputil.WriteSuccess(w, map[string]interface{}{
		"kind":        kind,
		"resource_id": vars["resource_id"],
		"group":       vars["group"],
		"permission":  req.Permission,
	})
}

func (s *Server) deleteGroupGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.store.DeleteGroupGrant(r.Context(), kind, vars["resource_id"], vars["group"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "grant not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete group grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionGroupGrantDelete,
		ResourceKind: string(kind),
		ResourceID:   vars["resource_id"],
		Target:       vars["group"],
	})
	httputil.WriteNoContent(w)
}

func (s *Server) listRegexGrants(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	grants, err := s.store.ListRegexGrantsForUser(r.Context(), kind, mux.Vars(r)["username"])
	if err != nil {
		s.logger.WithError(err).Error("failed to list regex grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"regex_grants": grants})
}

func (s *Server) createRegexGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req regexGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	grant := &store.RegexGrant{
		ResourceKind: kind,
		Pattern:      req.Pattern,
		Priority:     req.Priority,
		Username:     mux.Vars(r)["username"],
		Permission:   req.Permission,
	}
	if err := s.store.CreateRegexGrant(r.Context(), grant); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			httputil.WriteConflict(w, "regex grant already exists")
			return
		}
		// Invalid pattern or permission surfaces as a client error.
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionRegexGrantCreate,
		ResourceKind: string(kind),
		ResourceID:   grant.Pattern,
		Target:       grant.Username,
		Permission:   grant.Permission,
	})
	httputil.WriteCreated(w, grant)
}

func (s *Server) updateRegexGrant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid grant id")
		return
	}
	var req regexGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	if err := s.store.UpdateRegexGrant(r.Context(), id, req.Priority, req.Permission); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "regex grant not found")
			return
		}
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s.record(r, audit.Event{
		Action:     audit.ActionRegexGrantUpdate,
		ResourceID: mux.Vars(r)["id"],
		Permission: req.Permission,
	})
	httputil.WriteNoContent(w)
}

func (s *Server) deleteRegexGrant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid grant id")
		return
	}
	if err := s.store.DeleteRegexGrant(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "regex grant not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete regex grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:     audit.ActionRegexGrantDelete,
		ResourceID: mux.Vars(r)["id"],
	})
	httputil.WriteNoContent(w)
}

func (s *Server) listGroupRegexGrants(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	grants, err := s.store.ListGroupRegexGrantsForGroup(r.Context(), kind, mux.Vars(r)["group"])
	if err != nil {
		s.logger.WithError(err).Error("failed to list group regex grants")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"regex_grants": grants})
}

func (s *Server) createGroupRegexGrant(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindVar(w, r)
	if !ok {
		return
	}
	var req regexGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	grant := &store.GroupRegexGrant{
		ResourceKind: kind,
		Pattern:      req.Pattern,
		Priority:     req.Priority,
		GroupName:    mux.Vars(r)["group"],
		Permission:   req.Permission,
	}
	if err := s.store.CreateGroupRegexGrant(r.Context(), grant); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			httputil.WriteConflict(w, "regex grant already exists")
		case errors.Is(err, store.ErrNotFound):
			httputil.WriteNotFoundError(w, "group not found")
		default:
			httputil.WriteBadRequest(w, err.Error())
		}
		return
	}
	s.record(r, audit.Event{
		Action:       audit.ActionRegexGrantCreate,
		ResourceKind: string(kind),
		ResourceID:   grant.Pattern,
		Target:       grant.GroupName,
		Permission:   grant.Permission,
	})
	httputil.WriteCreated(w, grant)
}

func (s *Server) deleteGroupRegexGrant(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid grant id")
		return
	}
	if err := s.store.DeleteGroupRegexGrant(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "regex grant not found")
			return
		}
		s.logger.WithError(err).Error("failed to delete group regex grant")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{
		Action:     audit.ActionRegexGrantDelete,
		ResourceID: mux.Vars(r)["id"],
	})
	httputil.WriteNoContent(w)
}
