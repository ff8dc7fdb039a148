package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

type issueTokenRequest struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	// Token is the secret. It is shown exactly once.
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	secret, token, err := s.tokens.Issue(r.Context(), ident.Username, req.Name, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenTTL):
			httputil.WriteBadRequest(w, err.Error())
		case errors.Is(err, store.ErrAlreadyExists):
			httputil.WriteConflict(w, "a token with this name already exists")
		default:
			s.logger.WithError(err).Error("failed to issue token")
			httputil.WriteInternalError(w, errInternal)
		}
		return
	}

	s.record(r, audit.Event{Action: audit.ActionTokenIssue, Target: token.Name})
	httputil.WriteCreated(w, issueTokenResponse{
		Token:     secret,
		Name:      token.Name,
		ExpiresAt: token.ExpiresAt,
	})
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	tokens, err := s.store.ListAccessTokens(r.Context(), ident.Username)
	if err != nil {
		s.logger.WithError(err).Error("failed to list tokens")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tokens": tokens})
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	if err := s.store.RevokeAccessToken(r.Context(), ident.Username, mux.Vars(r)["name"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "token not found")
			return
		}
		s.logger.WithError(err).Error("failed to revoke token")
		httputil.WriteInternalError(w, errInternal)
		return
	}
	s.record(r, audit.Event{Action: audit.ActionTokenRevoke, Target: mux.Vars(r)["name"]})
	httputil.WriteNoContent(w)
}
