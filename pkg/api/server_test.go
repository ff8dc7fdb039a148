package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlflow-oidc/gatekeeper/pkg/audit"
	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/config"
	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/resolver"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

var (
	asAdmin = &auth.Identity{Username: "root", IsAdmin: true}
	asAlice = &auth.Identity{Username: "alice"}
)

func newTestServer(t *testing.T) (*store.Store, *mux.Router) {
	t.Helper()

	s := store.NewTestStore(t)
	dyn := config.NewDynamic(config.AuthzConfig{
		DefaultPermission:   "NO_PERMISSIONS",
		SourceOrder:         []string{"user", "group", "regex", "group-regex"},
		FilterMaxIterations: 10,
		FilterMaxPageSize:   1000,
	})
	res, err := resolver.New(s, dyn)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	tokens := auth.NewTokenManager(s, 365*24*time.Hour)
	trail := audit.NewTrail(s.DB())
	require.NoError(t, trail.Migrate(context.Background(), "sqlite3"))
	server := NewServer(s, tokens, res, trail, logger)

	router := mux.NewRouter()
	server.RegisterRoutes(router)
	return s, router
}

func do(t *testing.T, router *mux.Router, method, path, body string, ident *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, PathPrefix+path, reader)
	if ident != nil {
		r = r.WithContext(contextkeys.WithIdentity(r.Context(), ident))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestUsersRequireAdmin(t *testing.T) {
	_, router := newTestServer(t)

	assert.Equal(t, http.StatusForbidden, do(t, router, "GET", "/users", "", asAlice).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, router, "GET", "/users", "", nil).Code)
}

func TestCreateAndListUsers(t *testing.T) {
	_, router := newTestServer(t)

	w := do(t, router, "POST", "/users", `{"username":"alice","display_name":"Alice"}`, asAdmin)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, "POST", "/users", `{"username":"alice"}`, asAdmin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "GET", "/users", "", asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Users []store.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "alice", resp.Users[0].Username)
}

func TestGetUserSelfOrAdmin(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	assert.Equal(t, http.StatusOK, do(t, router, "GET", "/users/alice", "", asAlice).Code)
	assert.Equal(t, http.StatusOK, do(t, router, "GET", "/users/alice", "", asAdmin).Code)
	assert.Equal(t, http.StatusForbidden, do(t, router, "GET", "/users/alice", "", &auth.Identity{Username: "bob"}).Code)
}

func TestGroupMembership(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/groups", `{"name":"ml-team"}`, asAdmin).Code)
	require.Equal(t, http.StatusNoContent, do(t, router, "POST", "/groups/ml-team/members", `{"username":"alice"}`, asAdmin).Code)

	w := do(t, router, "GET", "/groups/ml-team/members", "", asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Members []string `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alice"}, resp.Members)

	require.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/groups/ml-team/members/alice", "", asAdmin).Code)
}

func TestUpsertGrantAsAdmin(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	w := do(t, router, "PUT", "/permissions/experiment/42/users/alice", `{"permission":"EDIT"}`, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)

	grant, err := s.GetGrant(context.Background(), permissions.KindExperiment, "42", "alice")
	require.NoError(t, err)
	assert.Equal(t, "EDIT", grant.Permission)
}

func TestUpsertGrantRequiresManage(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)
	store.MustCreateUser(t, s, "bob", false)
	ctx := context.Background()

	// Alice holds EDIT only: not enough to share.
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "42", "alice", "EDIT"))
	w := do(t, router, "PUT", "/permissions/experiment/42/users/bob", `{"permission":"READ"}`, asAlice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// With MANAGE she can grant others access.
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "42", "alice", "MANAGE"))
	w = do(t, router, "PUT", "/permissions/experiment/42/users/bob", `{"permission":"READ"}`, asAlice)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpsertGrantRejectsUnknownPermission(t *testing.T) {
	_, router := newTestServer(t)

	w := do(t, router, "PUT", "/permissions/experiment/42/users/alice", `{"permission":"OWNER"}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownKindRejected(t *testing.T) {
	_, router := newTestServer(t)

	w := do(t, router, "PUT", "/permissions/notebook/42/users/alice", `{"permission":"READ"}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListResourceGrants(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)
	store.MustCreateGroup(t, s, "ml-team")
	ctx := context.Background()
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "42", "alice", "READ"))
	require.NoError(t, s.UpsertGroupGrant(ctx, permissions.KindExperiment, "42", "ml-team", "EDIT"))

	w := do(t, router, "GET", "/permissions/experiment/42", "", asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Grants      []store.Grant      `json:"grants"`
		GroupGrants []store.GroupGrant `json:"group_grants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Grants, 1)
	assert.Len(t, resp.GroupGrants, 1)
}

func TestRegexGrantLifecycle(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	w := do(t, router, "POST", "/regex-permissions/experiment/users/alice", `{"pattern":"team-a-.*","priority":1,"permission":"READ"}`, asAdmin)
	require.Equal(t, http.StatusCreated, w.Code)
	var created store.RegexGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)

	// Broken patterns never reach the resolver.
	w = do(t, router, "POST", "/regex-permissions/experiment/users/alice", `{"pattern":"team-[","priority":1,"permission":"READ"}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/regex-permissions/experiment/users/alice", "", asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		RegexGrants []store.RegexGrant `json:"regex_grants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.RegexGrants, 1)

	w = do(t, router, "DELETE", "/regex-permissions/"+strconv.FormatInt(created.ID, 10), "", asAdmin)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRegexGrantsAdminOnly(t *testing.T) {
	_, router := newTestServer(t)

	w := do(t, router, "POST", "/regex-permissions/experiment/users/alice", `{"pattern":".*","priority":1,"permission":"MANAGE"}`, asAlice)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTokenLifecycle(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	w := do(t, router, "POST", "/tokens", `{"name":"ci","ttl_seconds":3600}`, asAlice)
	require.Equal(t, http.StatusCreated, w.Code)
	var issued issueTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.True(t, strings.HasPrefix(issued.Token, auth.TokenPrefix))

	w = do(t, router, "GET", "/tokens", "", asAlice)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Tokens []store.AccessToken `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Tokens, 1)

	require.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/tokens/ci", "", asAlice).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, "DELETE", "/tokens/ci", "", asAlice).Code)
}

func TestTokenBadTTL(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	w := do(t, router, "POST", "/tokens", `{"name":"ci","ttl_seconds":0}`, asAlice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditTrailRecordsGrantChanges(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)

	require.Equal(t, http.StatusOK, do(t, router, "PUT", "/permissions/experiment/42/users/alice", `{"permission":"EDIT"}`, asAdmin).Code)
	require.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/permissions/experiment/42/users/alice", "", asAdmin).Code)

	w := do(t, router, "GET", "/audit?kind=experiment&resource_id=42", "", asAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, audit.ActionGrantDelete, resp.Events[0].Action)
	assert.Equal(t, audit.ActionGrantUpsert, resp.Events[1].Action)
	assert.Equal(t, "root", resp.Events[1].Actor)
	assert.Equal(t, "alice", resp.Events[1].Target)
	assert.Equal(t, "EDIT", resp.Events[1].Permission)
}

func TestAuditRequiresAdmin(t *testing.T) {
	_, router := newTestServer(t)

	assert.Equal(t, http.StatusForbidden, do(t, router, "GET", "/audit", "", asAlice).Code)
}

func TestAuditBadLimit(t *testing.T) {
	_, router := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, router, "GET", "/audit?limit=abc", "", asAdmin).Code)
}

func TestUserPermissionSummary(t *testing.T) {
	s, router := newTestServer(t)
	store.MustCreateUser(t, s, "alice", false)
	ctx := context.Background()
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "42", "alice", "READ"))
	require.NoError(t, s.CreateRegexGrant(ctx, &store.RegexGrant{
		ResourceKind: permissions.KindExperiment,
		Pattern:      "team-a-.*",
		Priority:     1,
		Username:     "alice",
		Permission:   "EDIT",
	}))

	w := do(t, router, "GET", "/users/alice/permissions/experiment", "", asAlice)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Grants      []store.Grant      `json:"grants"`
		RegexGrants []store.RegexGrant `json:"regex_grants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Grants, 1)
	assert.Len(t, resp.RegexGrants, 1)
}
