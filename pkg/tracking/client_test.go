package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, 5*time.Second)
}

func TestGetExperiment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, experimentGetPath, r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("experiment_id"))

		json.NewEncoder(w).Encode(map[string]any{
			"experiment": map[string]any{
				"experiment_id":   "42",
				"name":            "fraud-detection",
				"lifecycle_stage": "active",
			},
		})
	})

	exp, err := c.GetExperiment(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", exp.ExperimentID)
	assert.Equal(t, "fraud-detection", exp.Name)
}

func TestGetExperimentNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{ErrorCode: "RESOURCE_DOES_NOT_EXIST", Message: "no such experiment"})
	})

	_, err := c.GetExperiment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResourceDoesNotExistMapsToNotFound(t *testing.T) {
	// MLflow reports missing resources with 400 on some endpoints, keyed
	// by the error code rather than the status.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{ErrorCode: "RESOURCE_DOES_NOT_EXIST", Message: "gone"})
	})

	_, err := c.GetRegisteredModel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpstreamErrorIncludesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error_code":"INTERNAL_ERROR","message":"boom"}`))
	})

	_, err := c.GetRun(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "500")
}

func TestGetRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, runGetPath, r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"run": map[string]any{
				"info": map[string]any{"run_id": "r1", "experiment_id": "42"},
			},
		})
	})

	run, err := c.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "42", run.Info.ExperimentID)
}

func TestGetLoggedModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, loggedModelPath+"/m-123", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"model": map[string]any{
				"info": map[string]any{"model_id": "m-123", "experiment_id": "42"},
			},
		})
	})

	model, err := c.GetLoggedModel(context.Background(), "m-123")
	require.NoError(t, err)
	assert.Equal(t, "42", model.Info.ExperimentID)
}

func TestSearchExperiments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, experimentSearchPath, r.URL.Path)

		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 100, req.MaxResults)
		assert.Equal(t, "tok-1", req.PageToken)

		json.NewEncoder(w).Encode(ExperimentPage{
			Experiments: []Experiment{
				{ExperimentID: "1", Name: "a"},
				{ExperimentID: "2", Name: "b"},
			},
			NextPageToken: "tok-2",
		})
	})

	page, err := c.SearchExperiments(context.Background(), SearchRequest{MaxResults: 100, PageToken: "tok-1"})
	require.NoError(t, err)
	require.Len(t, page.Experiments, 2)
	assert.Equal(t, "tok-2", page.NextPageToken)
}

func TestSearchRegisteredModelsUsesQueryParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, modelSearchPath, r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("max_results"))
		assert.Equal(t, "name LIKE 'x%'", r.URL.Query().Get("filter"))

		json.NewEncoder(w).Encode(RegisteredModelPage{
			RegisteredModels: []RegisteredModel{{Name: "x-model"}},
		})
	})

	page, err := c.SearchRegisteredModels(context.Background(), SearchRequest{
		Filter:     "name LIKE 'x%'",
		MaxResults: 50,
	})
	require.NoError(t, err)
	require.Len(t, page.RegisteredModels, 1)
	assert.Equal(t, "x-model", page.RegisteredModels[0].Name)
}

func TestGetGatewayEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, gatewayEndpointPath+"/ep-1", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"endpoint": map[string]any{"id": "ep-1", "name": "chat-completions"},
		})
	})

	ep, err := c.GetGatewayEndpoint(context.Background(), "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-completions", ep.Name)
}

func TestSearchRawGetOverridesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/2.0/mlflow/registered-models/search", r.URL.Path)
		assert.Equal(t, "200", r.URL.Query().Get("max_results"))
		assert.Equal(t, "tok-1", r.URL.Query().Get("page_token"))
		// The caller's filter rides along untouched.
		assert.Equal(t, "name LIKE 'x%'", r.URL.Query().Get("filter"))

		w.Write([]byte(`{
			"registered_models": [
				{"name": "x-model", "custom_field": "kept"},
				{"name": "x-other"}
			],
			"next_page_token": "tok-2"
		}`))
	})

	q := url.Values{}
	q.Set("filter", "name LIKE 'x%'")
	q.Set("max_results", "50")

	page, err := c.SearchRaw(context.Background(), RawSearchRequest{
		Path:       "/api/2.0/mlflow/registered-models/search",
		Method:     http.MethodGet,
		Query:      q,
		ItemsField: "registered_models",
		PageToken:  "tok-1",
		MaxResults: 200,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "tok-2", page.NextPageToken)

	// Unmodeled fields survive the round trip.
	assert.Contains(t, string(page.Items[0]), "custom_field")
}

func TestSearchRawPostOverridesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(500), body["max_results"])
		assert.Equal(t, "attribute.name = 'demo'", body["filter"])
		// No token on the first page.
		assert.NotContains(t, body, "page_token")

		w.Write([]byte(`{"experiments": [{"experiment_id": "1"}]}`))
	})

	page, err := c.SearchRaw(context.Background(), RawSearchRequest{
		Path:   experimentSearchPath,
		Method: http.MethodPost,
		Body: map[string]any{
			"filter":     "attribute.name = 'demo'",
			"page_token": "stale",
		},
		ItemsField: "experiments",
		MaxResults: 500,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextPageToken)
}

func TestSearchRawRejectsUnknownMethod(t *testing.T) {
	c := NewClient("http://tracking:5000", time.Second)

	_, err := c.SearchRaw(context.Background(), RawSearchRequest{Method: http.MethodDelete})
	assert.Error(t, err)
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	c := NewClient("http://tracking:5000/", time.Second)
	assert.Equal(t, "http://tracking:5000", c.baseURL)
}
