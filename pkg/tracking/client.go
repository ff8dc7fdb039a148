package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	experimentGetPath       = "/api/2.0/mlflow/experiments/get"
	experimentGetByNamePath = "/api/2.0/mlflow/experiments/get-by-name"
	experimentSearchPath    = "/api/2.0/mlflow/experiments/search"
	runGetPath              = "/api/2.0/mlflow/runs/get"
	modelGetPath            = "/api/2.0/mlflow/registered-models/get"
	modelSearchPath         = "/api/2.0/mlflow/registered-models/search"
	promptSearchPath        = "/api/2.0/mlflow/prompts/search"
	loggedModelPath         = "/api/2.0/mlflow/logged-models"
	gatewayEndpointPath     = "/api/2.0/mlflow/gateway/endpoints"
	gatewaySecretPath       = "/api/2.0/mlflow/gateway/secrets"
	gatewayModelDefPath     = "/api/2.0/mlflow/gateway/model-definitions"
)

// Client talks to an MLflow tracking server over its REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client against the given tracking server base URL.
// Requests are traced through the otelhttp transport.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

var _ Service = (*Client)(nil)

// apiError is MLflow's JSON error envelope.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracking request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read tracking response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
			return ErrNotFound
		}
		return fmt.Errorf("tracking server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode tracking response: %w", err)
	}
	return nil
}

// GetExperiment resolves an experiment by id.
func (c *Client) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	var wrapper struct {
		Experiment Experiment `json:"experiment"`
	}
	q := url.Values{"experiment_id": {experimentID}}
	if err := c.get(ctx, experimentGetPath, q, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Experiment, nil
}

// GetExperimentByName resolves an experiment by its display name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var wrapper struct {
		Experiment Experiment `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	if err := c.get(ctx, experimentGetByNamePath, q, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Experiment, nil
}

// GetRun resolves a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var wrapper struct {
		Run Run `json:"run"`
	}
	q := url.Values{"run_id": {runID}}
	if err := c.get(ctx, runGetPath, q, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Run, nil
}

// GetRegisteredModel resolves a registered model by name.
func (c *Client) GetRegisteredModel(ctx context.Context, name string) (*RegisteredModel, error) {
	var wrapper struct {
		RegisteredModel RegisteredModel `json:"registered_model"`
	}
	q := url.Values{"name": {name}}
	if err := c.get(ctx, modelGetPath, q, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.RegisteredModel, nil
}

// GetLoggedModel resolves a logged model by id.
func (c *Client) GetLoggedModel(ctx context.Context, modelID string) (*LoggedModel, error) {
	var wrapper struct {
		Model LoggedModel `json:"model"`
	}
	if err := c.get(ctx, loggedModelPath+"/"+url.PathEscape(modelID), nil, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.Model, nil
}

// SearchExperiments fetches one page of experiments.
func (c *Client) SearchExperiments(ctx context.Context, req SearchRequest) (*ExperimentPage, error) {
	var page ExperimentPage
	if err := c.post(ctx, experimentSearchPath, req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchRegisteredModels fetches one page of registered models.
func (c *Client) SearchRegisteredModels(ctx context.Context, req SearchRequest) (*RegisteredModelPage, error) {
	return c.searchModels(ctx, modelSearchPath, req)
}

// SearchPrompts fetches one page of prompts.
func (c *Client) SearchPrompts(ctx context.Context, req SearchRequest) (*RegisteredModelPage, error) {
	return c.searchModels(ctx, promptSearchPath, req)
}

func (c *Client) searchModels(ctx context.Context, path string, req SearchRequest) (*RegisteredModelPage, error) {
	q := url.Values{}
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	if req.MaxResults > 0 {
		q.Set("max_results", fmt.Sprintf("%d", req.MaxResults))
	}
	if req.PageToken != "" {
		q.Set("page_token", req.PageToken)
	}
	for _, ob := range req.OrderBy {
		q.Add("order_by", ob)
	}

	var page RegisteredModelPage
	if err := c.get(ctx, path, q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchLoggedModels fetches one page of logged models.
func (c *Client) SearchLoggedModels(ctx context.Context, req LoggedModelSearchRequest) (*LoggedModelPage, error) {
	var page LoggedModelPage
	if err := c.post(ctx, loggedModelPath+"/search", req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetGatewayEndpoint resolves a gateway endpoint by id.
func (c *Client) GetGatewayEndpoint(ctx context.Context, endpointID string) (*GatewayResource, error) {
	return c.getGatewayResource(ctx, gatewayEndpointPath, "endpoint", endpointID)
}

// GetGatewaySecret resolves a gateway secret by id.
func (c *Client) GetGatewaySecret(ctx context.Context, secretID string) (*GatewayResource, error) {
	return c.getGatewayResource(ctx, gatewaySecretPath, "secret", secretID)
}

// GetGatewayModelDefinition resolves a gateway model definition by id.
func (c *Client) GetGatewayModelDefinition(ctx context.Context, definitionID string) (*GatewayResource, error) {
	return c.getGatewayResource(ctx, gatewayModelDefPath, "model_definition", definitionID)
}

func (c *Client) getGatewayResource(ctx context.Context, path, key, id string) (*GatewayResource, error) {
	var wrapper map[string]GatewayResource
	if err := c.get(ctx, path+"/"+url.PathEscape(id), nil, &wrapper); err != nil {
		return nil, err
	}
	res, ok := wrapper[key]
	if !ok {
		return nil, fmt.Errorf("tracking response missing %q field", key)
	}
	return &res, nil
}
