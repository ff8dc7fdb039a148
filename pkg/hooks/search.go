package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
)

const (
	pathExperimentCreate = "/api/2.0/mlflow/experiments/create"
	pathExperimentDelete = "/api/2.0/mlflow/experiments/delete"
	pathExperimentSearch = "/api/2.0/mlflow/experiments/search"

	pathModelCreate = "/api/2.0/mlflow/registered-models/create"
	pathModelDelete = "/api/2.0/mlflow/registered-models/delete"
	pathModelRename = "/api/2.0/mlflow/registered-models/rename"
	pathModelSearch = "/api/2.0/mlflow/registered-models/search"

	pathPromptCreate = "/api/2.0/mlflow/prompts/create"
	pathPromptDelete = "/api/2.0/mlflow/prompts/delete"
	pathPromptSearch = "/api/2.0/mlflow/prompts/search"

	pathRunSearch         = "/api/2.0/mlflow/runs/search"
	pathLoggedModelSearch = "/api/2.0/mlflow/logged-models/search"

	pathScorerCreate = "/api/2.0/mlflow/scorers/create"
	pathScorerDelete = "/api/2.0/mlflow/scorers/delete"
	pathScorerList   = "/api/2.0/mlflow/scorers"

	pathGatewayEndpoints = "/api/2.0/mlflow/gateway/endpoints"
	pathGatewaySecrets   = "/api/2.0/mlflow/gateway/secrets"
	pathGatewayModelDefs = "/api/2.0/mlflow/gateway/model-definitions"
)

// registerRoutes builds the full route registry. Routes not listed here
// pass through the dispatcher untouched.
func (d *Dispatcher) registerRoutes() {
	// Creators get MANAGE on the new resource. Logged models carry no
	// grants of their own; they inherit from the parent experiment.
	d.handle(pathExperimentCreate, http.MethodPost,
		d.grantCreatorManage(permissions.KindExperiment, responseField("experiment_id")))
	d.handle(pathModelCreate, http.MethodPost,
		d.grantCreatorManage(permissions.KindRegisteredModel, responseField("registered_model", "name")))
	// Prompt user and group grants live in the registered-model tables,
	// so the creator grant is written there. Scorer grants are keyed by
	// the experiment-scoped composite id.
	d.handle(pathPromptCreate, http.MethodPost,
		d.grantCreatorManage(permissions.KindRegisteredModel, requestField("name")))
	d.handle(pathScorerCreate, http.MethodPost,
		d.grantCreatorManage(permissions.KindScorer, scorerRequestKey()))
	d.handle(pathGatewayEndpoints, http.MethodPost,
		d.grantCreatorManage(permissions.KindGatewayEndpoint, responseField("endpoint", "name")))
	d.handle(pathGatewaySecrets, http.MethodPost,
		d.grantCreatorManage(permissions.KindGatewaySecret, responseField("secret", "name")))
	d.handle(pathGatewayModelDefs, http.MethodPost,
		d.grantCreatorManage(permissions.KindGatewayModelDefinition, responseField("model_definition", "name")))

	// Deletes cascade to every grant keyed to the resource. Gateway
	// resources are name-keyed, so the key comes from the name captured
	// before the upstream dropped the record.
	d.handle(pathExperimentDelete, http.MethodPost,
		d.wipeOnDelete(permissions.KindExperiment, requestField("experiment_id")))
	d.handle(pathModelDelete, http.MethodPost,
		d.wipeOnDelete(permissions.KindRegisteredModel, requestField("name")))
	d.handle(pathPromptDelete, http.MethodPost,
		d.wipeOnDelete(permissions.KindRegisteredModel, requestField("name")))
	d.handle(pathScorerDelete, http.MethodPost,
		d.wipeOnDelete(permissions.KindScorer, scorerRequestKey()))
	d.handlePrefix(pathGatewayEndpoints+"/", http.MethodDelete,
		d.wipeOnDelete(permissions.KindGatewayEndpoint, capturedOldName()))
	d.handlePrefix(pathGatewaySecrets+"/", http.MethodDelete,
		d.wipeOnDelete(permissions.KindGatewaySecret, capturedOldName()))
	d.handlePrefix(pathGatewayModelDefs+"/", http.MethodDelete,
		d.wipeOnDelete(permissions.KindGatewayModelDefinition, capturedOldName()))

	// Renames migrate grants to the new key.
	d.handle(pathModelRename, http.MethodPost,
		d.migrateOnRename(permissions.KindRegisteredModel, func(req *Request, _ *Response) (string, string, error) {
			oldName, err := JSONStringField(req.Body, "name")
			if err != nil {
				return "", "", err
			}
			newName, err := JSONStringField(req.Body, "new_name")
			if err != nil {
				return "", "", err
			}
			return oldName, newName, nil
		}))
	d.handlePrefix(pathGatewayEndpoints+"/", http.MethodPatch,
		d.migrateOnRename(permissions.KindGatewayEndpoint, gatewayRename))
	d.handlePrefix(pathGatewaySecrets+"/", http.MethodPatch,
		d.migrateOnRename(permissions.KindGatewaySecret, gatewayRename))
	d.handlePrefix(pathGatewayModelDefs+"/", http.MethodPatch,
		d.migrateOnRename(permissions.KindGatewayModelDefinition, gatewayRename))

	// Search and list responses are filtered to readable resources.
	// Runs and logged models inherit visibility from their experiment.
	d.handle(pathExperimentSearch, http.MethodPost, d.filterSearch(searchSpec{
		itemsField: "experiments",
		kind:       permissions.KindExperiment,
		key:        itemField("experiment_id"),
		upstream:   upstreamRef{pathExperimentSearch, http.MethodPost},
	}))
	d.handle(pathExperimentSearch, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "experiments",
		kind:       permissions.KindExperiment,
		key:        itemField("experiment_id"),
		upstream:   upstreamRef{pathExperimentSearch, http.MethodGet},
	}))
	d.handle(pathModelSearch, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "registered_models",
		kind:       permissions.KindRegisteredModel,
		key:        itemField("name"),
		upstream:   upstreamRef{pathModelSearch, http.MethodGet},
	}))
	d.handle(pathPromptSearch, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "prompts",
		kind:       permissions.KindPrompt,
		key:        itemField("name"),
		upstream:   upstreamRef{pathPromptSearch, http.MethodGet},
	}))
	d.handle(pathRunSearch, http.MethodPost, d.filterSearch(searchSpec{
		itemsField: "runs",
		kind:       permissions.KindExperiment,
		key:        itemField("info", "experiment_id"),
		upstream:   upstreamRef{pathRunSearch, http.MethodPost},
	}))
	d.handle(pathLoggedModelSearch, http.MethodPost, d.filterSearch(searchSpec{
		itemsField: "models",
		kind:       permissions.KindExperiment,
		key:        itemField("info", "experiment_id"),
		upstream:   upstreamRef{pathLoggedModelSearch, http.MethodPost},
	}))
	d.handle(pathScorerList, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "scorers",
		kind:       permissions.KindScorer,
		key:        scorerItemKey,
		upstream:   upstreamRef{pathScorerList, http.MethodGet},
	}))
	d.handle(pathGatewayEndpoints, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "endpoints",
		kind:       permissions.KindGatewayEndpoint,
		key:        itemField("name"),
		upstream:   upstreamRef{pathGatewayEndpoints, http.MethodGet},
	}))
	d.handle(pathGatewaySecrets, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "secrets",
		kind:       permissions.KindGatewaySecret,
		key:        itemField("name"),
		upstream:   upstreamRef{pathGatewaySecrets, http.MethodGet},
	}))
	d.handle(pathGatewayModelDefs, http.MethodGet, d.filterSearch(searchSpec{
		itemsField: "model_definitions",
		kind:       permissions.KindGatewayModelDefinition,
		key:        itemField("name"),
		upstream:   upstreamRef{pathGatewayModelDefs, http.MethodGet},
	}))
}

// gatewayRename pairs the pre-captured current name with the new name
// from the request body.
func gatewayRename(req *Request, _ *Response) (string, string, error) {
	newName, err := JSONStringField(req.Body, "name")
	if err != nil {
		return "", "", err
	}
	return req.OldName, newName, nil
}

// upstreamRef names the upstream route the backfill re-queries.
type upstreamRef struct {
	path   string
	method string
}

type searchSpec struct {
	itemsField string
	kind       permissions.ResourceKind
	key        func(req *Request, item json.RawMessage) (string, error)
	upstream   upstreamRef
}

// itemField extracts a string field from a page item, descending through
// nested objects.
func itemField(path ...string) func(*Request, json.RawMessage) (string, error) {
	return func(_ *Request, item json.RawMessage) (string, error) {
		return jsonStringPath(item, path...)
	}
}

// scorerItemKey builds the experiment-scoped scorer grant key for a list
// item. The list route is scoped to one experiment; items that do not
// repeat the experiment id fall back to the request's query parameter.
func scorerItemKey(req *Request, item json.RawMessage) (string, error) {
	name, err := jsonStringPath(item, "name")
	if err != nil || name == "" {
		return "", err
	}
	experimentID, err := jsonStringPath(item, "experiment_id")
	if err != nil {
		return "", err
	}
	if experimentID == "" {
		experimentID = req.Query.Get("experiment_id")
	}
	if experimentID == "" {
		return "", nil
	}
	return permissions.ScorerKey(experimentID, name), nil
}

// pageParams reads the requested page size and token out of the
// original request.
func pageParams(req *Request) (int, string) {
	if req.Method == http.MethodGet {
		max, _ := strconv.Atoi(req.Query.Get("max_results"))
		return max, req.Query.Get("page_token")
	}

	// max_results arrives as a JSON number or, from protobuf-shaped
	// clients, as a quoted int64.
	var body struct {
		MaxResults json.Number `json:"max_results"`
		PageToken  string      `json:"page_token"`
	}
	if len(req.Body) > 0 {
		_ = json.Unmarshal(req.Body, &body)
	}
	max, _ := strconv.Atoi(body.MaxResults.String())
	return max, body.PageToken
}

// filterSearch builds the handler filtering one search route's pages.
// Admin callers see the unfiltered page.
func (d *Dispatcher) filterSearch(spec searchSpec) Handler {
	return func(ctx context.Context, req *Request, resp *Response) error {
		if req.IsAdmin {
			return nil
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("failed to parse search response: %w", err)
		}

		var items []json.RawMessage
		if raw, ok := envelope[spec.itemsField]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("failed to parse %s field: %w", spec.itemsField, err)
			}
		}
		var upstreamNext string
		if raw, ok := envelope["next_page_token"]; ok {
			if err := json.Unmarshal(raw, &upstreamNext); err != nil {
				return fmt.Errorf("failed to parse next_page_token: %w", err)
			}
		}

		requested, token := pageParams(req)

		var bodyMap map[string]any
		if req.Method != http.MethodGet && len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &bodyMap); err != nil {
				return fmt.Errorf("failed to parse search request: %w", err)
			}
		}

		// One resolution per distinct key per page; runs from the same
		// experiment share a verdict.
		verdicts := make(map[string]bool)
		keep := func(ctx context.Context, item json.RawMessage) (bool, error) {
			key, err := spec.key(req, item)
			if err != nil {
				return false, err
			}
			if key == "" {
				return false, nil
			}
			if v, ok := verdicts[key]; ok {
				return v, nil
			}
			result, err := d.resolver.Resolve(ctx, req.Username, false, spec.kind, key)
			if err != nil {
				return false, err
			}
			decision := "deny"
			if result.Permission.CanRead {
				decision = "allow"
			}
			d.metrics.AuthzDecisionsTotal.WithLabelValues(string(spec.kind), decision, string(result.Source)).Inc()
			verdicts[key] = result.Permission.CanRead
			return result.Permission.CanRead, nil
		}

		fetch := func(ctx context.Context, pageToken string, maxResults int) ([]json.RawMessage, string, error) {
			page, err := d.tracking.SearchRaw(ctx, tracking.RawSearchRequest{
				Path:       spec.upstream.path,
				Method:     spec.upstream.method,
				Query:      req.Query,
				Body:       bodyMap,
				ItemsField: spec.itemsField,
				PageToken:  pageToken,
				MaxResults: maxResults,
			})
			if err != nil {
				return nil, "", err
			}
			return page.Items, page.NextPageToken, nil
		}

		result, err := FilterPage(ctx, d.dyn.Snapshot(), requested, token, items, upstreamNext, fetch, keep)
		if err != nil {
			return err
		}

		path := NormalizePath(req.Path)
		d.metrics.FilterFetchIterations.WithLabelValues(path).Observe(float64(result.Iterations))
		if result.Dropped > 0 {
			d.metrics.FilterDroppedTotal.WithLabelValues(path).Add(float64(result.Dropped))
		}

		itemsJSON, err := json.Marshal(result.Items)
		if err != nil {
			return fmt.Errorf("failed to encode filtered items: %w", err)
		}
		envelope[spec.itemsField] = itemsJSON
		if result.NextPageToken != "" {
			tokenJSON, _ := json.Marshal(result.NextPageToken)
			envelope["next_page_token"] = tokenJSON
		} else {
			delete(envelope, "next_page_token")
		}

		newBody, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to encode filtered response: %w", err)
		}
		resp.Body = newBody
		return nil
	}
}
