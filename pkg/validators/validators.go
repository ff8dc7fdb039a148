// Package validators guards inbound requests before they reach the
// tracking server. A static table maps (path, method) to the capability
// the caller must hold and to how the resource key is extracted from
// the request; runs and logged models are checked against their parent
// experiment, model versions against their registered model. For
// name-keyed gateway resources the validator also captures the current
// name before the upstream mutates it, so rename and delete cascades
// have a key to work with.
package validators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mlflow-oidc/gatekeeper/pkg/hooks"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/resolver"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
)

// ErrDenied marks a request whose caller lacks the required capability.
var ErrDenied = errors.New("permission denied")

// UnprotectedPrefixes lists paths served without any permission check.
var UnprotectedPrefixes = []string{
	"/health",
	"/metrics",
	"/static",
	"/favicon.ico",
	"/docs",
	"/openapi.json",
	"/version",
}

type capability int

const (
	capRead capability = iota
	capUpdate
	capDelete
	capManage
)

func (c capability) allowedBy(p permissions.Permission) bool {
	switch c {
	case capRead:
		return p.CanRead
	case capUpdate:
		return p.CanUpdate
	case capDelete:
		return p.CanDelete
	case capManage:
		return p.CanManage
	}
	return false
}

func (c capability) String() string {
	switch c {
	case capRead:
		return "read"
	case capUpdate:
		return "update"
	case capDelete:
		return "delete"
	case capManage:
		return "manage"
	}
	return "unknown"
}

// target is the resolved resource a rule checks. An empty key means the
// request carries nothing checkable and passes.
type target struct {
	kind permissions.ResourceKind
	key  string

	// extraKeys lists additional resources checked under the same rule,
	// for routes referencing several runs or experiments at once.
	extraKeys []string

	// oldName is set for name-keyed resources whose current name was
	// resolved from an id, for the after-response cascades.
	oldName string
}

// keys returns every resource key the target checks.
func (t target) keys() []string {
	if t.key == "" {
		return t.extraKeys
	}
	return append([]string{t.key}, t.extraKeys...)
}

// resolveFunc extracts the checked resource from a request. rest holds
// the path segment matched by a prefix rule.
type resolveFunc func(ctx context.Context, v *Validator, req *hooks.Request, rest string) (target, error)

type rule struct {
	capability capability
	resolve    resolveFunc
}

// Validator checks requests against the effective-permission resolver.
type Validator struct {
	resolver *resolver.Resolver
	tracking tracking.Service
	logger   *observability.Logger
	metrics  *observability.Metrics

	exact    map[hooks.RouteKey]rule
	prefixes []prefixRule
}

type prefixRule struct {
	prefix string
	method string
	rule   rule
}

// Outcome carries request-scoped data the after-response hooks need.
type Outcome struct {
	OldName string
}

// New builds a Validator with its full rule table.
func New(res *resolver.Resolver, tr tracking.Service, logger *observability.Logger, metrics *observability.Metrics) *Validator {
	v := &Validator{
		resolver: res,
		tracking: tr,
		logger:   logger,
		metrics:  metrics,
		exact:    make(map[hooks.RouteKey]rule),
	}
	v.registerRules()
	return v
}

func (v *Validator) require(path, method string, c capability, resolve resolveFunc) {
	v.exact[hooks.RouteKey{Path: path, Method: method}] = rule{capability: c, resolve: resolve}
}

func (v *Validator) requirePrefix(prefix, method string, c capability, resolve resolveFunc) {
	v.prefixes = append(v.prefixes, prefixRule{prefix: prefix, method: method, rule: rule{capability: c, resolve: resolve}})
}

// Unprotected reports whether the path bypasses permission checks.
func Unprotected(path string) bool {
	for _, prefix := range UnprotectedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (v *Validator) lookup(path, method string) (rule, string, bool) {
	if r, ok := v.exact[hooks.RouteKey{Path: path, Method: method}]; ok {
		return r, "", true
	}
	for _, pr := range v.prefixes {
		if pr.method != method || !strings.HasPrefix(path, pr.prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, pr.prefix)
		if rest != "" {
			return pr.rule, rest, true
		}
	}
	return rule{}, "", false
}

// Check validates one request. Routes without a rule pass through.
// Admin callers skip the permission check but name capture still runs,
// so their mutations cascade correctly.
func (v *Validator) Check(ctx context.Context, req *hooks.Request) (*Outcome, error) {
	outcome := &Outcome{}

	path := hooks.NormalizePath(req.Path)
	if Unprotected(path) {
		return outcome, nil
	}

	r, rest, ok := v.lookup(path, req.Method)
	if !ok {
		return outcome, nil
	}

	tgt, err := r.resolve(ctx, v, req, rest)
	if err != nil {
		return nil, err
	}
	outcome.OldName = tgt.oldName

	keys := tgt.keys()
	if len(keys) == 0 || req.IsAdmin {
		return outcome, nil
	}

	for _, key := range keys {
		result, err := v.resolver.Resolve(ctx, req.Username, false, tgt.kind, key)
		if err != nil {
			return nil, err
		}

		decision := "deny"
		if r.capability.allowedBy(result.Permission) {
			decision = "allow"
		}
		v.metrics.AuthzDecisionsTotal.WithLabelValues(string(tgt.kind), decision, string(result.Source)).Inc()

		if decision == "deny" {
			v.logger.WithFields(map[string]interface{}{
				"user":       req.Username,
				"kind":       string(tgt.kind),
				"resource":   key,
				"capability": r.capability.String(),
				"source":     string(result.Source),
			}).Warn("request denied")
			return nil, fmt.Errorf("%w: %s on %s %q", ErrDenied, r.capability, tgt.kind, key)
		}
	}
	return outcome, nil
}

// static targets whose key lives directly in the request.

func bodyKey(kind permissions.ResourceKind, field string) resolveFunc {
	return func(_ context.Context, _ *Validator, req *hooks.Request, _ string) (target, error) {
		key, err := hooks.JSONStringField(req.Body, field)
		if err != nil {
			return target{}, err
		}
		return target{kind: kind, key: key}, nil
	}
}

func queryKey(kind permissions.ResourceKind, param string) resolveFunc {
	return func(_ context.Context, _ *Validator, req *hooks.Request, _ string) (target, error) {
		return target{kind: kind, key: req.Query.Get(param)}, nil
	}
}

// inherited targets resolved through the tracking server.

func experimentByRunID(fromBody string, fromQuery string) resolveFunc {
	return func(ctx context.Context, v *Validator, req *hooks.Request, _ string) (target, error) {
		var runID string
		if fromBody != "" {
			var err error
			runID, err = hooks.JSONStringField(req.Body, fromBody)
			if err != nil {
				return target{}, err
			}
		}
		if runID == "" && fromQuery != "" {
			runID = req.Query.Get(fromQuery)
		}
		if runID == "" {
			return target{}, nil
		}
		run, err := v.tracking.GetRun(ctx, runID)
		if err != nil {
			return target{}, err
		}
		return target{kind: permissions.KindExperiment, key: run.Info.ExperimentID}, nil
	}
}

func experimentByName(param string) resolveFunc {
	return func(ctx context.Context, v *Validator, req *hooks.Request, _ string) (target, error) {
		name := req.Query.Get(param)
		if name == "" {
			var err error
			name, err = hooks.JSONStringField(req.Body, param)
			if err != nil {
				return target{}, err
			}
		}
		if name == "" {
			return target{}, nil
		}
		exp, err := v.tracking.GetExperimentByName(ctx, name)
		if err != nil {
			return target{}, err
		}
		return target{kind: permissions.KindExperiment, key: exp.ExperimentID}, nil
	}
}

func experimentByLoggedModelPath() resolveFunc {
	return func(ctx context.Context, v *Validator, _ *hooks.Request, rest string) (target, error) {
		modelID := firstSegment(rest)
		if modelID == "" {
			return target{}, nil
		}
		model, err := v.tracking.GetLoggedModel(ctx, modelID)
		if err != nil {
			return target{}, err
		}
		return target{kind: permissions.KindExperiment, key: model.Info.ExperimentID}, nil
	}
}

// experimentByArtifactPath reads the experiment id from proxied artifact
// paths of the form {experiment_id}/{run_id}/artifacts/...
func experimentByArtifactPath() resolveFunc {
	return func(_ context.Context, _ *Validator, _ *hooks.Request, rest string) (target, error) {
		return target{kind: permissions.KindExperiment, key: firstSegment(rest)}, nil
	}
}

// gatewayByID resolves a gateway resource's current name from the id in
// the path and records it for the cascades.
func gatewayByID(kind permissions.ResourceKind) resolveFunc {
	return func(ctx context.Context, v *Validator, _ *hooks.Request, rest string) (target, error) {
		id := firstSegment(rest)
		if id == "" {
			return target{}, nil
		}

		var (
			res *tracking.GatewayResource
			err error
		)
		switch kind {
		case permissions.KindGatewayEndpoint:
			res, err = v.tracking.GetGatewayEndpoint(ctx, id)
		case permissions.KindGatewaySecret:
			res, err = v.tracking.GetGatewaySecret(ctx, id)
		case permissions.KindGatewayModelDefinition:
			res, err = v.tracking.GetGatewayModelDefinition(ctx, id)
		default:
			return target{}, fmt.Errorf("not a gateway kind: %s", kind)
		}
		if err != nil {
			return target{}, err
		}
		return target{kind: kind, key: res.Name, oldName: res.Name}, nil
	}
}

func firstSegment(rest string) string {
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// experimentsByRunIDs resolves the parent experiment of every run the
// request names in a repeated query parameter. Runs sharing an
// experiment are checked once.
func experimentsByRunIDs(param string) resolveFunc {
	return func(ctx context.Context, v *Validator, req *hooks.Request, _ string) (target, error) {
		runIDs := req.Query[param]
		if len(runIDs) == 0 {
			return target{}, nil
		}

		tgt := target{kind: permissions.KindExperiment}
		seen := make(map[string]bool)
		for _, runID := range runIDs {
			run, err := v.tracking.GetRun(ctx, runID)
			if err != nil {
				return target{}, err
			}
			id := run.Info.ExperimentID
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if tgt.key == "" {
				tgt.key = id
				continue
			}
			tgt.extraKeys = append(tgt.extraKeys, id)
		}
		return tgt, nil
	}
}

// experimentsByIDList checks every experiment named in a JSON string
// array in the request body.
func experimentsByIDList(field string) resolveFunc {
	return func(_ context.Context, _ *Validator, req *hooks.Request, _ string) (target, error) {
		ids, err := hooks.JSONStringSlice(req.Body, field)
		if err != nil {
			return target{}, err
		}
		if len(ids) == 0 {
			return target{}, nil
		}
		return target{kind: permissions.KindExperiment, key: ids[0], extraKeys: ids[1:]}, nil
	}
}

// scorerKey builds the experiment-scoped scorer grant key from the
// request, reading query parameters first and the JSON body second.
func scorerKey() resolveFunc {
	return func(_ context.Context, _ *Validator, req *hooks.Request, _ string) (target, error) {
		experimentID := req.Query.Get("experiment_id")
		name := req.Query.Get("name")
		if experimentID == "" {
			var err error
			experimentID, err = hooks.JSONStringField(req.Body, "experiment_id")
			if err != nil {
				return target{}, err
			}
		}
		if name == "" {
			var err error
			name, err = hooks.JSONStringField(req.Body, "name")
			if err != nil {
				return target{}, err
			}
		}
		if experimentID == "" || name == "" {
			return target{}, nil
		}
		return target{kind: permissions.KindScorer, key: permissions.ScorerKey(experimentID, name)}, nil
	}
}

// gatewayProxyTarget pulls the proxied endpoint name out of the request.
// Clients name the endpoint under several keys depending on the route
// shape; requests naming none pass through to the upstream. Proxy bodies
// are arbitrary JSON, so non-string fields are skipped rather than
// rejected.
func gatewayProxyTarget() resolveFunc {
	keys := []string{"gateway_name", "gateway", "name", "target"}
	return func(_ context.Context, _ *Validator, req *hooks.Request, _ string) (target, error) {
		for _, k := range keys {
			if name := req.Query.Get(k); name != "" {
				return target{kind: permissions.KindGatewayEndpoint, key: name}, nil
			}
		}
		if len(req.Body) == 0 {
			return target{}, nil
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return target{}, nil
		}
		for _, k := range keys {
			raw, ok := body[k]
			if !ok {
				continue
			}
			var name string
			if err := json.Unmarshal(raw, &name); err != nil || name == "" {
				continue
			}
			return target{kind: permissions.KindGatewayEndpoint, key: name}, nil
		}
		return target{}, nil
	}
}

// none matches routes that are authenticated but carry no checkable
// resource, such as creates.
func none() resolveFunc {
	return func(context.Context, *Validator, *hooks.Request, string) (target, error) {
		return target{}, nil
	}
}

func (v *Validator) registerRules() {
	const api = "/api/2.0/mlflow"

	// Experiments are keyed by id; get-by-name resolves through the
	// tracking server first.
	v.require(api+"/experiments/get", http.MethodGet, capRead, queryKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/experiments/get-by-name", http.MethodGet, capRead, experimentByName("experiment_name"))
	v.require(api+"/experiments/create", http.MethodPost, capRead, none())
	v.require(api+"/experiments/update", http.MethodPost, capUpdate, bodyKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/experiments/set-experiment-tag", http.MethodPost, capUpdate, bodyKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/experiments/delete", http.MethodPost, capDelete, bodyKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/experiments/restore", http.MethodPost, capDelete, bodyKey(permissions.KindExperiment, "experiment_id"))

	// Run mutations check the parent experiment.
	v.require(api+"/runs/create", http.MethodPost, capUpdate, bodyKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/runs/get", http.MethodGet, capRead, experimentByRunID("run_id", "run_id"))
	v.require(api+"/runs/update", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/delete", http.MethodPost, capDelete, experimentByRunID("run_id", ""))
	v.require(api+"/runs/restore", http.MethodPost, capDelete, experimentByRunID("run_id", ""))
	v.require(api+"/runs/set-tag", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/delete-tag", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/log-metric", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/log-parameter", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/log-batch", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/log-model", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))
	v.require(api+"/runs/log-inputs", http.MethodPost, capUpdate, experimentByRunID("run_id", ""))

	// Registered models and prompts are keyed by name.
	v.require(api+"/registered-models/get", http.MethodGet, capRead, queryKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/get-latest-versions", http.MethodPost, capRead, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/update", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/rename", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/delete", http.MethodPost, capDelete, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/set-tag", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/delete-tag", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/alias", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/alias", http.MethodDelete, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/registered-models/alias", http.MethodGet, capRead, queryKey(permissions.KindRegisteredModel, "name"))

	v.require(api+"/model-versions/create", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/get", http.MethodGet, capRead, queryKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/update", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/transition-stage", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/delete", http.MethodPost, capDelete, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/set-tag", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))
	v.require(api+"/model-versions/delete-tag", http.MethodPost, capUpdate, bodyKey(permissions.KindRegisteredModel, "name"))

	v.require(api+"/prompts/get", http.MethodGet, capRead, queryKey(permissions.KindPrompt, "name"))
	v.require(api+"/prompts/delete", http.MethodPost, capDelete, bodyKey(permissions.KindPrompt, "name"))

	// Logged models inherit from their experiment.
	v.requirePrefix(api+"/logged-models/", http.MethodGet, capRead, experimentByLoggedModelPath())
	v.requirePrefix(api+"/logged-models/", http.MethodDelete, capDelete, experimentByLoggedModelPath())
	v.requirePrefix(api+"/logged-models/", http.MethodPatch, capUpdate, experimentByLoggedModelPath())

	// Scorers are scoped to their experiment. Registration and listing
	// check the experiment itself; per-scorer routes check the composite
	// grant key.
	v.require(api+"/scorers/create", http.MethodPost, capUpdate, bodyKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/scorers", http.MethodGet, capRead, queryKey(permissions.KindExperiment, "experiment_id"))
	v.require(api+"/scorers/get", http.MethodGet, capRead, scorerKey())
	v.require(api+"/scorers/delete", http.MethodPost, capDelete, scorerKey())
	v.require(api+"/scorers/versions", http.MethodGet, capRead, scorerKey())

	// Bulk metric history inherits from the runs' experiments; every
	// referenced run must be readable.
	v.require(api+"/metrics/get-history-bulk", http.MethodGet, capRead, experimentsByRunIDs("run_id"))
	v.require(api+"/metrics/get-history-bulk-interval", http.MethodGet, capRead, experimentsByRunIDs("run_ids"))

	v.require(api+"/experiments/search-datasets", http.MethodPost, capRead, experimentsByIDList("experiment_ids"))
	v.require(api+"/runs/create-promptlab-run", http.MethodPost, capUpdate, bodyKey(permissions.KindExperiment, "experiment_id"))

	// Gateway proxying reads on GET and mutates otherwise.
	v.require(api+"/gateway-proxy", http.MethodGet, capRead, gatewayProxyTarget())
	v.require(api+"/gateway-proxy", http.MethodPost, capUpdate, gatewayProxyTarget())

	// Artifact access follows the owning run's experiment.
	v.require("/get-artifact", http.MethodGet, capRead, experimentByRunID("", "run_id"))
	v.requirePrefix("/api/2.0/mlflow-artifacts/artifacts/", http.MethodGet, capRead, experimentByArtifactPath())
	v.requirePrefix("/api/2.0/mlflow-artifacts/artifacts/", http.MethodPut, capUpdate, experimentByArtifactPath())
	v.requirePrefix("/api/2.0/mlflow-artifacts/artifacts/", http.MethodPost, capUpdate, experimentByArtifactPath())
	v.requirePrefix("/api/2.0/mlflow-artifacts/artifacts/", http.MethodDelete, capDelete, experimentByArtifactPath())

	// Gateway resources are name-keyed; id-addressed routes resolve the
	// current name first and capture it for the cascades.
	for prefix, kind := range map[string]permissions.ResourceKind{
		api + "/gateway/endpoints/":         permissions.KindGatewayEndpoint,
		api + "/gateway/secrets/":           permissions.KindGatewaySecret,
		api + "/gateway/model-definitions/": permissions.KindGatewayModelDefinition,
	} {
		v.requirePrefix(prefix, http.MethodGet, capRead, gatewayByID(kind))
		v.requirePrefix(prefix, http.MethodPatch, capUpdate, gatewayByID(kind))
		v.requirePrefix(prefix, http.MethodDelete, capDelete, gatewayByID(kind))
	}
}
