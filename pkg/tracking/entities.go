package tracking

// Experiment is the subset of MLflow's experiment entity the gatekeeper
// reads.
type Experiment struct {
	ExperimentID   string `json:"experiment_id"`
	Name           string `json:"name"`
	LifecycleStage string `json:"lifecycle_stage,omitempty"`
}

// Run carries the run→experiment linkage used for permission
// inheritance.
type Run struct {
	Info RunInfo `json:"info"`
}

// RunInfo is the identifying slice of a run.
type RunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
}

// RegisteredModel is the subset of the model registry entity the
// gatekeeper reads. Prompts are registered models carrying the prompt
// tag.
type RegisteredModel struct {
	Name string     `json:"name"`
	Tags []ModelTag `json:"tags,omitempty"`
}

// ModelTag is a registered model tag.
type ModelTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LoggedModel links a logged model to its parent experiment, which owns
// its permissions.
type LoggedModel struct {
	Info LoggedModelInfo `json:"info"`
}

// LoggedModelInfo is the identifying slice of a logged model.
type LoggedModelInfo struct {
	ModelID      string `json:"model_id"`
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name,omitempty"`
}

// GatewayResource is a gateway endpoint, secret or model definition.
// Permissions key on the name, so update/delete validators resolve the
// current name from the id before the upstream mutates or drops it.
type GatewayResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchRequest is a generic page request against a search endpoint.
type SearchRequest struct {
	Filter     string   `json:"filter,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	OrderBy    []string `json:"order_by,omitempty"`
	PageToken  string   `json:"page_token,omitempty"`
	ViewType   string   `json:"view_type,omitempty"`
}

// ExperimentPage is one page of an experiment search.
type ExperimentPage struct {
	Experiments   []Experiment `json:"experiments"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// RegisteredModelPage is one page of a registered model search.
type RegisteredModelPage struct {
	RegisteredModels []RegisteredModel `json:"registered_models"`
	NextPageToken    string            `json:"next_page_token,omitempty"`
}

// LoggedModelSearchRequest scopes a logged model search to experiments.
type LoggedModelSearchRequest struct {
	ExperimentIDs []string `json:"experiment_ids,omitempty"`
	Filter        string   `json:"filter,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

// LoggedModelPage is one page of a logged model search.
type LoggedModelPage struct {
	Models        []LoggedModel `json:"models"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}
