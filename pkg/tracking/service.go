package tracking

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the upstream reports the resource does
// not exist.
var ErrNotFound = errors.New("tracking: resource not found")

// Service is the slice of the MLflow API the gatekeeper depends on.
type Service interface {
	// GetExperiment resolves an experiment by id.
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)

	// GetExperimentByName resolves an experiment by its display name.
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)

	// GetRun resolves a run, primarily for its parent experiment id.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// GetRegisteredModel resolves a registered model by name.
	GetRegisteredModel(ctx context.Context, name string) (*RegisteredModel, error)

	// GetLoggedModel resolves a logged model, primarily for its parent
	// experiment id.
	GetLoggedModel(ctx context.Context, modelID string) (*LoggedModel, error)

	// SearchExperiments fetches one page of experiments.
	SearchExperiments(ctx context.Context, req SearchRequest) (*ExperimentPage, error)

	// SearchRegisteredModels fetches one page of registered models.
	SearchRegisteredModels(ctx context.Context, req SearchRequest) (*RegisteredModelPage, error)

	// SearchPrompts fetches one page of prompts from the registry.
	SearchPrompts(ctx context.Context, req SearchRequest) (*RegisteredModelPage, error)

	// SearchLoggedModels fetches one page of logged models.
	SearchLoggedModels(ctx context.Context, req LoggedModelSearchRequest) (*LoggedModelPage, error)

	// SearchRaw re-issues a search with paging overrides, keeping items
	// as raw JSON. The response filter uses it to backfill pages after
	// dropping unauthorized entries.
	SearchRaw(ctx context.Context, req RawSearchRequest) (*RawPage, error)

	// GetGatewayEndpoint resolves a gateway endpoint by id.
	GetGatewayEndpoint(ctx context.Context, endpointID string) (*GatewayResource, error)

	// GetGatewaySecret resolves a gateway secret by id.
	GetGatewaySecret(ctx context.Context, secretID string) (*GatewayResource, error)

	// GetGatewayModelDefinition resolves a gateway model definition by id.
	GetGatewayModelDefinition(ctx context.Context, definitionID string) (*GatewayResource, error)
}
