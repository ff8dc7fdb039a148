// Package tracking is a typed client for the slice of the MLflow REST
// API the gatekeeper needs: resource lookups for permission inheritance
// (runs and logged models resolve to their experiment, model versions to
// their registered model) and the search endpoints the response filter
// re-queries when a page comes back short.
//
// The Service interface decouples consumers from the HTTP client so
// hooks and validators can be tested against fakes.
package tracking
