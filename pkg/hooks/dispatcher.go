package hooks

import (
	"context"
	"net/url"
	"strings"

	"github.com/mlflow-oidc/gatekeeper/pkg/config"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/resolver"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
)

// RouteKey identifies one registered route.
type RouteKey struct {
	Path   string
	Method string
}

// Request is the request-scoped data handlers consume. OldName carries
// a resource name captured before the upstream mutated it, for rename
// and delete cascades on name-keyed resources.
type Request struct {
	Path     string
	Method   string
	Username string
	IsAdmin  bool
	Body     []byte
	Query    url.Values
	OldName  string
}

// Response is an upstream response a handler may mutate in place.
type Response struct {
	StatusCode int
	Body       []byte
}

// Handler post-processes one response.
type Handler func(ctx context.Context, req *Request, resp *Response) error

// prefixRoute matches a fixed route prefix followed by exactly one path
// segment, for routes carrying a resource id in the path.
type prefixRoute struct {
	prefix  string
	method  string
	handler Handler
}

// Searcher is the slice of the tracking client the filter engine needs
// to backfill pages.
type Searcher interface {
	SearchRaw(ctx context.Context, req tracking.RawSearchRequest) (*tracking.RawPage, error)
}

// Dispatcher routes responses to their registered handler. The registry
// is built once and never mutated afterwards.
type Dispatcher struct {
	resolver *resolver.Resolver
	store    *store.Store
	tracking Searcher
	dyn      *config.Dynamic
	logger   *observability.Logger
	metrics  *observability.Metrics

	exact    map[RouteKey]Handler
	prefixes []prefixRoute
}

// NewDispatcher builds the dispatcher with its full route registry.
func NewDispatcher(res *resolver.Resolver, st *store.Store, tr Searcher, dyn *config.Dynamic, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	d := &Dispatcher{
		resolver: res,
		store:    st,
		tracking: tr,
		dyn:      dyn,
		logger:   logger,
		metrics:  metrics,
		exact:    make(map[RouteKey]Handler),
	}
	d.registerRoutes()
	return d
}

func (d *Dispatcher) handle(path, method string, h Handler) {
	d.exact[RouteKey{Path: path, Method: method}] = h
}

func (d *Dispatcher) handlePrefix(prefix, method string, h Handler) {
	d.prefixes = append(d.prefixes, prefixRoute{prefix: prefix, method: method, handler: h})
}

// NormalizePath folds the UI's ajax-api alias onto the canonical API
// prefix and strips any trailing slash.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "/ajax-api/") {
		path = "/api/" + strings.TrimPrefix(path, "/ajax-api/")
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// lookup finds the handler for a normalized path, exact matches first.
// Prefix routes match the prefix plus exactly one more segment.
func (d *Dispatcher) lookup(path, method string) (Handler, bool) {
	if h, ok := d.exact[RouteKey{Path: path, Method: method}]; ok {
		return h, true
	}
	for _, pr := range d.prefixes {
		if pr.method != method || !strings.HasPrefix(path, pr.prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, pr.prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			return pr.handler, true
		}
	}
	return nil, false
}

// Dispatch runs the handler registered for the request's route, if any.
// Error responses and GraphQL traffic pass through untouched. Handler
// errors are surfaced to the caller; the dispatcher never masks them.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, resp *Response) error {
	if resp.StatusCode >= 400 {
		return nil
	}

	path := NormalizePath(req.Path)
	if strings.HasSuffix(path, "/graphql") {
		return nil
	}

	handler, ok := d.lookup(path, req.Method)
	if !ok {
		return nil
	}

	if err := handler(ctx, req, resp); err != nil {
		d.metrics.HookErrorsTotal.WithLabelValues(path, req.Method).Inc()
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"path":   path,
			"method": req.Method,
			"user":   req.Username,
		}).Error("response hook failed")
		return err
	}
	return nil
}
