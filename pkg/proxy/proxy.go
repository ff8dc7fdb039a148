package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mlflow-oidc/gatekeeper/pkg/auth"
	"github.com/mlflow-oidc/gatekeeper/pkg/contextkeys"
	"github.com/mlflow-oidc/gatekeeper/pkg/hooks"
	"github.com/mlflow-oidc/gatekeeper/pkg/httputil"
	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
	"github.com/mlflow-oidc/gatekeeper/pkg/validators"
)

// hopHeaders are dropped when forwarding in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is the enforcing reverse proxy in front of the tracking server.
type Proxy struct {
	upstream   *url.URL
	client     *http.Client
	validator  *validators.Validator
	dispatcher *hooks.Dispatcher
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// New builds a Proxy forwarding to upstreamURL.
func New(upstreamURL string, timeout time.Duration, validator *validators.Validator, dispatcher *hooks.Dispatcher, logger *observability.Logger, metrics *observability.Metrics) (*Proxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", upstreamURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: missing scheme or host", upstreamURL)
	}

	return &Proxy{
		upstream: target,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		validator:  validator,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}
	r.Body.Close()

	req := &hooks.Request{
		Path:   r.URL.Path,
		Method: r.Method,
		Body:   body,
		Query:  r.URL.Query(),
	}
	if ident := auth.FromContext(ctx); ident != nil {
		req.Username = ident.Username
		req.IsAdmin = ident.IsAdmin
	}

	outcome, err := p.validator.Check(ctx, req)
	if err != nil {
		p.writeCheckError(w, req, err)
		return
	}
	req.OldName = outcome.OldName

	resp, err := p.forward(r, body)
	if err != nil {
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"path":   req.Path,
			"method": req.Method,
		}).Error("upstream request failed")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "tracking server unavailable")
		return
	}

	hookResp := &hooks.Response{StatusCode: resp.statusCode, Body: resp.body}
	if err := p.dispatcher.Dispatch(ctx, req, hookResp); err != nil {
		httputil.WriteInternalError(w, errors.New("internal server error"))
		return
	}

	writeUpstreamResponse(w, resp.header, hookResp)
}

// writeCheckError maps validator failures to client-facing statuses.
// Resolution errors other than denial and absence stay opaque.
func (p *Proxy) writeCheckError(w http.ResponseWriter, req *hooks.Request, err error) {
	switch {
	case errors.Is(err, validators.ErrDenied):
		httputil.WriteForbidden(w, "permission denied")
	case errors.Is(err, tracking.ErrNotFound):
		httputil.WriteNotFoundError(w, "resource not found")
	default:
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"path":   req.Path,
			"method": req.Method,
		}).Error("permission check failed")
		httputil.WriteInternalError(w, errors.New("internal server error"))
	}
}

type upstreamResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// forward replays the request against the tracking server and buffers
// the response.
func (p *Proxy) forward(r *http.Request, body []byte) (*upstreamResponse, error) {
	target := *p.upstream
	target.Path = strings.TrimRight(target.Path, "/") + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	copyHeaders(out.Header, r.Header)
	out.Header.Del("Authorization")
	if id := contextkeys.GetRequestID(r.Context()); id != "" {
		out.Header.Set("X-Request-Id", id)
	}
	out.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := p.client.Do(out)
	p.metrics.UpstreamRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	p.metrics.UpstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	return &upstreamResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       respBody,
	}, nil
}

func writeUpstreamResponse(w http.ResponseWriter, header http.Header, resp *hooks.Response) {
	copyHeaders(w.Header(), header)

	// Hooks may have rewritten the body.
	w.Header().Del("Content-Length")
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}
