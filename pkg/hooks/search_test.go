package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
	"github.com/mlflow-oidc/gatekeeper/pkg/tracking"
)

// fakeSearcher pages raw items from a fixed slice with offset tokens.
type fakeSearcher struct {
	items []json.RawMessage
	calls int
}

func (f *fakeSearcher) SearchRaw(_ context.Context, req tracking.RawSearchRequest) (*tracking.RawPage, error) {
	f.calls++
	off, err := DecodeOffset(req.PageToken)
	if err != nil {
		return nil, err
	}
	if off >= len(f.items) {
		return &tracking.RawPage{}, nil
	}
	end := off + req.MaxResults
	if end > len(f.items) {
		end = len(f.items)
	}
	page := &tracking.RawPage{Items: f.items[off:end]}
	if end < len(f.items) {
		page.NextPageToken = EncodeOffset(end)
	}
	return page, nil
}

func experimentItems(ids ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, json.RawMessage(`{"experiment_id":"`+id+`","name":"exp-`+id+`"}`))
	}
	return out
}

func searchResponse(t *testing.T, field string, items []json.RawMessage, next string) *Response {
	t.Helper()

	envelope := map[string]any{field: items}
	if next != "" {
		envelope["next_page_token"] = next
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	return okResponse(string(body))
}

func decodeSearch(t *testing.T, resp *Response, field string) ([]json.RawMessage, string) {
	t.Helper()

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Body, &raw))

	var items []json.RawMessage
	if r, ok := raw[field]; ok {
		require.NoError(t, json.Unmarshal(r, &items))
	}
	var next string
	if r, ok := raw["next_page_token"]; ok {
		require.NoError(t, json.Unmarshal(r, &next))
	}
	return items, next
}

func TestFilterSearchExperiments(t *testing.T) {
	upstream := &fakeSearcher{items: experimentItems("1", "2", "3")}
	d, s := newTestDispatcher(t, upstream, testAuthz())
	ctx := context.Background()

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "2", "alice", "READ"))

	req := post(pathExperimentSearch, `{"max_results":3}`)
	resp := searchResponse(t, "experiments", experimentItems("1", "2", "3"), "")
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, next := decodeSearch(t, resp, "experiments")
	require.Len(t, items, 1)
	assert.Contains(t, string(items[0]), `"experiment_id":"2"`)
	// Filtered page hands back a continuation; the follow-up observes
	// the exhaustion itself.
	assert.NotEmpty(t, next)
}

func TestFilterSearchAdminBypass(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSearcher{}, testAuthz())

	req := post(pathExperimentSearch, `{"max_results":2}`)
	req.IsAdmin = true

	body := `{"experiments":[{"experiment_id":"1"},{"experiment_id":"2"}]}`
	resp := okResponse(body)
	require.NoError(t, d.Dispatch(context.Background(), req, resp))
	assert.Equal(t, body, string(resp.Body))
}

func TestFilterSearchBackfillsShortPage(t *testing.T) {
	// Upstream holds 4 experiments; alice may read 1 and 3. The first
	// page of 2 yields one readable item, so the engine backfills.
	all := experimentItems("1", "2", "3", "4")
	upstream := &fakeSearcher{items: all}
	d, s := newTestDispatcher(t, upstream, testAuthz())
	ctx := context.Background()

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "1", "alice", "READ"))
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "3", "alice", "EDIT"))

	req := post(pathExperimentSearch, `{"max_results":2}`)
	resp := searchResponse(t, "experiments", all[:2], EncodeOffset(2))
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, next := decodeSearch(t, resp, "experiments")
	require.Len(t, items, 2)
	assert.Contains(t, string(items[0]), `"experiment_id":"1"`)
	assert.Contains(t, string(items[1]), `"experiment_id":"3"`)
	assert.Equal(t, 1, upstream.calls)

	off, err := DecodeOffset(next)
	require.NoError(t, err)
	assert.Equal(t, 3, off)
}

func TestFilterSearchRunsInheritExperimentVisibility(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeSearcher{}, testAuthz())
	ctx := context.Background()

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindExperiment, "7", "alice", "READ"))

	body := `{"runs":[` +
		`{"info":{"run_id":"r1","experiment_id":"7"}},` +
		`{"info":{"run_id":"r2","experiment_id":"8"}},` +
		`{"info":{"run_id":"r3","experiment_id":"7"}}]}`

	req := post(pathRunSearch, `{"experiment_ids":["7","8"],"max_results":3}`)
	resp := okResponse(body)
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, _ := decodeSearch(t, resp, "runs")
	require.Len(t, items, 2)
	assert.Contains(t, string(items[0]), `"run_id":"r1"`)
	assert.Contains(t, string(items[1]), `"run_id":"r3"`)
}

func TestFilterSearchRegisteredModelsByName(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeSearcher{}, testAuthz())
	ctx := context.Background()

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindRegisteredModel, "visible", "alice", "READ"))

	req := &Request{
		Path:     pathModelSearch,
		Method:   http.MethodGet,
		Username: "alice",
		Query:    url.Values{"max_results": {"2"}},
	}
	body := `{"registered_models":[{"name":"visible"},{"name":"hidden"}]}`
	resp := okResponse(body)
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, _ := decodeSearch(t, resp, "registered_models")
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"name":"visible"}`, string(items[0]))
}

func TestFilterSearchRegexGrantApplies(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeSearcher{}, testAuthz())
	ctx := context.Background()

	store.MustCreateUser(t, s, "alice", false)
	require.NoError(t, s.CreateRegexGrant(ctx, &store.RegexGrant{
		ResourceKind: permissions.KindRegisteredModel,
		Pattern:      "team-a-.*",
		Priority:     10,
		Username:     "alice",
		Permission:   "READ",
	}))

	req := &Request{
		Path:     pathModelSearch,
		Method:   http.MethodGet,
		Username: "alice",
		Query:    url.Values{"max_results": {"3"}},
	}
	body := `{"registered_models":[{"name":"team-a-model"},{"name":"team-b-model"},{"name":"team-a-other"}]}`
	resp := okResponse(body)
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, _ := decodeSearch(t, resp, "registered_models")
	require.Len(t, items, 2)
}

func TestFilterSearchPromptsUseRegisteredModelGrants(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeSearcher{}, testAuthz())
	ctx := context.Background()

	// Prompt visibility is granted through the registered-model tables.
	require.NoError(t, s.UpsertGrant(ctx, permissions.KindRegisteredModel, "summarizer", "alice", "READ"))

	req := &Request{
		Path:     pathPromptSearch,
		Method:   http.MethodGet,
		Username: "alice",
		Query:    url.Values{"max_results": {"2"}},
	}
	body := `{"prompts":[{"name":"summarizer"},{"name":"classifier"}]}`
	resp := okResponse(body)
	require.NoError(t, d.Dispatch(ctx, req, resp))

	items, _ := decodeSearch(t, resp, "prompts")
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"name":"summarizer"}`, string(items[0]))
}

func TestFilterScorerListScopedToExperiment(t *testing.T) {
	d, s := newTestDispatcher(t, &fakeSearcher{}, testAuthz())
	ctx := context.Background()

	require.NoError(t, s.UpsertGrant(ctx, permissions.KindScorer, permissions.ScorerKey("7", "accuracy"), "alice", "READ"))

	list := func(experimentID string) *Response {
		req := &Request{
			Path:     pathScorerList,
			Method:   http.MethodGet,
			Username: "alice",
			Query:    url.Values{"experiment_id": {experimentID}, "max_results": {"2"}},
		}
		resp := okResponse(`{"scorers":[{"name":"accuracy"},{"name":"toxicity"}]}`)
		require.NoError(t, d.Dispatch(ctx, req, resp))
		return resp
	}

	items, _ := decodeSearch(t, list("7"), "scorers")
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"name":"accuracy"}`, string(items[0]))

	// The grant does not carry over to another experiment's scorers.
	items, _ = decodeSearch(t, list("8"), "scorers")
	assert.Empty(t, items)
}

func TestFilterSearchEmptyResultKeepsItemsField(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSearcher{}, testAuthz())

	req := post(pathExperimentSearch, `{"max_results":2}`)
	resp := searchResponse(t, "experiments", experimentItems("1"), "")
	require.NoError(t, d.Dispatch(context.Background(), req, resp))

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Body, &raw))
	assert.JSONEq(t, `[]`, string(raw["experiments"]))
}
