package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlflow-oidc/gatekeeper/pkg/config"
)

func testAuthz() config.AuthzConfig {
	return config.AuthzConfig{
		DefaultPermission:   "NO_PERMISSIONS",
		SourceOrder:         []string{"user", "group", "regex", "group-regex"},
		FilterMaxIterations: 10,
		FilterMaxPageSize:   1000,
	}
}

// fakeUpstream serves numbered items from a fixed slice using offset
// tokens, the way MLflow pages its search results.
type fakeUpstream struct {
	items   []json.RawMessage
	fetches int
}

func newFakeUpstream(n int) *fakeUpstream {
	u := &fakeUpstream{}
	for i := 0; i < n; i++ {
		u.items = append(u.items, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)))
	}
	return u
}

func (u *fakeUpstream) page(token string, max int) ([]json.RawMessage, string, error) {
	off, err := DecodeOffset(token)
	if err != nil {
		return nil, "", err
	}
	if off >= len(u.items) {
		return nil, "", nil
	}
	end := off + max
	if end > len(u.items) {
		end = len(u.items)
	}
	next := ""
	if end < len(u.items) {
		next = EncodeOffset(end)
	}
	return u.items[off:end], next, nil
}

func (u *fakeUpstream) fetch(_ context.Context, token string, max int) ([]json.RawMessage, string, error) {
	u.fetches++
	return u.page(token, max)
}

func itemID(item json.RawMessage) int {
	var v struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(item, &v); err != nil {
		panic(err)
	}
	return v.ID
}

func keepWhere(allowed func(id int) bool) Predicate {
	return func(_ context.Context, item json.RawMessage) (bool, error) {
		return allowed(itemID(item)), nil
	}
}

func TestOffsetTokenRoundTrip(t *testing.T) {
	off, err := DecodeOffset(EncodeOffset(17))
	require.NoError(t, err)
	assert.Equal(t, 17, off)

	off, err = DecodeOffset("")
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	_, err = DecodeOffset("%%%not-a-token%%%")
	assert.Error(t, err)
}

func TestFilterPagePassthrough(t *testing.T) {
	u := newFakeUpstream(3)
	page, next, err := u.page("", 10)
	require.NoError(t, err)

	res, err := FilterPage(context.Background(), testAuthz(), 10, "", page, next, u.fetch, keepWhere(func(int) bool { return true }))
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.Empty(t, res.NextPageToken)
	assert.Zero(t, res.Iterations)
	assert.Zero(t, res.Dropped)
	assert.Zero(t, u.fetches)
}

func TestFilterPageBackfillsToRequestedSize(t *testing.T) {
	u := newFakeUpstream(10)
	allowed := func(id int) bool { return id != 0 }

	page, next, err := u.page("", 3)
	require.NoError(t, err)

	res, err := FilterPage(context.Background(), testAuthz(), 3, "", page, next, u.fetch, keepWhere(allowed))
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, []int{1, 2, 3}, ids(res.Items))
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Dropped)

	// Item 3 was the fourth raw item consumed; the token resumes right
	// after it.
	off, err := DecodeOffset(res.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, 4, off)
}

func TestFilterPageExhaustedUpstreamReturnsContinuation(t *testing.T) {
	// 7 upstream items, 2 readable, page size 5: the engine consumes the
	// whole stream, returns the 2 readable items, and hands back a token
	// whose follow-up observes the exhaustion itself.
	u := newFakeUpstream(7)
	allowed := func(id int) bool { return id == 2 || id == 5 }

	page, next, err := u.page("", 5)
	require.NoError(t, err)

	res, err := FilterPage(context.Background(), testAuthz(), 5, "", page, next, u.fetch, keepWhere(allowed))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5}, ids(res.Items))
	require.NotEmpty(t, res.NextPageToken)

	// Second call continues from the returned token: empty page, no
	// token, terminal.
	page2, next2, err := u.page(res.NextPageToken, 5)
	require.NoError(t, err)

	res2, err := FilterPage(context.Background(), testAuthz(), 5, res.NextPageToken, page2, next2, u.fetch, keepWhere(allowed))
	require.NoError(t, err)
	assert.Empty(t, res2.Items)
	assert.Empty(t, res2.NextPageToken)
}

func TestFilterPageExactlyOnceAcrossCalls(t *testing.T) {
	u := newFakeUpstream(20)
	allowed := func(id int) bool { return id%3 == 0 }

	var collected []int
	token := ""
	for i := 0; i < 50; i++ {
		page, next, err := u.page(token, 2)
		require.NoError(t, err)

		res, err := FilterPage(context.Background(), testAuthz(), 2, token, page, next, u.fetch, keepWhere(allowed))
		require.NoError(t, err)

		collected = append(collected, ids(res.Items)...)
		if res.NextPageToken == "" {
			break
		}
		token = res.NextPageToken
	}

	assert.Equal(t, []int{0, 3, 6, 9, 12, 15, 18}, collected)
}

func TestFilterPageIterationBound(t *testing.T) {
	u := newFakeUpstream(100)
	authz := testAuthz()
	authz.FilterMaxIterations = 2

	page, next, err := u.page("", 5)
	require.NoError(t, err)

	res, err := FilterPage(context.Background(), authz, 5, "", page, next, u.fetch, keepWhere(func(int) bool { return false }))
	require.NoError(t, err)

	assert.Empty(t, res.Items)
	assert.Equal(t, 2, res.Iterations)
	// Short page, but the token is still a valid continuation.
	off, err := DecodeOffset(res.NextPageToken)
	require.NoError(t, err)
	assert.Greater(t, off, 0)
}

func TestFilterPageMaxPageSizeCap(t *testing.T) {
	u := newFakeUpstream(50)
	authz := testAuthz()
	authz.FilterMaxPageSize = 4

	page, next, err := u.page("", 10)
	require.NoError(t, err)

	_, err = FilterPage(context.Background(), authz, 10, "", page, next,
		func(ctx context.Context, token string, max int) ([]json.RawMessage, string, error) {
			assert.LessOrEqual(t, max, 4)
			return u.fetch(ctx, token, max)
		},
		keepWhere(func(id int) bool { return id >= 40 }))
	require.NoError(t, err)
}

func TestFilterPageNonPositiveRequested(t *testing.T) {
	u := newFakeUpstream(5)
	page, next, err := u.page("", 5)
	require.NoError(t, err)

	res, err := FilterPage(context.Background(), testAuthz(), 0, "", page, next, u.fetch, keepWhere(func(id int) bool { return id%2 == 0 }))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2, 4}, ids(res.Items))
	assert.Equal(t, next, res.NextPageToken)
	assert.Zero(t, u.fetches)
}

func TestFilterPageForeignTokenFiltersSinglePage(t *testing.T) {
	u := newFakeUpstream(5)
	page, _, err := u.page("", 5)
	require.NoError(t, err)

	// A token this layer cannot decode still pages upstream correctly;
	// the engine falls back to filtering the fetched page only.
	res, err := FilterPage(context.Background(), testAuthz(), 3, "opaque-upstream-token", page, "up-next", u.fetch, keepWhere(func(int) bool { return true }))
	require.NoError(t, err)
	assert.Len(t, res.Items, 5)
	assert.Equal(t, "up-next", res.NextPageToken)
	assert.Zero(t, u.fetches)
}

func TestFilterPagePredicateErrorPropagates(t *testing.T) {
	u := newFakeUpstream(3)
	page, next, err := u.page("", 3)
	require.NoError(t, err)

	_, err = FilterPage(context.Background(), testAuthz(), 3, "", page, next, u.fetch,
		func(context.Context, json.RawMessage) (bool, error) {
			return false, assert.AnError
		})
	assert.ErrorIs(t, err, assert.AnError)
}

func ids(items []json.RawMessage) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, itemID(it))
	}
	return out
}
