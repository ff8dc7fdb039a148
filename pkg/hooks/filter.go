package hooks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mlflow-oidc/gatekeeper/pkg/config"
)

// pageOffset mirrors MLflow's page token payload: tokens are base64
// JSON carrying the absolute offset into the result set. Keeping the
// same shape lets corrected tokens flow back upstream unchanged.
type pageOffset struct {
	Offset int `json:"offset"`
}

// EncodeOffset builds a page token for the given absolute offset.
func EncodeOffset(offset int) string {
	data, _ := json.Marshal(pageOffset{Offset: offset})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeOffset parses a page token back to its absolute offset. The
// empty token decodes to offset zero.
func DecodeOffset(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("malformed page token: %w", err)
	}
	var off pageOffset
	if err := json.Unmarshal(data, &off); err != nil {
		return 0, fmt.Errorf("malformed page token: %w", err)
	}
	if off.Offset < 0 {
		return 0, fmt.Errorf("malformed page token: negative offset")
	}
	return off.Offset, nil
}

// FetchFunc fetches one more upstream page starting at the given token.
type FetchFunc func(ctx context.Context, pageToken string, maxResults int) ([]json.RawMessage, string, error)

// Predicate reports whether the caller may see the item.
type Predicate func(ctx context.Context, item json.RawMessage) (bool, error)

// FilterResult is the outcome of filtering one page.
type FilterResult struct {
	Items         []json.RawMessage
	NextPageToken string
	Iterations    int
	Dropped       int
}

// FilterPage removes items the predicate rejects from an already-fetched
// page and, while the page is under-full and upstream has more results,
// fetches further pages to backfill, bounded by the configured iteration
// cap. The returned token always points at the first upstream position
// not yet consumed, so repeated calls never re-return or skip items.
//
// A non-positive requested size means "filter the fetched page only": no
// backfill, upstream token passed through.
func FilterPage(ctx context.Context, authz config.AuthzConfig, requested int, requestToken string, page []json.RawMessage, upstreamNext string, fetch FetchFunc, keep Predicate) (*FilterResult, error) {
	res := &FilterResult{Items: make([]json.RawMessage, 0, len(page))}

	singlePage := requested <= 0
	startOffset, err := DecodeOffset(requestToken)
	if err != nil {
		// A token this layer cannot interpret still paged the upstream
		// correctly; without offset math only the fetched page can be
		// filtered.
		singlePage = true
	}

	if singlePage {
		for _, item := range page {
			ok, err := keep(ctx, item)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Items = append(res.Items, item)
			} else {
				res.Dropped++
			}
		}
		res.NextPageToken = upstreamNext
		return res, nil
	}

	consumed := 0
	items, next := page, upstreamNext

	for {
		full := false
		for _, item := range items {
			if len(res.Items) >= requested {
				full = true
				break
			}
			consumed++
			ok, err := keep(ctx, item)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Items = append(res.Items, item)
			} else {
				res.Dropped++
			}
		}

		if full || len(res.Items) >= requested || next == "" || res.Iterations >= authz.FilterMaxIterations {
			// Untouched pages keep the upstream token as-is; anything
			// else gets an offset token at the consumption point, so
			// even an exhausted-but-filtered page hands back a valid
			// continuation whose follow-up observes the end of the
			// stream itself.
			if res.Iterations == 0 && res.Dropped == 0 && !full {
				res.NextPageToken = upstreamNext
			} else {
				res.NextPageToken = EncodeOffset(startOffset + consumed)
			}
			return res, nil
		}

		size := requested * 2
		if size > authz.FilterMaxPageSize {
			size = authz.FilterMaxPageSize
		}

		items, next, err = fetch(ctx, EncodeOffset(startOffset+consumed), size)
		if err != nil {
			return nil, fmt.Errorf("filter backfill fetch failed: %w", err)
		}
		res.Iterations++
	}
}
