package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// RawPage is one page of a search response with items kept as raw JSON,
// so a filtered response preserves every field the upstream returned,
// including ones this package does not model.
type RawPage struct {
	Items         []json.RawMessage
	NextPageToken string
}

// RawSearchRequest re-issues an upstream search with paging overrides
// while preserving the caller's original filter and ordering parameters.
type RawSearchRequest struct {
	Path   string
	Method string

	// Query carries the original query parameters for GET searches,
	// Body the original JSON body for POST searches. Both are copied
	// before the paging fields are overridden.
	Query url.Values
	Body  map[string]any

	// ItemsField names the response field holding the page items.
	ItemsField string

	PageToken  string
	MaxResults int
}

// SearchRaw fetches one page of an upstream search as raw JSON items.
func (c *Client) SearchRaw(ctx context.Context, req RawSearchRequest) (*RawPage, error) {
	var envelope map[string]json.RawMessage

	switch req.Method {
	case http.MethodGet:
		q := url.Values{}
		for k, v := range req.Query {
			q[k] = v
		}
		q.Set("max_results", strconv.Itoa(req.MaxResults))
		if req.PageToken != "" {
			q.Set("page_token", req.PageToken)
		} else {
			q.Del("page_token")
		}
		if err := c.get(ctx, req.Path, q, &envelope); err != nil {
			return nil, err
		}
	case http.MethodPost:
		body := make(map[string]any, len(req.Body)+2)
		for k, v := range req.Body {
			body[k] = v
		}
		body["max_results"] = req.MaxResults
		if req.PageToken != "" {
			body["page_token"] = req.PageToken
		} else {
			delete(body, "page_token")
		}
		if err := c.post(ctx, req.Path, body, &envelope); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported search method: %s", req.Method)
	}

	page := &RawPage{}
	if raw, ok := envelope[req.ItemsField]; ok {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return nil, fmt.Errorf("failed to decode %s field: %w", req.ItemsField, err)
		}
	}
	if raw, ok := envelope["next_page_token"]; ok {
		if err := json.Unmarshal(raw, &page.NextPageToken); err != nil {
			return nil, fmt.Errorf("failed to decode next_page_token: %w", err)
		}
	}
	return page, nil
}
