package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

// keyExtractor pulls the grant key (resource id or name) for a lifecycle
// event out of the request or response. An empty key makes the handler
// a no-op: the cascade never guesses which resource was touched.
type keyExtractor func(req *Request, resp *Response) (string, error)

// grantCreatorManage returns a handler granting the initiating user
// MANAGE on the freshly created resource. Re-running it overwrites the
// same grant rather than duplicating it.
func (d *Dispatcher) grantCreatorManage(kind permissions.ResourceKind, extract keyExtractor) Handler {
	return func(ctx context.Context, req *Request, resp *Response) error {
		if req.Username == "" {
			return nil
		}
		key, err := extract(req, resp)
		if err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		if err := d.store.UpsertGrant(ctx, kind, key, req.Username, permissions.Manage.Name); err != nil {
			return fmt.Errorf("failed to grant creator permission on %s %q: %w", kind, key, err)
		}
		d.logger.WithFields(map[string]interface{}{
			"kind":     string(kind),
			"resource": key,
			"user":     req.Username,
		}).Debug("granted creator MANAGE")
		return nil
	}
}

// wipeOnDelete returns a handler removing every direct and group grant
// keyed to the deleted resource.
func (d *Dispatcher) wipeOnDelete(kind permissions.ResourceKind, extract keyExtractor) Handler {
	return func(ctx context.Context, req *Request, resp *Response) error {
		key, err := extract(req, resp)
		if err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		if err := d.store.WipeResourceGrants(ctx, kind, key); err != nil {
			return fmt.Errorf("failed to wipe grants for %s %q: %w", kind, key, err)
		}
		d.logger.WithFields(map[string]interface{}{
			"kind":     string(kind),
			"resource": key,
		}).Debug("wiped grants after delete")
		return nil
	}
}

// migrateOnRename returns a handler re-keying every grant from the old
// key to the new one. Identical or missing keys make it a no-op.
func (d *Dispatcher) migrateOnRename(kind permissions.ResourceKind, extract func(req *Request, resp *Response) (oldKey, newKey string, err error)) Handler {
	return func(ctx context.Context, req *Request, resp *Response) error {
		oldKey, newKey, err := extract(req, resp)
		if err != nil {
			return err
		}
		if oldKey == "" || newKey == "" || oldKey == newKey {
			return nil
		}
		if err := d.store.RenameResourceGrants(ctx, kind, oldKey, newKey); err != nil {
			return fmt.Errorf("failed to migrate grants from %q to %q: %w", oldKey, newKey, err)
		}
		d.logger.WithFields(map[string]interface{}{
			"kind": string(kind),
			"from": oldKey,
			"to":   newKey,
		}).Debug("migrated grants after rename")
		return nil
	}
}

// requestField extracts a string field from the request body.
func requestField(field string) keyExtractor {
	return func(req *Request, _ *Response) (string, error) {
		return JSONStringField(req.Body, field)
	}
}

// responseField extracts a string field from the response body,
// optionally descending through nested objects.
func responseField(path ...string) keyExtractor {
	return func(_ *Request, resp *Response) (string, error) {
		return jsonStringPath(resp.Body, path...)
	}
}

// scorerRequestKey joins the experiment id and scorer name from the
// request body into the experiment-scoped grant key.
func scorerRequestKey() keyExtractor {
	return func(req *Request, _ *Response) (string, error) {
		experimentID, err := JSONStringField(req.Body, "experiment_id")
		if err != nil {
			return "", err
		}
		name, err := JSONStringField(req.Body, "name")
		if err != nil {
			return "", err
		}
		if experimentID == "" || name == "" {
			return "", nil
		}
		return permissions.ScorerKey(experimentID, name), nil
	}
}

// capturedOldName reads the name stashed by the pre-dispatch step.
func capturedOldName() keyExtractor {
	return func(req *Request, _ *Response) (string, error) {
		return req.OldName, nil
	}
}

// JSONStringField extracts a top-level string field from a JSON body.
// Missing fields and empty bodies yield the empty string.
func JSONStringField(body []byte, field string) (string, error) {
	return jsonStringPath(body, field)
}

// JSONStringSlice extracts a top-level array of strings from a JSON
// body. Missing fields and empty bodies yield nil.
func JSONStringSlice(body []byte, field string) ([]string, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse body at %q: %w", field, err)
	}
	raw, ok := obj[field]
	if !ok {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("field %q is not a string array: %w", field, err)
	}
	return items, nil
}

func jsonStringPath(body []byte, path ...string) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	current := body
	for i, field := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return "", fmt.Errorf("failed to parse body at %q: %w", field, err)
		}
		raw, ok := obj[field]
		if !ok {
			return "", nil
		}
		if i == len(path)-1 {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", fmt.Errorf("field %q is not a string: %w", field, err)
			}
			return s, nil
		}
		current = raw
	}
	return "", nil
}
