// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, and common HTTP middleware patterns used by the management API
// and the proxy.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, resource)
//	httputil.WriteCreated(w, resource)
//
// Error responses:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteUnauthorized(w, "token expired")
//	httputil.WriteForbidden(w, "insufficient permissions")
//
// # Request Parsing
//
// JSON parsing:
//
//	var req CreateGrantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path and query parameters:
//
//	username, ok := httputil.ParsePathStringOrError(w, r, "username")
//	limit, err := httputil.ParseQueryInt(r, "limit", 20)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and request metrics middleware
//   - pkg/api: Management API handlers built on these helpers
package httputil
