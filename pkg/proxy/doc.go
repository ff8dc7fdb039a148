// Package proxy forwards MLflow API traffic to the tracking server
// with permission enforcement on both sides of the round trip.
//
// Each request is checked by the before-request validators, forwarded
// upstream with the body buffered, and the buffered response is handed
// to the after-response hooks before it reaches the client. Buffering
// lets hooks rewrite response bodies (search filtering) and lets the
// proxy recompute Content-Length afterwards.
package proxy
