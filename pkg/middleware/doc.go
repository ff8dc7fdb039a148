// Package middleware provides the HTTP middleware chain for the proxy
// and the management API.
//
// # Middleware Components
//
// Identity: authenticates every request and stores the resulting
// identity in the request context
//
//	router.Use(middleware.NewIdentity(authenticator, validators.Unprotected, logger).Handler)
//
// RequestID: assigns a request id and seeds a request-scoped logger
//
//	router.Use(middleware.RequestID(logger))
//
// RateLimit: Redis-backed fixed-window rate limiting keyed by the
// authenticated user (falling back to the client IP)
//
//	limiter := middleware.NewRateLimiter(redisClient, middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimit(limiter))
//
// # Related Packages
//
//   - pkg/auth: credential verification
//   - pkg/validators: unprotected path list
package middleware
