// Package middleware provides HTTP middleware for session authentication,
// plan gating and rate limiting.
//
// # CRITICAL: Middleware Ordering Requirements
//
// REQUIRED ORDERING (outer to inner):
//  1. Authenticate - loads the session user into the context
//  2. RateLimit - keys by user when one is present
//  3. access.Guard.RequireWorkspace - sets the tenant context
//  4. RequireProPlan - reads the tenant context
//
// Example (correct):
//
//	router.Use(middleware.Authenticate(dir, sessions))
//	router.Use(middleware.RateLimit(limiter, logger))
//	router.Handle("/api/workspace/{id}/members/export",
//	    guard.RequireWorkspace(storage.RoleAdmin)(
//	        middleware.RequireProPlan("member_export")(handler)))
//
// RequireProPlan without a tenant context fails the request with 500.
//
// # Rate Limiting
//
// RateLimiter is an in-process token bucket. DistributedRateLimiter is a
// Redis fixed window shared by all instances. Both satisfy Limiter.
//
// Default (Anonymous): 100 req/min, 10 burst
// Per-User: 1000 req/min, 50 burst
// Webhook: 600 req/min, 100 burst
package middleware
