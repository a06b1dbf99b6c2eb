// Package middleware adapts the engine to net/http.
//
// [Guard] reads the bearer token, calls Engine.ValidateRequest and stores
// the claims in the request context. [RequireRole] and [RequirePermission]
// authorize on those claims. [ClientInfo] records the caller's address and
// User-Agent for session bookkeeping and threat detection.
//
// The package never parses tokens or touches a store itself.
package middleware
