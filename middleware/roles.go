package middleware

import (
	"net/http"

	authcore "github.com/jhongo20/BaseAdmin-sub000"
)

// RequireRole lets the request through when the claims stored by [Guard]
// carry any of roles. Mount it after Guard.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return requireClaims(func(c *authcore.Claims) bool {
		for _, r := range roles {
			if c.HasRole(r) {
				return true
			}
		}
		return false
	})
}

// RequirePermission lets the request through only when the claims carry
// every one of perms.
func RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return requireClaims(func(c *authcore.Claims) bool {
		for _, p := range perms {
			if !c.HasPermission(p) {
				return false
			}
		}
		return true
	})
}

func requireClaims(allow func(*authcore.Claims) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || claims == nil {
				unauthorized(w)
				return
			}
			if !allow(claims) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
