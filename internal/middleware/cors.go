package middleware

import (
	"net/http"
	"strings"
)

// OriginPolicy decides which browser origins may call the API.
type OriginPolicy interface {
	Allowed(origin string) bool
}

var allowHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"X-Requested-With",
	"X-Admin-Key",
	"X-StepB-Token",
	"Idempotency-Key",
}, ", ")

// CORS consults policy on every request carrying an Origin header. Requests
// without one (curl, webhooks, server-to-server) pass through untouched.
// Allowed origins are echoed back with credentials; others get 403.
func CORS(policy OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			if !policy.Allowed(origin) {
				writeError(w, http.StatusForbidden, "CORS policy: origin not allowed")
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Expose-Headers", "Content-Length, X-Requested-With")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
