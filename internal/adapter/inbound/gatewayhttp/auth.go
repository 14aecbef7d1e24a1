package gatewayhttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kaylacar/agent-door/internal/domain/adminkey"
	"github.com/kaylacar/agent-door/internal/domain/ratelimit"
)

// Admin operations allowed per client IP per rate window.
const adminOpsPerWindow = 20

// adminAuthMiddleware gates the admin surface. With a configured key,
// the caller must present it via X-Api-Key or Authorization: Bearer.
// With no key configured, only loopback callers are admitted; an
// unconfigured gateway never exposes its admin surface to the network.
func adminAuthMiddleware(configuredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if configuredKey == "" {
				if isLocalhost(r) {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, "Admin API requires an API key")
				return
			}

			presented := extractAdminKey(r)
			if presented == "" || !adminkey.Verify(presented, configuredKey) {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractAdminKey reads the admin key from X-Api-Key or
// Authorization: Bearer, in that order.
func extractAdminKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// adminRateMiddleware throttles the admin surface per client IP on the
// shared gateway limiter. The registration window is narrower and is
// enforced separately inside admission.
func adminRateMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Check("admin:"+clientIPFromContext(r), adminOpsPerWindow)
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
