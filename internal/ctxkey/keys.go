// Package ctxkey holds shared context key types so that middleware and
// tenant routers can exchange request-scoped values without import cycles.
package ctxkey

// RequestIDKey carries the request correlation ID.
type RequestIDKey struct{}

// LoggerKey carries the request-enriched *slog.Logger.
type LoggerKey struct{}

// ClientIPKey carries the client IP string used for rate limiting.
type ClientIPKey struct{}
