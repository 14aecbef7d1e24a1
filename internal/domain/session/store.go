package session

import "errors"

// ErrNotFound is returned when a token is unknown or expired.
var ErrNotFound = errors.New("session not found")

// Store issues and validates session tokens for a single tenant.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create issues a new session carrying a snapshot of the tenant's
	// capability names.
	Create(capabilities []string) (*Session, error)

	// Validate returns the session for a token, or ErrNotFound when the
	// token is unknown or expired. Expired entries are evicted lazily.
	Validate(token string) (*Session, error)

	// End removes a session. Idempotent: ending an unknown token is a no-op.
	End(token string)

	// Destroy stops background compaction and drops all entries.
	// Safe to call multiple times.
	Destroy()
}
