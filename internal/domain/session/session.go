// Package session manages the opaque, expiring tokens that scope calls to
// session-gated capabilities. Sessions are per-tenant and in-memory: they
// die with their owning tenant regardless of remaining TTL.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTTL is the default session lifetime.
const DefaultTTL = time.Hour

// Session is one issued token and its scope.
type Session struct {
	// Token is a cryptographically random identifier, 32 bytes hex-encoded
	// (64 characters). Opaque to clients.
	Token string
	// Capabilities is a snapshot of the tenant's capability names at
	// creation time.
	Capabilities []string
	// CreatedAt is when the session was issued (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session stops validating (UTC).
	ExpiresAt time.Time
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return !time.Now().UTC().Before(s.ExpiresAt)
}

// GenerateToken creates a cryptographically random session token with
// 256 bits of entropy, hex-encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
