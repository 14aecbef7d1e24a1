// Package adminkey verifies admin API keys. The configured key is either a
// plaintext secret or an Argon2id hash in PHC format; verification is
// timing-safe in both cases.
package adminkey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// phcPrefix marks a stored Argon2id hash.
const phcPrefix = "$argon2id$"

// Hash returns the Argon2id PHC hash of a raw key, suitable for use as
// the configured admin key.
func Hash(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2id.DefaultParams)
}

// Verify reports whether rawKey matches the configured admin key. A
// plaintext configured key is compared by hashing both sides, so the
// comparison runs over fixed-length buffers regardless of input length.
func Verify(rawKey, configured string) bool {
	if strings.HasPrefix(configured, phcPrefix) {
		match, err := safeCompare(rawKey, configured)
		return err == nil && match
	}
	presented := sha256.Sum256([]byte(rawKey))
	expected := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(presented[:], expected[:]) == 1
}

// safeCompare wraps argon2id.ComparePasswordAndHash with panic recovery;
// the library panics on PHC strings with degenerate parameters.
func safeCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// Fingerprint returns a short non-reversible identifier for a configured
// key, for logging which key is active without logging the key.
func Fingerprint(configured string) string {
	sum := sha256.Sum256([]byte(configured))
	return hex.EncodeToString(sum[:4])
}
