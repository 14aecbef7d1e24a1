// Package site defines the persisted tenant registration record and the
// admission rules for tenant slugs.
package site

import (
	"regexp"
	"time"
)

// Registration is the durable record of one registered tenant.
type Registration struct {
	// Slug is the URL-safe tenant identifier. Unique primary key.
	Slug string `json:"slug"`
	// SiteName is the human-readable display name.
	SiteName string `json:"site_name"`
	// SiteURL is the tenant's public website URL.
	SiteURL string `json:"site_url"`
	// APIURL is the upstream base URL capability calls are proxied to,
	// with any trailing slash stripped.
	APIURL string `json:"api_url"`
	// OpenAPIURL is the explicit spec URL supplied at registration, or
	// empty when the default APIURL+"/openapi.json" was used.
	OpenAPIURL string `json:"open_api_url,omitempty"`
	// Description is optional display text surfaced in the manifest.
	Description string `json:"description,omitempty"`
	// RateLimit is requests per minute per client IP, in [1,1000].
	RateLimit int `json:"rate_limit"`
	// CreatedAt is the wall-clock registration time (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Rate limit bounds for proxied tenant traffic.
const (
	MinRateLimit     = 1
	MaxRateLimit     = 1000
	DefaultRateLimit = 60
)

// slugPattern: 2-40 chars of lowercase alphanumerics and hyphens, no
// leading or trailing hyphen.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,38}[a-z0-9]$`)

// ValidSlug reports whether s is an acceptable tenant slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// reservedSlugs are path segments the gateway claims for itself; a tenant
// registered under one of these would shadow a gateway route.
var reservedSlugs = map[string]struct{}{
	"register":    {},
	"sites":       {},
	"health":      {},
	"admin":       {},
	"api":         {},
	"static":      {},
	"assets":      {},
	"favicon.ico": {},
	"robots.txt":  {},
	".well-known": {},
	"metrics":     {},
}

// ReservedSlug reports whether s collides with a gateway-owned route.
func ReservedSlug(s string) bool {
	_, ok := reservedSlugs[s]
	return ok
}
