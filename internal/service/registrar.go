// Package service holds the gateway's application logic: tenant admission,
// restoration, and the live tenant map. The HTTP layer stays thin; every
// admission decision lives here.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kaylacar/agent-door/internal/adapter/outbound/memory"
	"github.com/kaylacar/agent-door/internal/adapter/outbound/registry"
	"github.com/kaylacar/agent-door/internal/domain/capability"
	"github.com/kaylacar/agent-door/internal/domain/door"
	"github.com/kaylacar/agent-door/internal/domain/ratelimit"
	"github.com/kaylacar/agent-door/internal/domain/site"
)

// MaxBodyBytes caps the registration request body.
const MaxBodyBytes = 100 << 10

// Registrations allowed per client IP per rate window.
const RegistrationsPerWindow = 10

// Error is an admission failure with the HTTP status it maps to.
type Error struct {
	Status     int
	Message    string
	RetryAfter int
}

func (e *Error) Error() string { return e.Message }

func badRequest(msg string) *Error { return &Error{Status: 400, Message: msg} }

// RegistrationStore is the durable catalog the registrar persists to.
type RegistrationStore interface {
	Register(reg site.Registration, specJSON []byte) error
	Get(slug string) (site.Registration, error)
	List() ([]site.Registration, error)
	ListWithSpecs() ([]registry.StoredSite, error)
	Delete(slug string) (bool, error)
	Count() (int, error)
}

// SpecFetcher downloads an OpenAPI descriptor.
type SpecFetcher interface {
	Fetch(ctx context.Context, specURL string) ([]byte, error)
}

// URLValidator rejects URLs the gateway must not dereference.
type URLValidator interface {
	Validate(ctx context.Context, raw string) error
}

// Registrar admits, restores, and removes tenants.
type Registrar struct {
	store    RegistrationStore
	fetcher  SpecFetcher
	guard    URLValidator
	compiler *capability.Compiler
	tenants  *Tenants
	limiter  ratelimit.Limiter

	maxRegistrations int
	corsOrigins      []string
	logger           *slog.Logger
}

// RegistrarConfig wires a Registrar's collaborators.
type RegistrarConfig struct {
	Store    RegistrationStore
	Fetcher  SpecFetcher
	Guard    URLValidator
	Compiler *capability.Compiler
	Tenants  *Tenants
	// Limiter is the shared gateway limiter; the registrar uses
	// "register:"-prefixed keys on it.
	Limiter ratelimit.Limiter

	MaxRegistrations int
	CORSOrigins      []string
	Logger           *slog.Logger
}

// NewRegistrar builds a Registrar.
func NewRegistrar(cfg RegistrarConfig) *Registrar {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxReg := cfg.MaxRegistrations
	if maxReg <= 0 {
		maxReg = 500
	}
	return &Registrar{
		store:            cfg.Store,
		fetcher:          cfg.Fetcher,
		guard:            cfg.Guard,
		compiler:         cfg.Compiler,
		tenants:          cfg.Tenants,
		limiter:          cfg.Limiter,
		maxRegistrations: maxReg,
		corsOrigins:      cfg.CORSOrigins,
		logger:           logger,
	}
}

// Tenants returns the live tenant map.
func (r *Registrar) Tenants() *Tenants { return r.tenants }

// Register admits one tenant from a raw request body. The checks run in a
// fixed order so a request failing several ways always gets the same
// answer; the rate window is consumed only after the payload itself is
// acceptable, and the spec fetch happens only after the window admits.
func (r *Registrar) Register(ctx context.Context, body []byte, clientIP string) (site.Registration, error) {
	if len(body) > MaxBodyBytes {
		return site.Registration{}, &Error{Status: 413, Message: "Request body too large"}
	}

	req, err := parseRegisterBody(body)
	if err != nil {
		return site.Registration{}, err
	}

	if req.APIURL == "" && req.OpenAPIURL == "" {
		return site.Registration{}, badRequest("Either apiUrl or openApiUrl is required")
	}
	if !site.ValidSlug(req.Slug) {
		return site.Registration{}, badRequest("Invalid slug: use 2-40 lowercase letters, digits, or hyphens")
	}
	if site.ReservedSlug(req.Slug) {
		return site.Registration{}, badRequest("Slug is reserved")
	}
	if !req.RateLimitOK || req.RateLimit < site.MinRateLimit || req.RateLimit > site.MaxRateLimit {
		return site.Registration{}, badRequest(fmt.Sprintf(
			"rateLimit must be an integer between %d and %d", site.MinRateLimit, site.MaxRateLimit))
	}

	if r.tenants.Count() >= r.maxRegistrations {
		return site.Registration{}, &Error{Status: 503, Message: "Maximum number of registrations reached"}
	}
	if _, ok := r.tenants.Lookup(req.Slug); ok {
		return site.Registration{}, &Error{Status: 409, Message: "Slug already registered"}
	}

	for _, u := range []struct{ field, value string }{
		{"siteUrl", req.SiteURL},
		{"apiUrl", req.APIURL},
		{"openApiUrl", req.OpenAPIURL},
	} {
		if u.value == "" {
			continue
		}
		if err := r.guard.Validate(ctx, u.value); err != nil {
			return site.Registration{}, badRequest(u.field + " is not allowed: " + err.Error())
		}
	}

	apiURL := strings.TrimSuffix(req.APIURL, "/")
	if apiURL == "" {
		apiURL = strings.TrimSuffix(req.SiteURL, "/")
	}
	specURL := req.OpenAPIURL
	if specURL == "" {
		specURL = apiURL + "/openapi.json"
	}
	if err := r.guard.Validate(ctx, specURL); err != nil {
		return site.Registration{}, badRequest("openApiUrl is not allowed: " + err.Error())
	}

	if res := r.limiter.Check("register:"+clientIP, RegistrationsPerWindow); !res.Allowed {
		return site.Registration{}, &Error{
			Status:     429,
			Message:    "Too many registration attempts",
			RetryAfter: 60,
		}
	}

	specJSON, fetchErr := r.fetcher.Fetch(ctx, specURL)
	if fetchErr != nil {
		r.logger.Warn("spec fetch failed", "slug", req.Slug, "url", specURL, "error", fetchErr)
		return site.Registration{}, badRequest("Could not load OpenAPI spec")
	}

	caps, compileErr := r.compiler.Compile(specJSON, apiURL)
	if compileErr != nil {
		r.logger.Warn("spec compile failed", "slug", req.Slug, "error", compileErr)
		return site.Registration{}, badRequest("Could not load OpenAPI spec")
	}

	reg := site.Registration{
		Slug:        req.Slug,
		SiteName:    req.SiteName,
		SiteURL:     req.SiteURL,
		APIURL:      apiURL,
		OpenAPIURL:  req.OpenAPIURL,
		Description: req.Description,
		RateLimit:   req.RateLimit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.Register(reg, specJSON); err != nil {
		r.logger.Error("persist registration", "slug", reg.Slug, "error", err)
		return site.Registration{}, &Error{Status: 500, Message: "Could not store registration"}
	}

	// The tenant must be reachable before the caller sees success.
	r.tenants.Install(reg.Slug, r.buildDoor(reg, caps))
	r.logger.Info("tenant registered",
		"slug", reg.Slug, "capabilities", len(caps), "rate_limit", reg.RateLimit)
	return reg, nil
}

// Delete destroys a tenant and removes its record. Returns a 404 Error
// when neither the tenant map nor the registry knows the slug.
func (r *Registrar) Delete(slug string) error {
	d, hadDoor := r.tenants.Remove(slug)
	if hadDoor {
		d.Destroy()
	}
	existed, err := r.store.Delete(slug)
	if err != nil {
		r.logger.Error("delete registration", "slug", slug, "error", err)
		return &Error{Status: 500, Message: "Could not delete registration"}
	}
	if !hadDoor && !existed {
		return &Error{Status: 404, Message: "Site not found"}
	}
	r.logger.Info("tenant deleted", "slug", slug)
	return nil
}

// List returns the stored registrations in registration order.
func (r *Registrar) List() ([]site.Registration, error) {
	return r.store.List()
}

// RestoreAll rebuilds every stored tenant at startup. A tenant whose spec
// no longer compiles is logged and skipped; the rest still come up.
func (r *Registrar) RestoreAll(ctx context.Context) int {
	sites, err := r.store.ListWithSpecs()
	if err != nil {
		r.logger.Error("list stored tenants", "error", err)
		return 0
	}
	restored := 0
	for _, st := range sites {
		if ctx.Err() != nil {
			break
		}
		caps, err := r.compiler.Compile(st.SpecJSON, st.Registration.APIURL)
		if err != nil {
			r.logger.Warn("skipping tenant with stale spec",
				"slug", st.Registration.Slug, "error", err)
			continue
		}
		r.tenants.Install(st.Registration.Slug, r.buildDoor(st.Registration, caps))
		restored++
	}
	r.logger.Info("tenants restored", "count", restored, "stored", len(sites))
	return restored
}

func (r *Registrar) buildDoor(reg site.Registration, caps []capability.Capability) *door.Door {
	logger := r.logger.With("slug", reg.Slug)
	return door.New(reg, caps,
		memory.NewSessionStore(logger),
		memory.NewSlidingWindowLimiter(logger),
		door.WithCORSOrigins(r.corsOrigins),
		door.WithLogger(logger),
	)
}

// registerRequest is the decoded admission payload.
type registerRequest struct {
	Slug        string
	SiteName    string
	SiteURL     string
	APIURL      string
	OpenAPIURL  string
	Description string
	RateLimit   int
	// RateLimitOK is false when rateLimit was present but not an
	// integer; the range check reports it in order with the rest.
	RateLimitOK bool
}

// parseRegisterBody decodes and shape-checks the payload. Missing and
// wrong-shape fields report the same way: the field is unusable.
func parseRegisterBody(body []byte) (registerRequest, *Error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return registerRequest{}, badRequest("Invalid JSON body")
	}

	req := registerRequest{RateLimit: site.DefaultRateLimit, RateLimitOK: true}

	var missing []string
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"slug", &req.Slug},
		{"siteName", &req.SiteName},
		{"siteUrl", &req.SiteURL},
	} {
		if !stringField(raw, f.name, f.dst) || *f.dst == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return registerRequest{}, badRequest("Missing required fields: " + strings.Join(missing, ", "))
	}

	// Optional strings: present but non-string is a shape error.
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"apiUrl", &req.APIURL},
		{"openApiUrl", &req.OpenAPIURL},
		{"description", &req.Description},
	} {
		if _, present := raw[f.name]; present && !stringField(raw, f.name, f.dst) {
			return registerRequest{}, badRequest("Field " + f.name + " must be a string")
		}
	}

	if rl, present := raw["rateLimit"]; present {
		var n float64
		if err := json.Unmarshal(rl, &n); err != nil || math.IsInf(n, 0) || n != math.Trunc(n) {
			req.RateLimitOK = false
		} else {
			req.RateLimit = int(n)
		}
	}
	return req, nil
}

// stringField decodes raw[name] into dst; false when absent or not a
// JSON string.
func stringField(raw map[string]json.RawMessage, name string, dst *string) bool {
	v, ok := raw[name]
	if !ok {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}
