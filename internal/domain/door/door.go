// Package door implements the per-tenant router: the runtime bundle that
// serves a tenant's well-known discovery documents, session lifecycle, and
// compiled capability routes. The gateway owns doors; a door never reaches
// back into gateway state.
package door

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/kaylacar/agent-door/internal/domain/capability"
	"github.com/kaylacar/agent-door/internal/domain/ratelimit"
	"github.com/kaylacar/agent-door/internal/domain/session"
	"github.com/kaylacar/agent-door/internal/domain/site"
)

// DefaultBasePrefix is where the agent surface mounts inside the tenant's
// URL space.
const DefaultBasePrefix = "/.well-known"

// handlerFunc handles one matched route; params holds :name path bindings.
type handlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string)

// route is one entry of the ordered dispatch table.
type route struct {
	method   string
	segments []string
	handler  handlerFunc
}

// Door is one tenant's router plus its owned resources.
type Door struct {
	reg      site.Registration
	caps     []capability.Capability
	capNames []string
	sessions session.Store
	limiter  ratelimit.Limiter

	base        string
	corsOrigins []string
	logger      *slog.Logger

	routes   []route
	agentsTxt []byte
	manifest  []byte
	etag      string
	linkValue string
}

// Option configures a Door.
type Option func(*Door)

// WithBasePrefix overrides the default /.well-known mount prefix.
func WithBasePrefix(prefix string) Option {
	return func(d *Door) { d.base = strings.TrimSuffix(prefix, "/") }
}

// WithCORSOrigins restricts CORS to an allowlist. Empty means "*".
func WithCORSOrigins(origins []string) Option {
	return func(d *Door) { d.corsOrigins = origins }
}

// WithLogger sets the door's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Door) { d.logger = logger }
}

// New builds a tenant router over a compiled capability table. The door
// takes ownership of the session store and rate limiter: Destroy tears
// both down.
func New(reg site.Registration, caps []capability.Capability, sessions session.Store, limiter ratelimit.Limiter, opts ...Option) *Door {
	d := &Door{
		reg:      reg,
		caps:     caps,
		sessions: sessions,
		limiter:  limiter,
		base:     DefaultBasePrefix,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.capNames = make([]string, len(caps))
	for i := range caps {
		d.capNames[i] = caps[i].Name
	}

	d.buildDocuments()
	d.buildRoutes()
	return d
}

// Registration returns the registration this door was built from.
func (d *Door) Registration() site.Registration {
	return d.reg
}

// SessionCount reports live sessions when the store exposes its size.
func (d *Door) SessionCount() int {
	if sized, ok := d.sessions.(interface{ Size() int }); ok {
		return sized.Size()
	}
	return 0
}

// Destroy tears down the door's session store and rate limiter.
// Sessions die with the door regardless of remaining TTL.
func (d *Door) Destroy() {
	d.sessions.Destroy()
	d.limiter.Destroy()
}

// buildRoutes assembles the dispatch table. Order is load-bearing:
// discovery, then session lifecycle, then the capability table in compile
// order. First match wins, so compile order breaks capability ambiguity.
func (d *Door) buildRoutes() {
	add := func(method, pattern string, h handlerFunc) {
		d.routes = append(d.routes, route{
			method:   method,
			segments: splitPath(pattern),
			handler:  h,
		})
	}

	add(http.MethodGet, d.base+"/agents.txt", d.handleAgentsTxt)
	add(http.MethodGet, d.base+"/agents.json", d.handleAgentsJSON)
	add(http.MethodPost, d.base+"/agents/api/session", d.handleSessionCreate)
	add(http.MethodDelete, d.base+"/agents/api/session", d.handleSessionEnd)

	for i := range d.caps {
		cap := &d.caps[i]
		add(cap.Method, d.base+cap.RoutePattern(), d.capabilityHandler(cap))
	}
}

// Handle dispatches a request whose path has already been stripped of the
// tenant slug. It returns false when no route matches, letting the gateway
// fall through to its global 404 without the door having written anything.
func (d *Door) Handle(w http.ResponseWriter, r *http.Request) bool {
	// Pre-flight short-circuits before any matching.
	if r.Method == http.MethodOptions {
		d.setHeaders(w, r)
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	segs := splitPath(r.URL.Path)
	for i := range d.routes {
		rt := &d.routes[i]
		if rt.method != r.Method {
			continue
		}
		params, ok := matchSegments(rt.segments, segs)
		if !ok {
			continue
		}
		d.setHeaders(w, r)
		rt.handler(w, r, params)
		return true
	}
	return false
}

// setHeaders adds the CORS and manifest-advertisement headers every tenant
// response carries.
func (d *Door) setHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if len(d.corsOrigins) == 0 {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		origin := r.Header.Get("Origin")
		for _, allowed := range d.corsOrigins {
			if origin == allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				break
			}
		}
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Session-Token")
	h.Set("Link", d.linkValue)
}

// buildDocuments renders agents.txt and the agents.json manifest once at
// construction; both are immutable for the door's lifetime.
func (d *Door) buildDocuments() {
	d.linkValue = fmt.Sprintf("</%s%s/agents.json>; rel=\"agent-manifest\"", d.reg.Slug, d.base)

	var txt strings.Builder
	fmt.Fprintf(&txt, "# %s\n", d.reg.SiteName)
	fmt.Fprintf(&txt, "# %s\n", d.reg.SiteURL)
	if d.reg.Description != "" {
		fmt.Fprintf(&txt, "# %s\n", d.reg.Description)
	}
	txt.WriteString("#\n# Agent capabilities. Machine-readable manifest: agents.json\n\n")
	for i := range d.caps {
		cap := &d.caps[i]
		gate := ""
		if cap.RequiresSession {
			gate = " (session required)"
		}
		fmt.Fprintf(&txt, "%-6s %s%s\n", cap.Method, cap.Name, gate)
	}
	d.agentsTxt = []byte(txt.String())

	type manifestCap struct {
		Name            string                         `json:"name"`
		Method          string                         `json:"method"`
		Params          map[string]capability.ParamSpec `json:"params"`
		RequiresSession bool                           `json:"requires_session"`
	}
	manifest := struct {
		SchemaVersion string `json:"schema_version"`
		Site          struct {
			Name        string `json:"name"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"site"`
		Capabilities []manifestCap `json:"capabilities"`
	}{SchemaVersion: "1.0"}
	manifest.Site.Name = d.reg.SiteName
	manifest.Site.URL = d.reg.SiteURL
	manifest.Site.Description = d.reg.Description
	manifest.Capabilities = make([]manifestCap, len(d.caps))
	for i := range d.caps {
		cap := &d.caps[i]
		params := cap.Params
		if params == nil {
			params = map[string]capability.ParamSpec{}
		}
		manifest.Capabilities[i] = manifestCap{
			Name:            cap.Name,
			Method:          cap.Method,
			Params:          params,
			RequiresSession: cap.RequiresSession,
		}
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		// Manifest inputs are plain data; marshal cannot fail in practice.
		d.logger.Error("marshal manifest", "slug", d.reg.Slug, "error", err)
		body = []byte(`{"schema_version":"1.0","capabilities":[]}`)
	}
	d.manifest = body
	d.etag = fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(body)))
}

// splitPath splits a URL path into its non-empty segments.
func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchSegments matches request segments against a pattern; ":name"
// segments bind one request segment each.
func matchSegments(pattern, segs []string) (map[string]string, bool) {
	if len(pattern) != len(segs) {
		return nil, false
	}
	var params map[string]string
	for i, ps := range pattern {
		if strings.HasPrefix(ps, ":") {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[ps[1:]] = segs[i]
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return params, true
}
