// Package capability compiles an OpenAPI 3.x document into the ordered
// table of operations a tenant advertises, and produces the call closure
// that proxies each operation to the upstream API.
package capability

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ParamSpec describes one accepted parameter of a capability, merged from
// the operation's query/path parameters and its JSON request body.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Enum     []any  `json:"enum,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Request carries the caller-supplied pieces of one capability invocation.
type Request struct {
	// Params are path-parameter bindings, substituted into the template.
	Params map[string]string
	// Query is appended verbatim for GET/DELETE capabilities.
	Query url.Values
	// Body is JSON-encoded for other verbs when non-empty.
	Body map[string]any
}

// Invoker performs the upstream HTTP call for one capability.
type Invoker func(ctx context.Context, req Request) (any, error)

// Capability is a single upstream operation derived from one OpenAPI
// (path, method) pair.
type Capability struct {
	// Name is the operationId, or a stable derivation from method+path.
	Name string
	// Method is the HTTP verb, one of GET, POST, PUT, PATCH, DELETE.
	Method string
	// PathTemplate is the upstream path with {param} placeholders.
	PathTemplate string
	// Params maps parameter name to its accepted shape.
	Params map[string]ParamSpec
	// RequiresSession gates the capability behind a valid session token.
	RequiresSession bool
	// Invoke proxies a request to the upstream and returns its parsed
	// JSON response.
	Invoke Invoker
}

// RoutePattern returns the tenant-router pattern for this capability,
// relative to the well-known base. Dotted names map to nested segments;
// the sentinel name "detail" takes a trailing path parameter.
func (c *Capability) RoutePattern() string {
	switch {
	case c.Name == "detail":
		return "/agents/api/detail/:id"
	case strings.Contains(c.Name, "."):
		return "/agents/api/" + strings.ReplaceAll(c.Name, ".", "/")
	default:
		return "/agents/api/" + c.Name
	}
}

// UpstreamError reports a non-2xx upstream response. Only the status code
// crosses this boundary; the upstream body is logged, never propagated.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Status)
}
