package capability

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// MaxPaths caps the size of an accepted OpenAPI document.
const MaxPaths = 100

var (
	// ErrNoPaths is returned for a document without a non-empty paths object.
	ErrNoPaths = errors.New("openapi document has no paths")
	// ErrTooManyPaths is returned when the document exceeds MaxPaths.
	ErrTooManyPaths = fmt.Errorf("openapi document exceeds %d paths", MaxPaths)
)

// verbs is the fixed traversal order for operations within one path.
var verbs = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// Compiler turns OpenAPI documents into capability tables. Compilation is
// one-shot at registration (and again at restart restoration); the gateway
// never re-reads the spec on proxied calls.
type Compiler struct {
	client *http.Client
	logger *slog.Logger
}

// NewCompiler creates a compiler whose call closures use the given HTTP
// client for upstream requests.
func NewCompiler(client *http.Client, logger *slog.Logger) *Compiler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{client: client, logger: logger}
}

// Compile parses specJSON and derives the ordered capability table for an
// upstream mounted at baseURL (no trailing slash). Paths are visited in
// sorted order and verbs in fixed order, so the table is deterministic for
// a given document.
func (c *Compiler) Compile(specJSON []byte, baseURL string) ([]Capability, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specJSON)
	if err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, ErrNoPaths
	}
	if doc.Paths.Len() > MaxPaths {
		return nil, ErrTooManyPaths
	}

	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var caps []Capability
	for _, path := range paths {
		item := pathMap[path]
		if item == nil {
			continue
		}
		for _, verb := range verbs {
			op := item.GetOperation(verb)
			if op == nil {
				continue
			}
			cap := Capability{
				Name:            operationName(op, verb, path),
				Method:          verb,
				PathTemplate:    path,
				Params:          mergeParams(op, verb),
				RequiresSession: op.Security != nil && len(*op.Security) > 0,
			}
			cap.Invoke = c.newInvoker(verb, baseURL, path)
			caps = append(caps, cap)
		}
	}
	return caps, nil
}

// operationName prefers the operationId and falls back to a stable
// derivation from the method and path.
func operationName(op *openapi3.Operation, verb, path string) string {
	if op.OperationID != "" {
		return op.OperationID
	}
	return deriveName(verb, path)
}

// deriveName lowercases method_path, maps every run of non-alphanumerics
// to a single underscore, and trims leading/trailing underscores.
// deriveName("GET", "/items/{id}") == "get_items_id".
func deriveName(verb, path string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(verb + "_" + path) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// mergeParams collects the operation's query and path parameters and, for
// verbs that carry a body, the properties of its application/json request
// body schema. Body properties never override an explicit parameter of
// the same name.
func mergeParams(op *openapi3.Operation, verb string) map[string]ParamSpec {
	params := make(map[string]ParamSpec)

	for _, ref := range op.Parameters {
		p := ref.Value
		if p == nil {
			continue
		}
		if p.In != openapi3.ParameterInQuery && p.In != openapi3.ParameterInPath {
			continue
		}
		spec := paramSpecFromSchema(p.Schema)
		// Path parameters are always required on the wire.
		spec.Required = p.Required || p.In == openapi3.ParameterInPath
		params[p.Name] = spec
	}

	if verb == http.MethodGet || verb == http.MethodDelete {
		return params
	}
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return params
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return params
	}

	schema := media.Schema.Value
	required := make(map[string]struct{}, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = struct{}{}
	}
	for name, propRef := range schema.Properties {
		if _, exists := params[name]; exists {
			continue
		}
		spec := paramSpecFromSchema(propRef)
		_, spec.Required = required[name]
		params[name] = spec
	}
	return params
}

// paramSpecFromSchema extracts {type, enum, default} from a schema ref,
// defaulting the type to string when the schema is absent or untyped.
func paramSpecFromSchema(ref *openapi3.SchemaRef) ParamSpec {
	spec := ParamSpec{Type: "string"}
	if ref == nil || ref.Value == nil {
		return spec
	}
	if types := ref.Value.Type; types != nil {
		if slice := types.Slice(); len(slice) > 0 {
			spec.Type = slice[0]
		}
	}
	if len(ref.Value.Enum) > 0 {
		spec.Enum = ref.Value.Enum
	}
	spec.Default = ref.Value.Default
	return spec
}
