package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// newInvoker builds the call closure for one operation. The closure
// performs a single HTTP call against baseURL with the caller's context,
// so a disconnecting client cancels the upstream call.
func (c *Compiler) newInvoker(verb, baseURL, pathTemplate string) Invoker {
	client := c.client
	logger := c.logger

	return func(ctx context.Context, req Request) (any, error) {
		target := baseURL + resolvePath(pathTemplate, req.Params)

		var body io.Reader
		switch verb {
		case http.MethodGet, http.MethodDelete:
			if len(req.Query) > 0 {
				target += "?" + req.Query.Encode()
			}
		default:
			if len(req.Body) > 0 {
				encoded, err := json.Marshal(req.Body)
				if err != nil {
					return nil, fmt.Errorf("encode request body: %w", err)
				}
				body = bytes.NewReader(encoded)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, verb, target, body)
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		httpReq.Header.Set("Accept", "application/json")
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("call upstream: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read upstream response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// The upstream error body stays internal.
			logger.Warn("upstream call failed",
				"method", verb,
				"path", pathTemplate,
				"status", resp.StatusCode,
				"body_bytes", len(payload))
			return nil, &UpstreamError{Status: resp.StatusCode}
		}

		var result any
		if err := json.Unmarshal(payload, &result); err != nil {
			logger.Warn("upstream returned invalid JSON",
				"method", verb,
				"path", pathTemplate,
				"body_bytes", len(payload))
			return nil, fmt.Errorf("decode upstream response: %w", err)
		}
		return result, nil
	}
}

// resolvePath substitutes {k} placeholders with URL-encoded values.
func resolvePath(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}
	resolved := template
	for k, v := range params {
		resolved = strings.ReplaceAll(resolved, "{"+k+"}", url.PathEscape(v))
	}
	return resolved
}
