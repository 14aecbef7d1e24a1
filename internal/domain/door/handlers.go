package door

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kaylacar/agent-door/internal/ctxkey"
	"github.com/kaylacar/agent-door/internal/domain/capability"
)

func (d *Door) handleAgentsTxt(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(d.agentsTxt)
}

func (d *Door) handleAgentsJSON(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", d.etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == d.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(d.manifest)
}

func (d *Door) handleSessionCreate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	sess, err := d.sessions.Create(d.capNames)
	if err != nil {
		d.logger.Error("create session", "slug", d.reg.Slug, "error", err)
		d.respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	d.respondOK(w, map[string]any{
		"session_token": sess.Token,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
		"capabilities":  sess.Capabilities,
	})
}

// handleSessionEnd removes the presented session. Ending an unknown token
// still reports ended:true; the endpoint leaks nothing about token validity.
func (d *Door) handleSessionEnd(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if token := sessionToken(r); token != "" {
		d.sessions.End(token)
	}
	d.respondOK(w, map[string]any{"ended": true})
}

// capabilityHandler wraps one compiled capability: rate check, session
// check when gated, then the upstream call closure.
func (d *Door) capabilityHandler(cap *capability.Capability) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		res := d.limiter.Check(clientIP(r), d.reg.RateLimit)
		if !res.Allowed {
			w.Header().Set("Retry-After", itoa(res.RetryAfterSeconds()))
			d.respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		if cap.RequiresSession {
			token := sessionToken(r)
			if token == "" {
				d.respondError(w, http.StatusUnauthorized, "Session required")
				return
			}
			if _, err := d.sessions.Validate(token); err != nil {
				d.respondError(w, http.StatusUnauthorized, "Invalid or expired session")
				return
			}
		}

		req := capability.Request{Params: params}
		switch cap.Method {
		case http.MethodGet, http.MethodDelete:
			req.Query = r.URL.Query()
		default:
			if r.Body != nil && r.ContentLength != 0 {
				var body map[string]any
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					d.respondError(w, http.StatusBadRequest, "Invalid JSON body")
					return
				}
				req.Body = body
			}
		}

		result, err := cap.Invoke(r.Context(), req)
		if err != nil {
			d.respondUpstreamError(w, r.Context(), cap.Name, err)
			return
		}
		d.respondOK(w, result)
	}
}

// respondUpstreamError surfaces only the upstream status code; everything
// else about the failure stays in the logs.
func (d *Door) respondUpstreamError(w http.ResponseWriter, ctx context.Context, capName string, err error) {
	var uerr *capability.UpstreamError
	if errors.As(err, &uerr) {
		d.respondError(w, http.StatusBadRequest, "Upstream returned "+itoa(uerr.Status))
		return
	}
	d.logger.Warn("capability call failed",
		"slug", d.reg.Slug,
		"capability", capName,
		"request_id", requestID(ctx),
		"error", err)
	d.respondError(w, http.StatusBadRequest, "Upstream request failed")
}

func (d *Door) respondOK(w http.ResponseWriter, data any) {
	d.respondJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func (d *Door) respondError(w http.ResponseWriter, status int, message string) {
	d.respondJSON(w, status, map[string]any{"ok": false, "error": message})
}

func (d *Door) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		d.logger.Debug("write response", "slug", d.reg.Slug, "error", err)
	}
}

// sessionToken extracts the session token from Authorization: Bearer or
// X-Session-Token.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Session-Token")
}

// clientIP prefers the address the gateway middleware resolved; outside a
// middleware chain it falls back to the socket peer.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxkey.ClientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
