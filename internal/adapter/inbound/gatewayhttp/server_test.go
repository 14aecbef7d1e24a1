package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/kaylacar/agent-door/internal/adapter/outbound/memory"
	"github.com/kaylacar/agent-door/internal/adapter/outbound/registry"
	"github.com/kaylacar/agent-door/internal/domain/capability"
	"github.com/kaylacar/agent-door/internal/domain/guard"
	"github.com/kaylacar/agent-door/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher serves specs from a map and records every URL asked for.
type fakeFetcher struct {
	specs map[string][]byte
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, specURL string) ([]byte, error) {
	f.calls = append(f.calls, specURL)
	if spec, ok := f.specs[specURL]; ok {
		return spec, nil
	}
	return nil, errors.New("connection refused")
}

// allowGuard admits everything except hosts containing a blocked marker.
type allowGuard struct{}

func (allowGuard) Validate(_ context.Context, raw string) error {
	for _, blocked := range []string{"169.254.", "localhost", "10.0."} {
		if strings.Contains(raw, blocked) {
			return &guard.Error{Kind: guard.KindPrivate, Host: raw}
		}
	}
	return nil
}

type env struct {
	server   *Server
	store    *registry.Store
	fetcher  *fakeFetcher
	upstream *httptest.Server
}

// newEnv builds a gateway over a mock upstream that serves an OpenAPI
// descriptor with one open and one session-gated capability.
func newEnv(t *testing.T, cfgMut func(*Config)) *env {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/items":
			_, _ = w.Write([]byte(`{"items":["a","b"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(upstream.Close)

	spec := `{"openapi":"3.0.0","info":{"title":"T","version":"1"},"paths":{
		"/items":{
			"get":{"operationId":"listItems"},
			"post":{"operationId":"createItem","security":[{"key":[]}]}
		}}}`
	fetcher := &fakeFetcher{specs: map[string][]byte{
		upstream.URL + "/openapi.json": []byte(spec),
	}}

	store, err := registry.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tenants := service.NewTenants()
	t.Cleanup(tenants.DestroyAll)
	limiter := memory.NewSlidingWindowLimiter(nil)
	t.Cleanup(limiter.Destroy)

	registrar := service.NewRegistrar(service.RegistrarConfig{
		Store:    store,
		Fetcher:  fetcher,
		Guard:    allowGuard{},
		Compiler: capability.NewCompiler(http.DefaultClient, nil),
		Tenants:  tenants,
		Limiter:  limiter,
	})

	cfg := Config{
		Registrar: registrar,
		Limiter:   limiter,
		Version:   "test",
	}
	if cfgMut != nil {
		cfgMut(&cfg)
	}
	return &env{
		server:   New(cfg),
		store:    store,
		fetcher:  fetcher,
		upstream: upstream,
	}
}

func (e *env) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, r)
	return w
}

// doLocal issues a request that looks like it came from loopback, which
// the admin surface requires when no key is configured.
func (e *env) doLocal(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, r)
	return w
}

func (e *env) registerBody(slug string) string {
	return fmt.Sprintf(`{"slug":%q,"siteName":"T","siteUrl":"https://a.example.com","apiUrl":%q}`,
		slug, e.upstream.URL)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v (%q)", err, w.Body.String())
	}
	return body
}

func TestLiveness(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do("GET", "/", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["service"] != ServiceName || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do("GET", "/health", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestRegisterThenDiscoverAndCall(t *testing.T) {
	e := newEnv(t, nil)

	w := e.doLocal("POST", "/register", e.registerBody("s1"))
	if w.Code != 200 {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["slug"] != "s1" {
		t.Errorf("data = %v", data)
	}
	if !strings.HasSuffix(data["agents_json"].(string), "/s1/.well-known/agents.json") {
		t.Errorf("agents_json = %v", data["agents_json"])
	}

	// The manifest is served immediately after registration.
	w = e.do("GET", "/s1/.well-known/agents.json", "", nil)
	if w.Code != 200 {
		t.Fatalf("manifest status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "listItems") {
		t.Errorf("manifest missing capability: %s", w.Body.String())
	}

	// And the capability proxies to the upstream.
	w = e.do("GET", "/s1/.well-known/agents/api/listItems", "", nil)
	if w.Code != 200 {
		t.Fatalf("capability status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestRegisterBlockedSpecURL(t *testing.T) {
	e := newEnv(t, nil)

	body := `{"slug":"s1","siteName":"T","siteUrl":"https://a.example.com",` +
		`"openApiUrl":"http://169.254.169.254/latest/meta-data/"}`
	w := e.doLocal("POST", "/register", body)
	if w.Code != 400 {
		t.Fatalf("status = %d", w.Code)
	}
	msg := decodeBody(t, w)["error"].(string)
	if !strings.Contains(msg, "not allowed") && !strings.Contains(msg, "private") {
		t.Errorf("error = %q", msg)
	}
	if len(e.fetcher.calls) != 0 {
		t.Errorf("blocked URL fetched: %v", e.fetcher.calls)
	}
}

func TestAdminKeyAuth(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.AdminKey = "secret" })

	w := e.do("POST", "/register", e.registerBody("s1"), map[string]string{"X-Api-Key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", w.Code)
	}

	w = e.do("POST", "/register", e.registerBody("s1"), map[string]string{"X-Api-Key": "secret"})
	if w.Code != 200 {
		t.Fatalf("correct key status = %d: %s", w.Code, w.Body.String())
	}

	// Bearer form works too.
	w = e.do("GET", "/sites", "", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != 200 {
		t.Fatalf("bearer status = %d", w.Code)
	}
}

func TestAdminClosedToRemoteWithoutKey(t *testing.T) {
	e := newEnv(t, nil)

	// httptest requests default to a non-loopback peer.
	w := e.do("GET", "/sites", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("remote without key status = %d", w.Code)
	}
	if w2 := e.doLocal("GET", "/sites", ""); w2.Code != 200 {
		t.Fatalf("loopback without key status = %d", w2.Code)
	}
}

func TestRegistrationWindow(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.AdminKey = "secret" })
	auth := map[string]string{"X-Api-Key": "secret"}

	// Invalid payloads don't consume the window; these all fail fast.
	for i := 0; i < 5; i++ {
		if w := e.do("POST", "/register", `{"slug":"s1"}`, auth); w.Code != 400 {
			t.Fatalf("invalid payload status = %d", w.Code)
		}
	}

	for i := 1; i <= 10; i++ {
		w := e.do("POST", "/register", e.registerBody(fmt.Sprintf("site-%d", i)), auth)
		if w.Code != 200 {
			t.Fatalf("register %d status = %d: %s", i, w.Code, w.Body.String())
		}
	}
	w := e.do("POST", "/register", e.registerBody("site-11"), auth)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("call 11 status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestAdminWindow(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.AdminKey = "secret" })
	auth := map[string]string{"X-Api-Key": "secret"}

	for i := 0; i < adminOpsPerWindow; i++ {
		if w := e.do("GET", "/sites", "", auth); w.Code != 200 {
			t.Fatalf("op %d status = %d", i+1, w.Code)
		}
	}
	w := e.do("GET", "/sites", "", auth)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("op 21 status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}
}

func TestDeleteAndReRegister(t *testing.T) {
	e := newEnv(t, nil)

	if w := e.doLocal("POST", "/register", e.registerBody("s1")); w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}
	if w := e.doLocal("DELETE", "/sites/s1", ""); w.Code != 200 {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := e.do("GET", "/s1/.well-known/agents.json", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("manifest after delete status = %d, want 404", w.Code)
	}
	if w := e.doLocal("DELETE", "/sites/s1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}

	// Re-register with a new name; the manifest reflects it.
	body := fmt.Sprintf(`{"slug":"s1","siteName":"Second Life","siteUrl":"https://a.example.com","apiUrl":%q}`,
		e.upstream.URL)
	if w := e.doLocal("POST", "/register", body); w.Code != 200 {
		t.Fatalf("re-register status = %d", w.Code)
	}
	w := e.do("GET", "/s1/.well-known/agents.json", "", nil)
	if !strings.Contains(w.Body.String(), "Second Life") {
		t.Errorf("manifest = %s", w.Body.String())
	}
}

func TestTenantRateLimit(t *testing.T) {
	e := newEnv(t, nil)

	body := fmt.Sprintf(`{"slug":"s2","siteName":"T","siteUrl":"https://a.example.com","apiUrl":%q,"rateLimit":2}`,
		e.upstream.URL)
	if w := e.doLocal("POST", "/register", body); w.Code != 200 {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}

	for i := 1; i <= 2; i++ {
		if w := e.do("GET", "/s2/.well-known/agents/api/listItems", "", nil); w.Code != 200 {
			t.Fatalf("call %d status = %d", i, w.Code)
		}
	}
	w := e.do("GET", "/s2/.well-known/agents/api/listItems", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third call status = %d, want 429", w.Code)
	}
	if msg := decodeBody(t, w)["error"]; msg != "Rate limit exceeded" {
		t.Errorf("error = %v", msg)
	}
}

func TestSessionGatedCapabilityEndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	if w := e.doLocal("POST", "/register", e.registerBody("s1")); w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}

	if w := e.do("POST", "/s1/.well-known/agents/api/createItem", `{"name":"x"}`,
		map[string]string{"Content-Type": "application/json"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("no session status = %d, want 401", w.Code)
	}

	w := e.do("POST", "/s1/.well-known/agents/api/session", "", nil)
	if w.Code != 200 {
		t.Fatalf("session status = %d", w.Code)
	}
	token := decodeBody(t, w)["data"].(map[string]any)["session_token"].(string)

	w = e.do("POST", "/s1/.well-known/agents/api/createItem", `{"name":"x"}`,
		map[string]string{"X-Session-Token": token, "Content-Type": "application/json"})
	// The mock upstream 404s on POST /items; only the status crosses over.
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if msg := decodeBody(t, w)["error"]; msg != "Upstream returned 404" {
		t.Errorf("error = %v", msg)
	}
}

func TestUnknownSlug404(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do("GET", "/nope/.well-known/agents.json", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["ok"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestDoorDeclineFallsThroughTo404(t *testing.T) {
	e := newEnv(t, nil)
	if w := e.doLocal("POST", "/register", e.registerBody("s1")); w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}

	// Known slug, unknown route inside the door.
	w := e.do("GET", "/s1/.well-known/agents/api/noSuchCap", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestBaseURLConfigured(t *testing.T) {
	e := newEnv(t, func(cfg *Config) { cfg.BaseURL = "https://doors.example.com" })

	w := e.doLocal("POST", "/register", e.registerBody("s1"))
	if w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["gateway_url"] != "https://doors.example.com/s1" {
		t.Errorf("gateway_url = %v", data["gateway_url"])
	}
}

func TestForwardedHostIgnoredWithoutTrustedProxy(t *testing.T) {
	e := newEnv(t, nil)

	w := e.doLocal("POST", "/register", e.registerBody("s1"))
	data := decodeBody(t, w)["data"].(map[string]any)
	if strings.Contains(data["gateway_url"].(string), "evil") {
		t.Errorf("gateway_url = %v", data["gateway_url"])
	}

	r := httptest.NewRequest("POST", "/register", strings.NewReader(e.registerBody("s2")))
	r.RemoteAddr = "127.0.0.1:54321"
	r.Header.Set("X-Forwarded-Host", "evil.example.com")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, r)
	data = decodeBody(t, rec)["data"].(map[string]any)
	if strings.Contains(data["gateway_url"].(string), "evil.example.com") {
		t.Errorf("untrusted forwarded host echoed: %v", data["gateway_url"])
	}
}

func TestSitesListing(t *testing.T) {
	e := newEnv(t, nil)
	for _, slug := range []string{"s1", "s2"} {
		if w := e.doLocal("POST", "/register", e.registerBody(slug)); w.Code != 200 {
			t.Fatalf("register %s status = %d", slug, w.Code)
		}
	}

	w := e.doLocal("GET", "/sites", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	list := decodeBody(t, w)["data"].([]any)
	if len(list) != 2 {
		t.Fatalf("sites = %d, want 2", len(list))
	}
	first := list[0].(map[string]any)
	if first["slug"] != "s1" {
		t.Errorf("first site = %v", first)
	}
}

func TestRestartRestoresTenants(t *testing.T) {
	e := newEnv(t, nil)
	if w := e.doLocal("POST", "/register", e.registerBody("s1")); w.Code != 200 {
		t.Fatalf("register status = %d", w.Code)
	}
	before := e.do("GET", "/s1/.well-known/agents.json", "", nil).Body.String()

	// A second gateway over the same registry, as after a restart.
	tenants := service.NewTenants()
	t.Cleanup(tenants.DestroyAll)
	limiter := memory.NewSlidingWindowLimiter(nil)
	t.Cleanup(limiter.Destroy)
	registrar := service.NewRegistrar(service.RegistrarConfig{
		Store:    e.store,
		Fetcher:  e.fetcher,
		Guard:    allowGuard{},
		Compiler: capability.NewCompiler(http.DefaultClient, nil),
		Tenants:  tenants,
		Limiter:  limiter,
	})
	if n := registrar.RestoreAll(context.Background()); n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	restartedServer := New(Config{Registrar: registrar, Limiter: limiter, Version: "test"})

	r := httptest.NewRequest("GET", "/s1/.well-known/agents.json", nil)
	w := httptest.NewRecorder()
	restartedServer.Handler().ServeHTTP(w, r)
	if w.Code != 200 {
		t.Fatalf("restored manifest status = %d", w.Code)
	}
	if w.Body.String() != before {
		t.Errorf("manifest changed across restart:\nbefore: %s\nafter:  %s", before, w.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do("GET", "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	w = e.do("GET", "/health", "", map[string]string{"X-Request-ID": "fixed-id"})
	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want passthrough", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.do("GET", "/health", "", nil)

	w := e.do("GET", "/metrics", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agentdoor_requests_total") {
		t.Error("metrics output missing gateway counters")
	}
}
