// Package gatewayhttp is the gateway's inbound HTTP adapter: admin
// admission endpoints, system endpoints, and per-tenant dispatch.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaylacar/agent-door/internal/domain/ratelimit"
	"github.com/kaylacar/agent-door/internal/domain/site"
	"github.com/kaylacar/agent-door/internal/service"
)

// ServiceName is reported by the liveness endpoint.
const ServiceName = "agent-door"

// ErrForcedShutdown is returned by Start when in-flight requests did not
// drain within the shutdown grace period.
var ErrForcedShutdown = errors.New("forced shutdown: drain deadline exceeded")

const shutdownGrace = 10 * time.Second

// Server is the gateway's HTTP front end.
type Server struct {
	registrar *service.Registrar
	tenants   *service.Tenants
	limiter   ratelimit.Limiter

	addr         string
	adminKey     string
	baseURL      string
	trustedProxy bool
	version      string
	logger       *slog.Logger

	metrics *Metrics
	handler http.Handler
	server  *http.Server
	started time.Time
}

// Config wires a Server.
type Config struct {
	Registrar *service.Registrar
	// Limiter is the shared gateway limiter used for the admin window.
	Limiter ratelimit.Limiter

	Addr     string
	AdminKey string
	// BaseURL, when set, is used verbatim in registration responses.
	// When empty the URLs are derived from the request.
	BaseURL      string
	TrustedProxy bool
	Version      string
	Logger       *slog.Logger
}

// New builds a Server and its handler chain.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registrar:    cfg.Registrar,
		tenants:      cfg.Registrar.Tenants(),
		limiter:      cfg.Limiter,
		addr:         cfg.Addr,
		adminKey:     cfg.AdminKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		trustedProxy: cfg.TrustedProxy,
		version:      cfg.Version,
		logger:       logger,
		started:      time.Now(),
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the fully assembled handler chain. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(promReg,
		func() float64 { return float64(s.tenants.Count()) },
		func() float64 { return float64(s.tenants.SessionTotal()) },
	)

	adminChain := func(h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		wrapped = adminAuthMiddleware(s.adminKey)(wrapped)
		wrapped = adminRateMiddleware(s.limiter)(wrapped)
		return wrapped
	}
	register := adminChain(s.handleRegister)
	sites := adminChain(s.handleSites)
	deleteSite := adminChain(s.handleDeleteSite)
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg})

	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.instrument("system", w, r, s.handleRoot)
		case r.URL.Path == "/health":
			s.instrument("system", w, r, s.handleHealth)
		case r.URL.Path == "/metrics":
			metricsHandler.ServeHTTP(w, r)
		case r.URL.Path == "/favicon.ico":
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/register" && r.Method == http.MethodPost:
			s.instrument("admin", w, r, register.ServeHTTP)
		case r.URL.Path == "/sites" && r.Method == http.MethodGet:
			s.instrument("admin", w, r, sites.ServeHTTP)
		case strings.HasPrefix(r.URL.Path, "/sites/") && r.Method == http.MethodDelete:
			s.instrument("admin", w, r, deleteSite.ServeHTTP)
		default:
			s.instrument("tenant", w, r, s.dispatchTenant)
		}
	})

	var handler http.Handler = root
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = RealIPMiddleware(s.trustedProxy)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	return handler
}

// instrument records per-surface request metrics around a handler.
func (s *Server) instrument(surface string, w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h(sw, r)
	s.metrics.RequestsTotal.WithLabelValues(surface, strconv.Itoa(sw.status)).Inc()
	s.metrics.RequestDuration.WithLabelValues(surface).Observe(time.Since(start).Seconds())
	if sw.status == http.StatusTooManyRequests {
		s.metrics.RateLimited.WithLabelValues(surface).Inc()
	}
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"tenants":  s.tenants.Count(),
		"sessions": s.tenants.SessionTotal(),
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, service.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	reg, err := s.registrar.Register(r.Context(), body, clientIPFromContext(r))
	if err != nil {
		s.metrics.Registrations.WithLabelValues("rejected").Inc()
		writeServiceError(w, err)
		return
	}
	s.metrics.Registrations.WithLabelValues("accepted").Inc()

	base := s.requestBaseURL(r)
	gatewayURL := base + "/" + reg.Slug
	writeOK(w, map[string]any{
		"slug":        reg.Slug,
		"gateway_url": gatewayURL,
		"agents_txt":  gatewayURL + "/.well-known/agents.txt",
		"agents_json": gatewayURL + "/.well-known/agents.json",
	})
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	regs, err := s.registrar.List()
	if err != nil {
		LoggerFromContext(r.Context()).Error("list sites", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not list sites")
		return
	}
	if regs == nil {
		regs = []site.Registration{}
	}
	writeOK(w, regs)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/sites/")
	if slug == "" || strings.Contains(slug, "/") {
		writeError(w, http.StatusNotFound, "Site not found")
		return
	}
	if err := s.registrar.Delete(slug); err != nil {
		writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"deleted": true})
}

// dispatchTenant routes /<slug>/<rest> to the slug's door. The prefix is
// stripped with plain string operations; if the door declines the path is
// restored and the request falls through to the gateway 404.
func (s *Server) dispatchTenant(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	trimmed := strings.TrimPrefix(path, "/")
	slug, rest, _ := strings.Cut(trimmed, "/")

	if d, ok := s.tenants.Lookup(slug); ok {
		r.URL.Path = "/" + rest
		if d.Handle(w, r) {
			s.metrics.TenantRequests.WithLabelValues(slug).Inc()
			return
		}
		r.URL.Path = path
	}
	writeError(w, http.StatusNotFound, "Not found")
}

// requestBaseURL returns the externally visible base URL for links in
// registration responses. A configured BASE_URL always wins; forwarding
// headers are used only behind a trusted proxy.
func (s *Server) requestBaseURL(r *http.Request) string {
	if s.baseURL != "" {
		return s.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if s.trustedProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if fhost := r.Header.Get("X-Forwarded-Host"); fhost != "" {
			host = fhost
		}
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
// It returns ErrForcedShutdown when the drain deadline passes.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "grace", shutdownGrace.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
			return ErrForcedShutdown
		}
		s.logger.Info("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// writeServiceError maps an admission error onto the wire.
func writeServiceError(w http.ResponseWriter, err error) {
	var serr *service.Error
	if !errors.As(err, &serr) {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if serr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(serr.RetryAfter))
	}
	writeError(w, serr.Status, serr.Message)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
