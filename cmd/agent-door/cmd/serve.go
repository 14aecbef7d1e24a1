package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaylacar/agent-door/internal/adapter/inbound/gatewayhttp"
	"github.com/kaylacar/agent-door/internal/adapter/outbound/memory"
	"github.com/kaylacar/agent-door/internal/adapter/outbound/registry"
	"github.com/kaylacar/agent-door/internal/adapter/outbound/specfetch"
	"github.com/kaylacar/agent-door/internal/config"
	"github.com/kaylacar/agent-door/internal/domain/adminkey"
	"github.com/kaylacar/agent-door/internal/domain/capability"
	"github.com/kaylacar/agent-door/internal/domain/guard"
	"github.com/kaylacar/agent-door/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the Agent Door gateway.

The gateway restores previously registered tenants from the data
directory, then serves the admin surface and all tenant routes until
SIGINT or SIGTERM.

Exit codes: 0 on graceful shutdown, 1 on startup misconfiguration or
when in-flight requests failed to drain in time.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY not set; admin surface restricted to loopback")
	} else {
		logger.Info("admin key configured", "fingerprint", adminkey.Fingerprint(cfg.AdminAPIKey))
	}

	store, err := registry.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	// One guarded upstream client serves both spec fetching and proxied
	// capability calls; its dialer re-checks addresses at connect time.
	upstreamClient := &http.Client{
		Transport: &http.Transport{
			DialContext:         guard.SafeDialContext(),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 30 * time.Second,
	}

	tenants := service.NewTenants()
	limiter := memory.NewSlidingWindowLimiter(logger)
	defer func() {
		tenants.DestroyAll()
		limiter.Destroy()
	}()

	registrar := service.NewRegistrar(service.RegistrarConfig{
		Store: store,
		Fetcher: specfetch.New(
			specfetch.WithTimeout(time.Duration(cfg.FetchTimeoutMS)*time.Millisecond),
			specfetch.WithLogger(logger),
		),
		Guard:            guard.New(),
		Compiler:         capability.NewCompiler(upstreamClient, logger),
		Tenants:          tenants,
		Limiter:          limiter,
		MaxRegistrations: cfg.MaxRegistrations,
		CORSOrigins:      cfg.CORSOriginList(),
		Logger:           logger,
	})
	registrar.RestoreAll(ctx)

	server := gatewayhttp.New(gatewayhttp.Config{
		Registrar:    registrar,
		Limiter:      limiter,
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		AdminKey:     cfg.AdminAPIKey,
		BaseURL:      cfg.BaseURL,
		TrustedProxy: cfg.TrustedProxy,
		Version:      Version,
		Logger:       logger,
	})

	if err := server.Start(ctx); err != nil {
		if errors.Is(err, gatewayhttp.ErrForcedShutdown) {
			logger.Error("shutdown forced", "error", err)
			os.Exit(1)
		}
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("agent-door stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
