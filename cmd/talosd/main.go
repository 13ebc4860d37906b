// Package main is the entry point for the talosd authorization gateway.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/capability"
	"github.com/talosprotocol/talos/internal/config"
	"github.com/talosprotocol/talos/internal/crypto"
	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/internal/observability"
	"github.com/talosprotocol/talos/internal/tenant"
	"github.com/talosprotocol/talos/internal/transport"
	"github.com/talosprotocol/talos/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "talosd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open the audit store and build the aggregator.
	store, auditCheck, storeCloser, err := buildAuditStore(cfg.Audit)
	if err != nil {
		logger.Error("audit store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	firstID := uint64(0)
	if sqlite, ok := store.(*audit.SQLiteStore); ok {
		if firstID, err = sqlite.MaxEventID(); err != nil {
			logger.Error("reading audit sequence failed", zap.Error(err))
			return 1
		}
	}
	aggregator := audit.NewAggregator(store, firstID, logger)

	// Step 5: Build the gateway and register tenants from definitions.
	gw := gateway.New(aggregator, gateway.Options{
		MaxSessions: cfg.Gateway.MaxSessions,
		Logger:      logger,
		Metrics:     metrics,
	})
	registry := capability.NewRegistry()

	if len(cfg.Tenants.Directories) > 0 {
		if err := loadTenants(cfg, gw, registry, logger); err != nil {
			logger.Error("tenant loading failed", zap.Error(err))
			return 1
		}
	}

	gw.Start()
	defer gw.Stop()

	// Step 6: Build the HTTP transport.
	authn, err := transport.NewAuthenticator(cfg.Identity)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler(prometheus.DefaultGatherer)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Gateway:       gw,
		Registry:      registry,
		Audit:         aggregator,
		Authenticate:  authn.Middleware,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			GatewayRunning: func() bool { return gw.Status() == gateway.StatusRunning },
			AuditStore:     auditCheck,
		}),
		MetricsHandler: metricsHandler,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Serve until signalled, then drain.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		return 1
	}
	return 0
}

// buildAuditStore opens the configured audit backend and returns it with a
// readiness probe and an optional closer.
func buildAuditStore(cfg config.AuditConfig) (audit.Store, func() error, func() error, error) {
	switch cfg.Store {
	case "sqlite":
		store, err := audit.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		check := func() error {
			_, err := store.MaxEventID()
			return err
		}
		return store, check, store.Close, nil
	default:
		store := audit.NewMemoryStore(cfg.MaxEvents)
		return store, func() error { return nil }, nil, nil
	}
}

// loadTenants reads tenant definition files, validates them, and registers
// each tenant with a fresh capability manager.
func loadTenants(cfg *config.Config, gw *gateway.Gateway, registry *capability.Registry, logger *zap.Logger) error {
	defs, err := tenant.NewLoader().LoadAll(cfg.Tenants.Directories)
	if err != nil {
		return err
	}
	if verrs := tenant.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("tenant definition error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("%d tenant definition errors", len(verrs))
	}

	for _, def := range defs {
		keys, err := crypto.GenerateSigningKeyPair()
		if err != nil {
			return err
		}
		sessionCacheSize := def.SessionCacheSize
		if sessionCacheSize == 0 {
			sessionCacheSize = cfg.Gateway.SessionCacheSize
		}
		mgr, err := capability.NewManager(def.IssuerID, keys, capability.Options{
			SessionCacheSize: sessionCacheSize,
			VerifyCacheSize:  cfg.Gateway.VerifyCacheSize,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		registry.Put(def.TenantID, mgr)

		limit := def.RateLimit
		if limit.BurstSize <= 0 && limit.RequestsPerSecond <= 0 {
			limit = cfg.Gateway.DefaultRateLimit
		}
		if err := gw.RegisterTenant(model.TenantConfig{
			TenantID:     def.TenantID,
			Manager:      mgr,
			AllowedTools: def.AllowedTools,
			RateLimit:    limit,
		}); err != nil {
			return err
		}
		logger.Info("tenant loaded",
			zap.String("tenant_id", def.TenantID),
			zap.String("source", def.SourceFile),
		)
	}
	return nil
}
