// @title           logwarden API
// @version         0.1.0
// @description     Guarded log query proxy: bounded, audited, redacted access to a log backend for chat-hosted assistants.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Host-signed identity JWT: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Liveness, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the API listener and its throttle. Configure it with LGW_TELEMETRY_METRICS_PROMETHEUS_PORT. The path is always GET /metrics.

// Package main is the entry point for the logwarden server binary. It
// dispatches the serve, migrate and version subcommands with a plain switch on
// os.Args so the whole CLI surface is readable in one place.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/logwarden/logwarden/internal/access"
	"github.com/logwarden/logwarden/internal/api"
	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/db"
	"github.com/logwarden/logwarden/internal/jobs"
	"github.com/logwarden/logwarden/internal/pipeline"
	"github.com/logwarden/logwarden/internal/ratelimit"
	"github.com/logwarden/logwarden/internal/safego"
	"github.com/logwarden/logwarden/internal/storage"
	"github.com/logwarden/logwarden/internal/storage/postgres"
	"github.com/logwarden/logwarden/internal/storage/redisstore"
	"github.com/logwarden/logwarden/internal/telemetry"
	"github.com/logwarden/logwarden/internal/upstream"

	// Register the in-process store backend
	_ "github.com/logwarden/logwarden/internal/storage/memory"
)

const dbStatsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("logwarden v%s\n", api.Version)
		return nil
	}

	cfg, v, err := config.LoadWithViper(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, v)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|clean>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config, v *viper.Viper) error {
	logger := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := storage.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.Store.Backend, err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	logger.Info("store initialized", "backend", cfg.Store.Backend)

	deps := api.Dependencies{Store: store, Logger: logger}
	switch s := store.(type) {
	case *postgres.Store:
		telemetry.StartDBStatsCollector(ctx, s.DB(), dbStatsInterval)
	case *redisstore.Store:
		deps.Redis = s.Client()
	}

	if sweeper, ok := store.(storage.Sweeper); ok {
		keySweep := jobs.NewKeySweepJob(sweeper, cfg.Store.SweepInterval, logger)
		safego.Go("key_sweep", func() { keySweep.Start(ctx) })
		defer keySweep.Stop()
	}

	guardrails := config.NewGuardrailStore(cfg.Guardrails)
	config.WatchGuardrails(v, guardrails, logger)
	logger.Info("guardrails loaded", "guardrails", cfg.Guardrails.String())

	shippers, err := audit.NewMultiShipper(ctx, cfg.Audit.Shippers, logger)
	if err != nil {
		return fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	defer shippers.Close()

	trailOpts := []audit.Option{audit.WithLogger(logger)}
	if shippers.Len() > 0 {
		trailOpts = append(trailOpts, audit.WithShipper(shippers))
		logger.Info("audit shipping enabled", "shippers", shippers.Len())
	}
	trail := audit.NewTrail(store, trailOpts...)

	retention := jobs.NewAuditRetentionJob(trail, guardrails, cfg.Audit.PruneInterval, logger)
	safego.Go("audit_retention", func() { retention.Start(ctx) })
	defer retention.Stop()

	engine := access.NewEngine(
		access.NewHTTPPermissionLookup(cfg.Access.PermissionTimeout),
		access.WithLogger(logger),
		access.WithLookupTimeout(cfg.Access.PermissionTimeout),
	)
	loki := upstream.NewLokiClient(&cfg.Upstream.Loki)

	deps.Guard = pipeline.New(
		engine,
		ratelimit.New(store, ratelimit.WithLogger(logger)),
		loki,
		trail,
		guardrails,
		pipeline.WithLogger(logger),
	)
	deps.Upstream = loki

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"upstream", cfg.Upstream.Loki.BaseURL,
			"tls", cfg.Security.TLS.Enabled,
		)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()
	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	dbCfg := cfg.Store.Database
	database, err := db.Connect(dbCfg.GetDSN(), dbCfg.MaxConnections, dbCfg.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if direction == "clean" {
		version, wasDirty, err := db.ClearDirty(database)
		if err != nil {
			return err
		}
		log.Printf("Migration state: version=%d, was dirty=%v", version, wasDirty)
		return nil
	}

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}
