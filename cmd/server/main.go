// Package main is the entry point for the member directory server binary.
// It dispatches its subcommands (serve, migrate, create-api-key and version) via
// a simple switch on os.Args so the binary's full CLI surface is readable in one
// place. The serve command runs auto-migration on startup so freshly deployed
// containers never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/orgmembers/orgmembers/internal/api"
	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/config"
	"github.com/orgmembers/orgmembers/internal/db"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/db/repositories"
	"github.com/orgmembers/orgmembers/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}
	if command == "version" {
		fmt.Printf("orgmembers v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s migrate <up|down|force VERSION>", os.Args[0])
		}
		if args[1] == "force" {
			if len(args) < 3 {
				return fmt.Errorf("usage: %s migrate force VERSION", os.Args[0])
			}
			version, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid migration version %q", args[2])
			}
			return forceMigration(cfg, version)
		}
		return runMigrations(cfg, args[1])
	case "create-api-key":
		if len(args) < 4 {
			return fmt.Errorf("usage: %s create-api-key <org-slug> <name> <scope>...", os.Args[0])
		}
		return createAPIKey(cfg, args[1], args[2], args[3:])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, create-api-key, version", command)
	}
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "user", cfg.Database.User, "sslmode", cfg.Database.SSLMode)
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(ctx, database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	// rdb stays a nil interface when Redis is disabled
	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		client, err := db.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
	}

	// Prometheus is served on its own port so the scrape path stays off the public
	// listener and outside the rate limiter.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices, err := api.NewRouter(cfg, database, rdb)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr, "base_url", cfg.Server.BaseURL,
			"lock_backend", cfg.Lock.Backend, "redis", cfg.Redis.Enabled, "tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// pending invitation emails are drained before the process exits
	if err := bgServices.Shutdown(shutdownCtx); err != nil {
		slog.Warn("background services did not stop cleanly", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// forceMigration clears a dirty schema_migrations row after a crashed migration
func forceMigration(cfg *config.Config, version int) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if current, dirty, err := db.GetMigrationVersion(database.DB); err == nil {
		slog.Info("current migration state", "version", current, "dirty", dirty)
	}
	if err := db.ForceMigrationVersion(database.DB, version); err != nil {
		return err
	}
	slog.Info("migration version forced", "version", version)
	return nil
}

// createAPIKey provisions an organization API key and prints the clear-text key once.
// It is how the first key is issued before any caller can reach the api-keys endpoint.
func createAPIKey(cfg *config.Config, orgSlug, name string, scopes []string) error {
	if err := auth.ValidateScopes(scopes); err != nil {
		return err
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	org, err := repositories.NewOrganizationRepository(database.DB).GetBySlug(ctx, orgSlug)
	if err != nil {
		return err
	}
	if org == nil {
		return fmt.Errorf("organization %q not found", orgSlug)
	}

	secret, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate api key: %w", err)
	}
	key := &models.APIKey{
		OrganizationID: org.ID,
		Name:           name,
		KeyHash:        hash,
		KeyPrefix:      prefix,
		Scopes:         scopes,
	}
	if err := repositories.NewAPIKeyRepository(database.DB).CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}

	if cfg.Audit.Enabled {
		targetType := "api_key"
		entry := &models.AuditLog{
			OrganizationID: &org.ID,
			Event:          models.AuditEventAPIKeyCreate,
			TargetType:     &targetType,
			TargetID:       &key.ID,
			Data:           map[string]interface{}{"name": name, "scopes": scopes, "source": "cli"},
		}
		if err := repositories.NewAuditRepository(database.DB).CreateAuditLog(ctx, entry); err != nil {
			slog.Warn("failed to record audit entry", "error", err)
		}
	}

	slog.Info("api key created", "organization", org.Slug, "api_key_id", key.ID, "key_prefix", prefix)
	fmt.Println(secret)
	return nil
}
