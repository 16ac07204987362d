// Command server runs the NetScope control plane.
//
// # Usage
//
//	server --database postgres://localhost/netscope --port 60072
//	server --migrate status
//	server --migrate rollback
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (NETSCOPE_*)
//
// Redis is optional. When NETSCOPE_REDIS_URL is set, host reports are
// buffered in Redis and daemon lookups are cached there.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netscope-io/netscope/control-plane/internal/api"
	"github.com/netscope-io/netscope/control-plane/internal/buffer"
	"github.com/netscope-io/netscope/control-plane/internal/cache"
	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/control-plane/internal/daemonclient"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/metrics"
	"github.com/netscope-io/netscope/control-plane/internal/secrets"
	"github.com/netscope-io/netscope/control-plane/internal/service"
	"github.com/netscope-io/netscope/control-plane/internal/store"
	"github.com/netscope-io/netscope/control-plane/internal/worker"
	"github.com/netscope-io/netscope/db/migrate"
)

var version = "0.1.0"

func main() {
	var (
		port        = flag.Int("port", 60072, "HTTP server port")
		dbURL       = flag.String("database", "", "Database URL (postgres://...)")
		redisURL    = flag.String("redis", "", "Redis URL for host buffering and caching (optional)")
		authGrace   = flag.Bool("auth-grace", false, "Log but do not reject unauthenticated daemon calls")
		migrateCmd  = flag.String("migrate", "up", "Migration action: up, status or rollback (status and rollback exit)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("netscope-server v" + version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if *dbURL == "" {
		*dbURL = os.Getenv("NETSCOPE_DATABASE_URL")
	}
	if *dbURL == "" {
		*dbURL = "postgres://localhost:5432/netscope?sslmode=disable"
	}
	if *redisURL == "" {
		*redisURL = os.Getenv("NETSCOPE_REDIS_URL")
	}

	if *migrateCmd != "up" {
		if err := runMigrate(logger, *dbURL, *migrateCmd); err != nil {
			logger.Error("migration command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(logger, *port, *dbURL, *redisURL, !*authGrace); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// runMigrate handles the standalone migration actions.
func runMigrate(logger *slog.Logger, dbURL, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	switch action {
	case "status":
		status, err := migrate.GetStatus(ctx, db.Pool())
		if err != nil {
			return err
		}
		for _, rec := range status.Applied {
			fmt.Printf("applied  %03d_%s  %s\n", rec.Version, rec.Name, rec.AppliedAt.Format(time.RFC3339))
		}
		for _, name := range status.Pending {
			fmt.Printf("pending  %s\n", name)
		}
		for _, name := range status.Drifted {
			fmt.Printf("drifted  %s\n", name)
		}
		return nil
	case "rollback":
		return migrate.Rollback(ctx, db.Pool(), logger)
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

func run(logger *slog.Logger, port int, dbURL, redisURL string, enforceAuth bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()

	db, err := store.NewStoreFromURL(connectCtx, dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(connectCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if err := migrate.Run(connectCtx, db.Pool(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Control tokens for server to daemon calls
	tokens, err := secrets.NewTokenStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("initializing token store: %w", err)
	}
	defer tokens.Close()

	// Session registry survives restarts through the store
	registry := discovery.NewRegistry(db, logger)
	restored, err := registry.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	logger.Info("discovery sessions restored", "count", restored)

	daemons := daemonclient.NewClient(daemonclient.Config{
		Timeout:   config.DaemonRequestTimeout,
		RateLimit: config.DaemonRequestsPerMinute,
	}, logger)

	svc := service.NewService(db, registry, daemons, tokens, logger)

	// Optional Redis-backed buffering and caching
	var (
		responseCache *cache.Cache
		bufferStats   metrics.BufferStatsProvider
	)
	if redisURL != "" {
		responseCache, err = cache.New(redisURL, logger)
		if err != nil {
			return fmt.Errorf("connecting cache: %w", err)
		}
		defer responseCache.Close()
		// Records cached by a previous run may carry stale addresses.
		if err := responseCache.InvalidateDaemons(ctx); err != nil {
			logger.Warn("failed to clear daemon cache", "error", err)
		}
		svc.SetDaemonCache(responseCache)

		hostBuffer, err := buffer.NewHostBuffer(redisURL, logger)
		if err != nil {
			return fmt.Errorf("connecting host buffer: %w", err)
		}
		defer hostBuffer.Close()
		svc.SetHostQueue(hostBuffer)

		flusher := buffer.NewFlusher(hostBuffer, svc, logger)
		flusher.Start()
		defer flusher.Stop()
		bufferStats = flusher
	} else {
		logger.Info("redis not configured, host reports are applied synchronously")
	}

	collector := metrics.NewCollector(db, bufferStats, registry)

	sessionWorker := worker.NewSessionWorker(svc, worker.DefaultSessionWorkerConfig(), logger)
	sessionWorker.Start(ctx)
	defer sessionWorker.Stop()

	apiServer := api.NewServerWithAuth(svc, collector, responseCache, logger, enforceAuth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", port, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
