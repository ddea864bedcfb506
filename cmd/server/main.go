/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the time punch ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Apply the geofence seed file, if configured
  5. Wire the ledger with metrics observer and options
  6. Start the integrity auditor
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides TIMECLOCK_PORT)
  -db      SQLite database path (overrides TIMECLOCK_SQLITE_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  See config/config.go. The common ones:
  TIMECLOCK_STORE, TIMECLOCK_POSTGRES_DSN, TIMECLOCK_TIMEZONE,
  TIMECLOCK_MIN_INTERVAL, TIMECLOCK_GEOFENCE_FILE, TIMECLOCK_LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the auditor
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/timeclock.db"

  # Run against PostgreSQL
  TIMECLOCK_STORE=postgres TIMECLOCK_POSTGRES_DSN=postgres://... ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/open.go: Store selection
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/timeclock/api"
	"github.com/warp/timeclock/config"
	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/logging"
	"github.com/warp/timeclock/metrics"
	"github.com/warp/timeclock/punch"
	"github.com/warp/timeclock/store"
)

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Config{Service: "timeclock", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	backend, err := store.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer backend.Close()

	if cfg.GeofenceFile != "" {
		seed, err := config.LoadGeofenceFile(cfg.GeofenceFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, backend.Roster); err != nil {
			return fmt.Errorf("failed to apply %s: %w", cfg.GeofenceFile, err)
		}
		log.Info("geofence file applied",
			zap.String("path", cfg.GeofenceFile),
			zap.Int("geofences", len(seed.Geofences)),
			zap.Int("employees", len(seed.Employees)))
	}

	recorder := metrics.NewRecorder()
	engine := geo.NewEngine(cfg.GeofenceTolerance)
	ledger := punch.NewLedger(backend.Ledger, backend.Roster,
		punch.WithLocation(cfg.Location()),
		punch.WithMinInterval(cfg.MinInterval),
		punch.WithGeofenceEngine(engine),
		punch.WithMaxTries(cfg.MaxTries()),
		punch.WithObserver(recorder),
		punch.WithLogger(log),
	)

	if head, err := ledger.Head(ctx); err == nil {
		recorder.SetHead(head.SequenceNumber)
	}

	auditor := api.NewIntegrityAuditor(ledger, cfg.AuditInterval, log)
	auditor.Start()
	defer auditor.Stop()

	handler := api.NewHandler(ledger, backend.Roster, engine, log)
	router := api.NewRouter(handler, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     recorder,
		Health:      backend.Ping,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", backend.Name),
			zap.String("timezone", cfg.Location().String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
