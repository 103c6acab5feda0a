/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the trip ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml, .env, TRIPLEDGER_* env, flags)
  2. Open the store (SQLite or Postgres)
  3. Start the audit worker and reconciliation scheduler
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (default: ./config.yaml if present)
  -port    HTTP server port, overrides server.port
  -driver  sqlite | postgres, overrides database.driver
  -db      SQLite path or Postgres DSN, overrides the database source
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler and drain the audit worker
  4. Close database connection

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -driver=postgres -db="postgres://ledger@localhost/ledger?sslmode=disable"
  TRIPLEDGER_SERVER_PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys and defaults
*/
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

	"github.com/warp/trip-ledger/api"
	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/config"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
	"github.com/warp/trip-ledger/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "config file path")
	port := flag.Int("port", 0, "HTTP server port")
	driver := flag.String("driver", "", "database driver: sqlite or postgres")
	dbSource := flag.String("db", "", "SQLite path or Postgres DSN")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dbSource != "" {
		cfg.Database.Path, cfg.Database.DSN = *dbSource, *dbSource
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	events := audit.NewWorker(store, cfg.Audit.BufferSize, logger)
	events.Start()
	defer events.Shutdown()

	quick, _ := cfg.Ledger.QuickAmountValues()
	svc := ledger.NewService(store,
		ledger.WithLogger(logger),
		ledger.WithEvents(events),
		ledger.WithQuickAmounts(quick...),
	)
	reconciler := ledger.NewReconciler(store, logger, events)

	handler := api.NewHandler(api.Deps{
		Service:    svc,
		Store:      store,
		Intake:     roster.NewIntake(store, events, logger),
		Reconciler: reconciler,
		Events:     store,
		Currency:   cfg.Ledger.Currency,
		Logger:     logger,
	})

	scheduler := api.NewReconciliationScheduler(reconciler, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", store.Driver())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
