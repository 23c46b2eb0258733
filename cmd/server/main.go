/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the HealCoin wallet ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Open the configured store (postgres runs migrations first)
  3. Build the ledger service and balance projector
  4. Apply the seed file, if any
  5. Start the reconciliation scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -store   memory | sqlite | postgres | bolt (overrides STORE_DRIVER)
  -db      Database location for the chosen store: a file path for
           sqlite and bolt, a URL for postgres
  -seed    YAML fixture applied at startup (overrides SEED_FILE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Local development, in-memory
  ./server -store=memory -seed=seed/testdata/wallets.yaml

  # Embedded durable store
  ./server -store=sqlite -db=./data/healcoin.db

  # Shared database
  PGSQL_URL=postgres://... ./server -store=postgres

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/zeroprint/healcoin/api"
	"github.com/zeroprint/healcoin/config"
	"github.com/zeroprint/healcoin/ledger"
	memstore "github.com/zeroprint/healcoin/ledger/store"
	"github.com/zeroprint/healcoin/seed"
	"github.com/zeroprint/healcoin/store/bolt"
	"github.com/zeroprint/healcoin/store/postgres"
	"github.com/zeroprint/healcoin/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.String("port", "", "HTTP server port")
	driver := flag.String("store", "", "store driver: memory, sqlite, postgres or bolt")
	dbLocation := flag.String("db", "", "database path (sqlite, bolt) or URL (postgres)")
	seedFile := flag.String("seed", "", "YAML seed file applied at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg, *port, *driver, *dbLocation, *seedFile)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	svc := ledger.NewService(store, cfg.Caps(),
		ledger.WithLogger(logger),
		ledger.WithRetry(ledger.RetryPolicy{Attempts: cfg.RetryAttempts}),
	)
	projector := ledger.NewBalanceProjector(store, ledger.SystemClock)

	if cfg.SeedFile != "" {
		fixture, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, svc, fixture)
		if err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed applied",
			slog.String("file", cfg.SeedFile),
			slog.Int("accounts", res.Accounts),
			slog.Int("applied", res.Applied),
			slog.Int("replayed", res.Replayed))
	}

	// Initialize handler
	handler := api.NewHandler(svc, projector, store, logger)
	handler.Scheduler.CheckInterval = cfg.ReconcileInterval
	handler.Scheduler.PageSize = cfg.ReconcilePageSize
	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	routerCfg := api.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		JWTSecret:      cfg.JWTSecret,
		Logger:         logger,
	}
	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT: %w", err)
		}
		routerCfg.Limiter = limiter.New(memory.NewStore(), rate)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; actors come from the X-Actor-ID header and admin routes are open")
	}

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("store", cfg.StoreDriver),
			slog.Int64("daily_earn_limit", cfg.DailyEarnLimit),
			slog.Int64("monthly_redeem_limit", cfg.MonthlyRedeemLimit),
			slog.String("cap_timezone", cfg.CapLocation.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cfg *config.Config, port, driver, dbLocation, seedFile string) {
	if port != "" {
		cfg.Port = port
	}
	if driver != "" {
		cfg.StoreDriver = driver
	}
	if dbLocation != "" {
		switch cfg.StoreDriver {
		case config.DriverSQLite:
			cfg.SQLitePath = dbLocation
		case config.DriverBolt:
			cfg.BoltPath = dbLocation
		case config.DriverPostgres:
			cfg.DatabaseURL = dbLocation
		}
	}
	if seedFile != "" {
		cfg.SeedFile = seedFile
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.IsProduction {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openStore opens the configured backend and returns it with its closer.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using the in-memory store; data is lost on exit")
		return memstore.NewMemory(), func() error { return nil }, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil

	case config.DriverBolt:
		s, err := bolt.New(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, s.Close, nil

	case config.DriverPostgres:
		logger.Info("running database migrations")
		changed, err := postgres.Migrate(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			logger.Info("database migrations applied")
		} else {
			logger.Info("no new migrations to apply")
		}
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
