package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/registrarlab/registrar-api/internal/api"
	"github.com/registrarlab/registrar-api/internal/config"
	"github.com/registrarlab/registrar-api/internal/pagination"
	"github.com/registrarlab/registrar-api/internal/platform/postgres"
	"github.com/registrarlab/registrar-api/internal/platform/redispub"
	"github.com/registrarlab/registrar-api/internal/queue"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 15 * time.Second
	janitorInterval = time.Hour
)

// application holds the wired dependencies for the server process.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	db        *sql.DB
	redisClt  *redis.Client
	engine    *queue.Engine
	paginator *pagination.Paginator
	monitor   api.QueueMonitor
}

// newApplication connects to the backing services and wires the queue
// engine, paginator, and event publisher together.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(db); err != nil {
		return nil, err
	}

	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var publisher queue.EventPublisher
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		app.redisClt = redis.NewClient(opts)
		pub := redispub.New(app.redisClt, logger)
		publisher = pub
		app.monitor = pub
		logger.Info("queue event publishing enabled")
	} else {
		logger.Info("no redis URL configured, queue event publishing disabled")
	}

	registry := queue.NewRegistry()
	rollbackTarget := postgres.NewRollbackStore(db)
	if err := registry.Register(queue.NewRollbackProcessor(rollbackTarget, logger)); err != nil {
		return nil, fmt.Errorf("failed to register rollback processor: %w", err)
	}

	app.engine = queue.NewEngine(
		postgres.NewTaskStore(db),
		registry,
		publisher,
		queue.EngineConfig{
			WorkerCount:      cfg.Queue.WorkerCount,
			PollInterval:     cfg.Queue.PollInterval,
			MonitorInterval:  cfg.Queue.MonitorInterval,
			LockTimeout:      cfg.Queue.LockTimeout,
			MaxTasksPerSweep: cfg.Queue.MaxTasksPerSweep,
		},
		logger,
	)

	app.paginator = pagination.New(
		postgres.NewSessionStore(db),
		pagination.Config{
			SessionTTL:      cfg.Pagination.SessionTTL,
			DefaultPageSize: cfg.Pagination.DefaultPageSize,
		},
		logger,
	)

	return app, nil
}

// run starts the queue engine and HTTP server, then blocks until a shutdown
// signal arrives. In-flight tasks finish before the process exits.
func (app *application) run() error {
	if err := app.engine.Start(); err != nil {
		return fmt.Errorf("failed to start queue engine: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go app.runSessionJanitor(janitorCtx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("starting HTTP server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopJanitor()
		app.engine.Stop()
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigCh:
		app.logger.Info("shutdown signal received", "signal", sig.String())
	}

	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("HTTP server shutdown failed", "error", err)
	}

	// Stop accepting work before closing connections; workers drain their
	// current tasks inside Stop.
	app.engine.Stop()

	if app.redisClt != nil {
		if err := app.redisClt.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("failed to close database", "error", err)
	}

	app.logger.Info("shutdown complete")
	return nil
}

// runSessionJanitor periodically removes expired pagination sessions.
func (app *application) runSessionJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.paginator.CleanupExpired(ctx)
			if err != nil {
				app.logger.Error("pagination session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				app.logger.Info("expired pagination sessions removed", "count", n)
			}
		}
	}
}

// openDatabase opens the connection pool and verifies connectivity.
func openDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return db, nil
}
