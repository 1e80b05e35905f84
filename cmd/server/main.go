package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"successhub/engine/internal/api"
	"successhub/engine/internal/config"
	"successhub/engine/internal/logging"
	"successhub/engine/internal/registry"
	"successhub/engine/internal/repository"
	"successhub/engine/internal/services"
)

func main() {
	ctx := context.Background()

	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger.Info("Starting workflow engine",
		"catalog_dir", cfg.Engine.CatalogDir,
		"abandon_after", cfg.Engine.AbandonAfter,
	)

	// Load the workflow definition catalog before touching the database:
	// a bad catalog should fail fast.
	reg, err := registry.Load(cfg.Engine.CatalogDir)
	if err != nil {
		logger.Error("Failed to load workflow catalog", "error", err)
		log.Fatalf("Catalog loading failed: %v", err)
	}
	logger.Info("Workflow catalog loaded", "definitions", len(reg.IDs()))

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer dbPool.Close()

	logger.Info("Database connected")

	store := repository.NewPostgresStore(dbPool)

	actionService := services.NewActionService(store, reg, logger)
	queryService := services.NewQueryService(store, logger)
	matcher := services.NewRuleMatcher(store, actionService, logger, cfg.Engine.DefaultOwner)
	sweeper := services.NewSweeper(store, actionService, logger, cfg.Engine.AbandonAfter, cfg.Engine.SweepCron)

	logger.Info("Service layer initialized")

	if err := sweeper.Start(ctx); err != nil {
		logger.Error("Failed to start abandonment sweep", "error", err)
		log.Fatalf("Sweeper startup failed: %v", err)
	}
	defer sweeper.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	api.NewServer(actionService, queryService, matcher, reg, store, logger, cfg.Engine.HistoryPageLimit).RegisterRoutes(e)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
