// Kestrel - Behavioral fraud scoring for transaction streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if os.Getenv("KESTREL_ASYNC_SCORING") == "true" {
		cfg.AsyncScoring = true
	}
	if path := os.Getenv("KESTREL_SQLITE_PATH"); path != "" {
		cfg.Repository.SQLitePath = path
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_scoring", cfg.AsyncScoring,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize History Service
	histories := history.NewService(repo, cacheImpl)

	// Initialize Scoring Engine and train it on the stored corpus.
	// An empty store is not fatal: /ready reports 503 until the first
	// successful retrain.
	scoringEngine := engine.New(cfg.Engine)
	if err := bootstrapEngine(ctx, repo, scoringEngine); err != nil {
		slog.Warn("scoring engine not trained, serving degraded",
			"error", err,
		)
	}

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if err := loadPoliciesFromDatabase(ctx, repo, policyEngine); err != nil {
		slog.Error("failed to load review policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies_count", policyEngine.PoliciesCount())

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.AsyncScoring {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, histories, scoringEngine, policyEngine, worker.Config{
			MaxAlertsPerHolderPerDay: int(cfg.Engine.MaxAlertsPerHolderPerDay),
		})
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start scoring worker", "error", err)
			os.Exit(1)
		}
		slog.Info("scoring worker started")
	}

	// Initialize Server
	srv := api.NewServer(*cfg, repo, cacheImpl, busImpl, scoringEngine, policyEngine, histories, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop scoring worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// bootstrapEngine trains the scoring models on every stored transaction.
func bootstrapEngine(ctx context.Context, repo domain.Repository, eng *engine.Service) error {
	corpus, err := repo.ListTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load training corpus: %w", err)
	}
	if err := eng.Initialize(ctx, corpus); err != nil {
		return err
	}
	slog.Info("scoring engine trained", "corpus_size", len(corpus))
	return nil
}

// loadPoliciesFromDatabase loads review policies into the engine. A fresh
// database gets the builtin policy set installed so scored transactions
// are routed sensibly out of the box.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, eng *policy.Engine) error {
	dbPolicies, err := repo.ListPolicies(ctx)
	if err != nil {
		slog.Warn("failed to list policies from database", "error", err)
		return nil // Start with empty policies - they can be added via API
	}

	if len(dbPolicies) == 0 {
		dbPolicies = policy.BuiltinPolicies()
		for _, p := range dbPolicies {
			if err := repo.SavePolicy(ctx, p); err != nil {
				slog.Warn("failed to install builtin policy", "id", p.ID, "error", err)
			}
		}
		slog.Info("installed builtin review policies", "count", len(dbPolicies))
	}

	return eng.LoadPolicies(dbPolicies)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║      Behavioral Fraud Scoring Engine      ║")
	fmt.Println("  ║      Knows how your money moves.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions                  - Score a transaction")
	fmt.Println("    GET  /transactions/{id}             - Get transaction by ID")
	fmt.Println("    GET  /transactions/{id}/assessment  - Get latest assessment")
	fmt.Println("    POST /transactions/{id}/feedback    - Submit reviewer verdict")
	fmt.Println("    GET  /assessments/{id}              - Get assessment by ID")
	fmt.Println("    POST /models/retrain                - Retrain scoring models")
	fmt.Println("    GET  /policies                      - List review policies")
	fmt.Println("    POST /policies                      - Create a review policy")
	fmt.Println("    POST /policies/reload               - Hot-reload policies")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
