package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/api"
	"github.com/quantfleet/cascade/internal/agents"
	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/egress"
	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/internal/orchestrator"
	"github.com/quantfleet/cascade/internal/policy"
	"github.com/quantfleet/cascade/internal/portfolio"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/internal/ws"
	"github.com/quantfleet/cascade/pkg/logger"
)

// defaultInitialCash funds the reference book when no broker is attached.
const defaultInitialCash = 1_000_000

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("CASCADE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	mgr := config.NewManager(zapLogger)
	cfg, err := mgr.Load(*configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.LogLevel != logLevel {
		rebuilt, err := logger.NewLogger(cfg.LogLevel)
		if err != nil {
			zapLogger.Warn("Invalid log_level in config, keeping current",
				zap.String("level", cfg.LogLevel), zap.Error(err))
		} else {
			zapLogger = rebuilt
		}
	}

	store := streams.New(cfg.Redis, cfg.Streams, zapLogger)

	sim := market.NewSimulator(time.Now().UnixNano())
	scorer := market.NewCompositeScorer()
	book := portfolio.NewBook(decimal.NewFromInt(defaultInitialCash))

	var pol policy.Policy = policy.NewDeterministic()
	if cfg.Authority.LLMEndpoint != "" {
		completer := policy.NewHTTPCompleter(
			cfg.Authority.LLMEndpoint,
			cfg.Authority.LLMAPIKey,
			cfg.Authority.LLMModel,
			cfg.Authority.LLMTimeout,
		)
		pol = policy.NewLLM(completer, policy.NewDeterministic(), zapLogger)
		zapLogger.Info("LLM decision policy enabled",
			zap.String("endpoint", cfg.Authority.LLMEndpoint),
			zap.String("model", cfg.Authority.LLMModel))
	}

	scanners := agents.NewScannerPool(cfg.Scanners, cfg.Universe(), store, sim, scorer, zapLogger)
	supervisors := agents.NewSupervisorPool(cfg.Supervisors, cfg.Streams, store, zapLogger)
	validators := agents.NewValidatorPool(cfg.Validators, cfg.Streams, cfg.Sectors,
		cfg.Supervisors.Count, store, book, sim, zapLogger)
	authority := agents.NewAuthority(cfg.Authority, cfg.Streams, cfg.Validators.Count,
		store, book, sim, sim, pol, zapLogger)

	orch := orchestrator.New(cfg.Orchestrator, zapLogger,
		scanners, supervisors, validators, authority)

	registry := ws.NewRegistry(zapLogger)
	bridge := ws.NewBridge(cfg.Bridge, cfg.Streams, store, registry, zapLogger)
	mirror := egress.NewMirror(cfg.Kafka, cfg.Streams, store, zapLogger)

	apiServer := api.NewServer(cfg.Server, zapLogger, orch, store, registry)

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start pipeline", zap.Error(err))
	}
	if err := bridge.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start stream bridge", zap.Error(err))
	}
	if err := mirror.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start kafka egress", zap.Error(err))
	}

	go func() {
		if err := apiServer.Run(); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Components read their settings at start; a changed file applies on
	// the next stop/start cycle.
	mgr.Watch(func(next *config.Config) {
		zapLogger.Info("configuration reloaded, applies on next restart",
			zap.Int("scanners", next.Scanners.Count),
			zap.Int("supervisors", next.Supervisors.Count),
			zap.Int("validators", next.Validators.Count))
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		zapLogger.Error("Pipeline stop reported errors", zap.Error(err))
	}
	bridge.Stop()
	mirror.Stop()
	if err := store.Close(); err != nil {
		zapLogger.Error("Store close failed", zap.Error(err))
	}

	zapLogger.Info("Pipeline exited properly")
}
