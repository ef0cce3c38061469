package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"

	"investLedger/config"
	"investLedger/internal/adapters/logger"
	"investLedger/internal/adapters/sqlite"
	"investLedger/internal/app"
	"investLedger/internal/domain"
	"investLedger/internal/ledger"
	"investLedger/internal/sequencer"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Sequencer
	seq, err := sequencer.New(repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize sequencer")
		log.Fatalf("FATAL: Failed to initialize sequencer: %v", err)
	}

	// 5. Initialize Rebuilder
	rebuilderCfg := ledger.Config{
		Store:    repo,
		Logger:   appLogger,
		Context:  domain.NewContext(cfg.DecimalPrecision),
		MaxDepth: cfg.MaxChainDepth,
		Listener: app.NewReconciler(repo, appLogger, cfg.DefaultPrecision),
	}
	if cfg.SnapshotCacheTTL > 0 {
		rebuilderCfg.Cache = ledger.NewSnapshotCache(cfg.SnapshotCacheTTL)
	}
	rebuilder, err := ledger.NewRebuilder(rebuilderCfg)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ledger rebuilder")
		log.Fatalf("FATAL: Failed to initialize ledger rebuilder: %v", err)
	}

	// 6. Initialize Application Service
	ledgerService, err := app.NewLedgerService(cfg, appLogger, repo, seq, rebuilder)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ledger service")
		log.Fatalf("FATAL: Failed to initialize ledger service: %v", err)
	}
	appLogger.Info(ctx, "Ledger service initialized")

	// 7. Rebuild
	res, err := ledgerService.Rebuild(ctx, cfg.RebuildFrom)
	if err != nil {
		log.Fatalf("FATAL: Ledger rebuild failed: %v", err)
	}

	appLogger.Info(ctx, "Ledger rebuild finished", map[string]interface{}{
		"runID":      res.RunID.String(),
		"from":       res.From,
		"operations": res.Operations,
		"deals":      res.Deals,
		"entries":    res.Entries,
		"skipped":    res.Skipped,
		"warnings":   len(res.Warnings),
	})
}
