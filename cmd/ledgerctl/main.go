// Command ledgerctl loads operations into the ledger store and reports on it.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kong"

	"investLedger/config"
	"investLedger/internal/adapters/logger"
	"investLedger/internal/adapters/sqlite"
	"investLedger/internal/app"
	"investLedger/internal/domain"
	"investLedger/internal/ledger"
	"investLedger/internal/ports"
	"investLedger/internal/sequencer"
)

// Globals are flags shared by every command.
type Globals struct {
	DB       string `help:"SQLite database path, overrides DB_PATH." type:"path"`
	Progress bool   `help:"Print rebuild progress to stderr."`
}

var cli struct {
	Globals

	Asset      AssetCmd      `cmd:"" help:"Register an asset."`
	Account    AccountCmd    `cmd:"" help:"Register an account."`
	Load       LoadCmd       `cmd:"" help:"Append operations from a CSV file and rebuild."`
	Rebuild    RebuildCmd    `cmd:"" help:"Regenerate ledger entries and deals."`
	Deals      DealsCmd      `cmd:"" help:"List closed deals of an account."`
	Balance    BalanceCmd    `cmd:"" help:"Show what an account held at a point in time."`
	Provenance ProvenanceCmd `cmd:"" help:"Trace action-opened deals back to their trades."`
	Export     ExportCmd     `cmd:"" help:"Write deals to a CSV file."`
	Stats      StatsCmd      `cmd:"" help:"Summarize realized performance."`
	Reconcile  ReconcileCmd  `cmd:"" help:"Compare statement balances with the ledger."`
}

// runtime bundles the wired collaborators a command works with.
type runtime struct {
	cfg        *config.Config
	logger     ports.Logger
	repo       *sqlite.Repository
	service    *app.LedgerService
	reconciler *app.Reconciler
	dc         domain.Context
}

func newRuntime(globals *Globals, stderr io.Writer) (*runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if globals.DB != "" {
		cfg.DBPath = globals.DB
	}
	appLogger := logger.New(stderr, cfg.LogLevel, cfg.LogFormat)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}

	seq, err := sequencer.New(repo, appLogger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	reconciler := app.NewReconciler(repo, appLogger, cfg.DefaultPrecision)
	rbCfg := ledger.Config{
		Store:    repo,
		Logger:   appLogger,
		Context:  domain.NewContext(cfg.DecimalPrecision),
		MaxDepth: cfg.MaxChainDepth,
		Listener: reconciler,
	}
	if cfg.SnapshotCacheTTL > 0 {
		rbCfg.Cache = ledger.NewSnapshotCache(cfg.SnapshotCacheTTL)
	}
	if globals.Progress {
		rbCfg.Progress = &progressPrinter{w: stderr}
	}
	rebuilder, err := ledger.NewRebuilder(rbCfg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	service, err := app.NewLedgerService(cfg, appLogger, repo, seq, rebuilder)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		logger:     appLogger,
		repo:       repo,
		service:    service,
		reconciler: reconciler,
		dc:         rbCfg.Context,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.repo.Close(); err != nil {
		rt.logger.Error(context.Background(), err, "Error closing ledger store")
	}
}

type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) Progress(percent float64, label string) {
	_, _ = fmt.Fprintf(p.w, "\r%5.1f%% %s", percent, label)
	if percent >= 100 {
		_, _ = fmt.Fprintln(p.w)
	}
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("ledgerctl"),
		kong.Description("FIFO deal matching and double-entry ledger for investment accounts."),
		kong.UsageOnError(),
	)

	rt, err := newRuntime(&cli.Globals, ctx.Stderr)
	ctx.FatalIfErrorf(err)

	err = ctx.Run(rt)
	rt.Close()
	ctx.FatalIfErrorf(err)
}
