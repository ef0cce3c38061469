package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/shopspring/decimal"

	"investLedger/internal/analytics"
	"investLedger/internal/domain"
	"investLedger/internal/ledger"
	"investLedger/internal/ports"
	"investLedger/internal/utils"
)

type AssetCmd struct {
	Symbol    string `arg:"" help:"Ticker symbol."`
	Name      string `help:"Descriptive name."`
	Precision int32  `help:"Display precision, also the reconciliation tolerance." default:"2"`
}

func (c *AssetCmd) Run(kctx *kong.Context, rt *runtime) error {
	asset := &domain.Asset{Symbol: c.Symbol, Name: c.Name, Precision: c.Precision}
	id, err := rt.repo.CreateAsset(context.Background(), asset)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(kctx.Stdout, "asset %s registered with id %d\n", c.Symbol, id)
	return nil
}

type AccountCmd struct {
	Name     string `arg:"" help:"Account name."`
	Currency string `required:"" help:"Symbol of the account currency."`
}

func (c *AccountCmd) Run(kctx *kong.Context, rt *runtime) error {
	ctx := context.Background()
	currencyID, err := rt.assetID(ctx, c.Currency)
	if err != nil {
		return err
	}
	id, err := rt.repo.CreateAccount(ctx, &domain.Account{Name: c.Name, CurrencyID: currencyID})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(kctx.Stdout, "account %s registered with id %d\n", c.Name, id)
	return nil
}

type LoadCmd struct {
	File      string `arg:"" type:"existingfile" help:"Canonical operation CSV file."`
	Expect    string `type:"existingfile" help:"Statement balances to verify once the rebuild commits."`
	NoRebuild bool   `help:"Only append the operations."`
}

func (c *LoadCmd) Run(kctx *kong.Context, rt *runtime) error {
	ctx := context.Background()
	ops, err := readFile(c.File, func(r io.Reader) ([]*domain.Operation, error) {
		return utils.ReadOperationsFromCSV(ctx, r, rt.repo)
	})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		_, _ = fmt.Fprintln(kctx.Stdout, "no operations found")
		return nil
	}

	if c.NoRebuild {
		for _, op := range ops {
			if _, err := rt.service.AppendOperation(ctx, op); err != nil {
				return err
			}
		}
		_, _ = fmt.Fprintf(kctx.Stdout, "%d operations appended\n", len(ops))
		return nil
	}

	if c.Expect != "" {
		statements, err := readFile(c.Expect, func(r io.Reader) ([]domain.StatementBalance, error) {
			return utils.ReadStatementsFromCSV(ctx, r, rt.repo)
		})
		if err != nil {
			return err
		}
		rt.reconciler.Expect(statements...)
	}

	res, err := rt.service.Record(ctx, ops)
	if err != nil {
		return err
	}
	printResult(kctx.Stdout, res)
	return printMismatches(kctx.Stdout, rt, rt.reconciler.Mismatches())
}

type RebuildCmd struct {
	From string `help:"Unix seconds or RFC3339 time to rebuild from, defaults to REBUILD_FROM."`
}

func (c *RebuildCmd) Run(kctx *kong.Context, rt *runtime) error {
	from := rt.cfg.RebuildFrom
	if c.From != "" {
		ts, err := utils.ParseTimestamp(c.From)
		if err != nil {
			return err
		}
		from = ts
	}
	res, err := rt.service.Rebuild(context.Background(), from)
	if err != nil {
		return err
	}
	printResult(kctx.Stdout, res)
	return nil
}

type DealsCmd struct {
	Account string `required:"" help:"Account name."`
	Symbol  string `help:"Only deals of this asset."`
}

func (c *DealsCmd) Run(kctx *kong.Context, rt *runtime) error {
	deals, err := rt.deals(context.Background(), c.Account, c.Symbol)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(kctx.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "Open\tClose\tSymbol\tSide\tQuantity\tOpened\tClosed\tOpen price\tClose price\tFees\tProfit\tProfit %\t")
	for _, d := range deals {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			d.OpenSequenceID, d.CloseSequenceID, d.Symbol, d.Direction, d.Quantity,
			formatTime(d.OpenTimestamp), formatTime(d.CloseTimestamp),
			rt.round(d.OpenPrice), rt.round(d.ClosePrice), rt.round(rt.dc.Add(d.FeeOpen, d.FeeClose)),
			rt.round(d.Profit()), rt.round(d.ProfitRate()))
	}
	return w.Flush()
}

type BalanceCmd struct {
	Account string `required:"" help:"Account name."`
	Symbol  string `required:"" help:"Asset symbol."`
	At      string `help:"Unix seconds or RFC3339 time, defaults to now."`
}

func (c *BalanceCmd) Run(kctx *kong.Context, rt *runtime) error {
	ctx := context.Background()
	acc, err := rt.account(ctx, c.Account)
	if err != nil {
		return err
	}
	assetID, err := rt.assetID(ctx, c.Symbol)
	if err != nil {
		return err
	}
	asOf := time.Now().Unix()
	if c.At != "" {
		if asOf, err = utils.ParseTimestamp(c.At); err != nil {
			return err
		}
	}
	balance, err := rt.service.LedgerBalance(ctx, acc.ID, assetID, asOf)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(kctx.Stdout, "%s %s at %s: %s\n", c.Account, c.Symbol, formatTime(asOf), balance)
	return nil
}

type ProvenanceCmd struct {
	Account  string `required:"" help:"Account name."`
	CloseSeq int64  `arg:"" help:"Sequence id of the closing operation."`
}

func (c *ProvenanceCmd) Run(kctx *kong.Context, rt *runtime) error {
	ctx := context.Background()
	acc, err := rt.account(ctx, c.Account)
	if err != nil {
		return err
	}
	resolutions, err := rt.service.DealProvenance(ctx, acc.ID, c.CloseSeq)
	if err != nil {
		return err
	}
	if len(resolutions) == 0 {
		_, _ = fmt.Fprintf(kctx.Stdout, "operation %d closed only trade-opened lots\n", c.CloseSeq)
		return nil
	}
	for _, res := range resolutions {
		_, _ = fmt.Fprintf(kctx.Stdout, "action %d delivered %s: cost %s, fees %s, unit cost %s\n",
			res.ActionSeq, res.Quantity, rt.round(res.Cost), rt.round(res.Fee), rt.round(res.UnitCost(rt.dc)))
		if !res.Unresolved.IsZero() {
			_, _ = fmt.Fprintf(kctx.Stdout, "  %s of the source is not covered by any deal\n", res.Unresolved)
		}
		for _, o := range res.Origins {
			_, _ = fmt.Fprintf(kctx.Stdout, "  %s %s x %s weight %s cost %s  %s\n",
				formatTime(o.Operation.Timestamp), o.Quantity, rt.round(o.UnitCost), o.Weight, rt.round(o.Cost), o.Description)
		}
	}
	return nil
}

type ExportCmd struct {
	Account string `required:"" help:"Account name."`
	Symbol  string `help:"Only deals of this asset."`
	Out     string `help:"Output file, '-' for stdout." default:"deals.csv"`
}

func (c *ExportCmd) Run(kctx *kong.Context, rt *runtime) error {
	deals, err := rt.deals(context.Background(), c.Account, c.Symbol)
	if err != nil {
		return err
	}
	if c.Out == "-" {
		return utils.WriteDeals(kctx.Stdout, deals)
	}
	if err := utils.WriteDealsToCSV(deals, c.Out); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.Out, err)
	}
	_, _ = fmt.Fprintf(kctx.Stdout, "%d deals written to %s\n", len(deals), c.Out)
	return nil
}

type StatsCmd struct {
	Account string `required:"" help:"Account name."`
	Symbol  string `help:"Only deals of this asset."`
}

func (c *StatsCmd) Run(kctx *kong.Context, rt *runtime) error {
	deals, err := rt.deals(context.Background(), c.Account, c.Symbol)
	if err != nil {
		return err
	}
	m := analytics.AnalyzePerformance(deals, rt.dc)

	out := kctx.Stdout
	_, _ = fmt.Fprintf(out, "Realized deals:   %d (%d won, %d lost)\n", m.TotalDeals, m.WinningDeals, m.LosingDeals)
	_, _ = fmt.Fprintf(out, "Win rate:         %s%%\n", rt.round(m.WinRate.Shift(2)))
	_, _ = fmt.Fprintf(out, "Total profit:     %s\n", rt.round(m.TotalProfit))
	_, _ = fmt.Fprintf(out, "Total fees:       %s\n", rt.round(m.TotalFees))
	_, _ = fmt.Fprintf(out, "Profit factor:    %s\n", rt.round(m.ProfitFactor))
	_, _ = fmt.Fprintf(out, "Average win/loss: %s / %s\n", rt.round(m.AverageWin), rt.round(m.AverageLoss))
	_, _ = fmt.Fprintf(out, "Max drawdown:     %s\n", rt.round(m.MaxDrawdown))
	_, _ = fmt.Fprintf(out, "Average holding:  %s\n", m.AverageHolding)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "\nSymbol\tDeals\tQuantity\tFees\tProfit\t")
	for _, s := range m.GetAssets() {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t\n", s.Symbol, s.Deals, s.Quantity, rt.round(s.Fees), rt.round(s.Profit))
	}
	_, _ = fmt.Fprintln(w, "\nMonth\t\t\t\tProfit\t")
	for _, p := range m.GetMonthlyProfit() {
		_, _ = fmt.Fprintf(w, "%s\t\t\t\t%s\t\n", p.Month.Format("2006-01"), rt.round(p.Profit))
	}
	return w.Flush()
}

type ReconcileCmd struct {
	File string `arg:"" type:"existingfile" help:"Statement balance CSV file."`
}

func (c *ReconcileCmd) Run(kctx *kong.Context, rt *runtime) error {
	ctx := context.Background()
	statements, err := readFile(c.File, func(r io.Reader) ([]domain.StatementBalance, error) {
		return utils.ReadStatementsFromCSV(ctx, r, rt.repo)
	})
	if err != nil {
		return err
	}
	mismatches, err := rt.service.Reconcile(ctx, statements)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		_, _ = fmt.Fprintf(kctx.Stdout, "%d statement balances match the ledger\n", len(statements))
		return nil
	}
	return printMismatches(kctx.Stdout, rt, mismatches)
}

// --- helpers ---

func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	out, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func (rt *runtime) account(ctx context.Context, name string) (*domain.Account, error) {
	acc, err := rt.repo.AccountByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %q: %w", name, ports.ErrNotFound)
	}
	return acc, nil
}

// assetID resolves symbol; an empty symbol means any asset.
func (rt *runtime) assetID(ctx context.Context, symbol string) (int64, error) {
	if symbol == "" {
		return 0, nil
	}
	asset, err := rt.repo.AssetBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if asset == nil {
		return 0, fmt.Errorf("asset %q: %w", symbol, ports.ErrNotFound)
	}
	return asset.ID, nil
}

func (rt *runtime) deals(ctx context.Context, accountName, symbol string) ([]*domain.Deal, error) {
	acc, err := rt.account(ctx, accountName)
	if err != nil {
		return nil, err
	}
	assetID, err := rt.assetID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return rt.service.ClosedTradesList(ctx, acc.ID, assetID)
}

// round formats a value for display only; stored values keep full precision.
func (rt *runtime) round(v decimal.Decimal) string {
	return v.RoundBank(rt.cfg.DefaultPrecision).StringFixed(rt.cfg.DefaultPrecision)
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func printResult(w io.Writer, res *ledger.Result) {
	_, _ = fmt.Fprintf(w, "rebuilt from %s: %d operations, %d deals, %d ledger entries, %d deals skipped\n",
		formatTime(res.From), res.Operations, res.Deals, res.Entries, res.Skipped)
	for _, warning := range res.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %v\n", warning)
	}
}

func printMismatches(w io.Writer, rt *runtime, mismatches []*ports.ReconciliationMismatchError) error {
	if len(mismatches) == 0 {
		return nil
	}
	var lines []string
	for _, m := range mismatches {
		lines = append(lines, m.Error())
	}
	_, _ = fmt.Fprintln(w, strings.Join(lines, "\n"))
	rt.logger.Warn(context.Background(), "Statement balances differ from the ledger", map[string]interface{}{"count": len(mismatches)})
	return fmt.Errorf("%d statement balances differ from the ledger: %w", len(mismatches), ports.ErrReconciliationMismatch)
}
