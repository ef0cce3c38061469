// Package ledger regenerates the double-entry ledger and the deal list from
// the stored operations.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/matcher"
	"investLedger/internal/ports"
	"investLedger/internal/resolver"
	"investLedger/internal/sequencer"
)

// Config holds the parameters and collaborators of a Rebuilder.
type Config struct {
	Store    ports.OperationStore
	Logger   ports.Logger
	Context  domain.Context
	MaxDepth int
	Cache    *SnapshotCache               // Optional
	Progress ports.ProgressObserver       // Optional
	Listener ports.ReconciliationListener // Optional
}

// Result summarizes one committed rebuild pass.
type Result struct {
	RunID      uuid.UUID
	From       int64
	Operations int // Operations processed at or after From
	Deals      int
	Entries    int
	Skipped    int     // Deals dropped because their origin could not be resolved
	Warnings   []error // Recoverable problems, already logged
	Deltas     []domain.BalanceDelta
}

// Rebuilder runs rebuild passes. Passes are serialized; the store transaction
// makes a failed pass leave no trace.
type Rebuilder struct {
	store    ports.OperationStore
	logger   ports.Logger
	dc       domain.Context
	maxDepth int
	cache    *SnapshotCache
	progress ports.ProgressObserver
	listener ports.ReconciliationListener

	mu sync.Mutex
}

// NewRebuilder creates a Rebuilder.
func NewRebuilder(cfg Config) (*Rebuilder, error) {
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Rebuilder")
	}
	if cfg.Context.Precision <= 0 {
		cfg.Context = domain.NewContext(domain.DefaultPrecision)
	}
	return &Rebuilder{
		store:    cfg.Store,
		logger:   cfg.Logger,
		dc:       cfg.Context,
		maxDepth: cfg.MaxDepth,
		cache:    cfg.Cache,
		progress: cfg.Progress,
		listener: cfg.Listener,
	}, nil
}

// Invalidate drops the cached checkpoints of an account.
func (r *Rebuilder) Invalidate(accountID int64) {
	if r.cache != nil {
		r.cache.Invalidate(accountID)
	}
}

// accountRun is the outcome of regenerating one account.
type accountRun struct {
	entries  []*domain.LedgerEntry
	deals    []*domain.Deal
	ops      int
	skipped  int
	warnings []error
}

// Rebuild deletes ledger entries and deals at or after from and regenerates them.
// from = 0 rebuilds everything. Only sequencing or store failures abort the pass.
func (r *Rebuilder) Rebuild(ctx context.Context, from int64) (res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &ports.RebuildRun{ID: uuid.New(), From: from, StartedAt: time.Now().UTC()}
	r.logger.Info(ctx, "Starting ledger rebuild", map[string]interface{}{"runID": run.ID.String(), "from": from})

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error(ctx, rbErr, "Failed to roll back rebuild", map[string]interface{}{"runID": run.ID.String()})
		}
	}()

	ops, err := tx.QueryOperations(ctx, ports.OperationQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	if err := sequencer.CheckMonotonic(ops); err != nil {
		r.logger.Error(ctx, err, "Rebuild aborted", map[string]interface{}{"runID": run.ID.String()})
		return nil, err
	}

	accounts, err := tx.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	assets, err := r.loadAssets(ctx, tx, ops)
	if err != nil {
		return nil, err
	}

	if err := tx.DeleteLedgerFrom(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to delete ledger from %d: %w", from, err)
	}
	if err := tx.DeleteDealsFrom(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to delete deals from %d: %w", from, err)
	}

	byAccount := make(map[int64][]*domain.Operation)
	for _, op := range ops {
		byAccount[op.AccountID] = append(byAccount[op.AccountID], op)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	progress := &progressTracker{observer: r.progress}
	for _, acc := range accounts {
		progress.total += len(assetBatches(byAccount[acc.ID], from))
	}

	res = &Result{RunID: run.ID, From: from}
	deltas := make(map[[2]int64]decimal.Decimal)
	for _, acc := range accounts {
		accOps := byAccount[acc.ID]
		delete(byAccount, acc.ID)

		ar, err := r.rebuildAccount(ctx, acc, accOps, assets, from, progress)
		if err != nil {
			return nil, err
		}
		if err := tx.InsertLedgerEntries(ctx, ar.entries); err != nil {
			return nil, fmt.Errorf("failed to store ledger of account %d: %w", acc.ID, err)
		}
		if err := tx.InsertDeals(ctx, ar.deals); err != nil {
			return nil, fmt.Errorf("failed to store deals of account %d: %w", acc.ID, err)
		}

		res.Operations += ar.ops
		res.Deals += len(ar.deals)
		res.Entries += len(ar.entries)
		res.Skipped += ar.skipped
		res.Warnings = append(res.Warnings, ar.warnings...)
		accumulateDeltas(deltas, ar.entries)
	}
	for accountID := range byAccount {
		w := ports.NewIntegrityError(ports.ErrDataIntegrity, fmt.Sprintf("operations reference unknown account %d", accountID))
		r.logger.Warn(ctx, "Operations skipped", map[string]interface{}{"accountID": accountID, "warning": w.Error()})
		res.Warnings = append(res.Warnings, w)
	}
	res.Deltas = sortedDeltas(deltas)

	run.FinishedAt = time.Now().UTC()
	run.Operations, run.Deals, run.Entries, run.Skipped = res.Operations, res.Deals, res.Entries, res.Skipped
	if err := tx.RecordRebuild(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record rebuild run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	committed = true

	r.logger.Info(ctx, "Ledger rebuild committed", map[string]interface{}{
		"runID":      run.ID.String(),
		"from":       from,
		"operations": res.Operations,
		"deals":      res.Deals,
		"entries":    res.Entries,
		"skipped":    res.Skipped,
		"warnings":   len(res.Warnings),
		"duration":   run.FinishedAt.Sub(run.StartedAt).String(),
	})
	if r.listener != nil {
		r.listener.OnRebuildComplete(ctx, from, res.Deltas)
	}
	return res, nil
}

func (r *Rebuilder) loadAssets(ctx context.Context, tx ports.StoreTx, ops []*domain.Operation) (map[int64]*domain.Asset, error) {
	assets := make(map[int64]*domain.Asset)
	load := func(id int64) error {
		if _, ok := assets[id]; ok || id == 0 {
			return nil
		}
		a, err := tx.GetAsset(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load asset %d: %w", id, err)
		}
		if a != nil {
			assets[id] = a
		}
		return nil
	}
	for _, op := range ops {
		if err := load(op.AssetID); err != nil {
			return nil, err
		}
		if op.CorporateAction != nil {
			for _, o := range op.CorporateAction.Outcomes {
				if err := load(o.AssetID); err != nil {
					return nil, err
				}
			}
		}
	}
	return assets, nil
}

// rebuildAccount restores the account state at from and regenerates everything after it.
func (r *Rebuilder) rebuildAccount(ctx context.Context, acc *domain.Account, ops []*domain.Operation,
	assets map[int64]*domain.Asset, from int64, progress *progressTracker) (*accountRun, error) {
	split := sort.Search(len(ops), func(i int) bool { return ops[i].Timestamp >= from })
	prefix, suffix := ops[:split], ops[split:]

	m, err := matcher.New(matcher.Config{Context: r.dc, Logger: r.logger})
	if err != nil {
		return nil, err
	}
	ar := &accountRun{ops: len(suffix)}

	state, cached := r.cachedState(acc.ID, from, prefix)
	if cached {
		m.Restore(state.Lots)
		r.logger.Debug(ctx, "Account state restored from cache", map[string]interface{}{"accountID": acc.ID, "from": from})
	} else {
		state = &AccountState{Balances: NewBalances(r.dc)}
		for _, op := range prefix {
			step, ok := r.process(ctx, m, op, nil)
			if !ok {
				continue
			}
			Post(r.dc, state.Balances, step, acc.CurrencyID)
			state.Deals = append(state.Deals, step.Deals...)
		}
		state.Lots = m.Snapshot()
		if r.cache != nil {
			r.cache.Put(acc.ID, from, prefix, state)
		}
	}

	last := assetBatches(suffix, from)
	var suffixDeals []*domain.Deal
	for i, op := range suffix {
		if step, ok := r.process(ctx, m, op, &ar.warnings); ok {
			ar.entries = append(ar.entries, Post(r.dc, state.Balances, step, acc.CurrencyID)...)
			suffixDeals = append(suffixDeals, step.Deals...)
			ar.warnings = append(ar.warnings, step.Warnings...)
		}
		if last[op.AssetID] == i {
			label := acc.Name
			if a, ok := assets[op.AssetID]; ok {
				label += " " + a.Symbol
			}
			progress.batchDone(label)
		}
	}

	ar.deals = r.verifyOrigins(ctx, ops, state.Deals, suffixDeals, assets, ar)
	for _, d := range ar.deals {
		if a, ok := assets[d.AssetID]; ok {
			d.Symbol = a.Symbol
		}
	}
	return ar, nil
}

// assetBatches maps every asset with operations at or after from to the index
// of its last such operation among them.
func assetBatches(ops []*domain.Operation, from int64) map[int64]int {
	last := make(map[int64]int)
	i := 0
	for _, op := range ops {
		if op.Timestamp < from {
			continue
		}
		last[op.AssetID] = i
		i++
	}
	return last
}

// progressTracker reports a step after each (account, asset) batch.
type progressTracker struct {
	observer    ports.ProgressObserver
	total, done int
}

func (p *progressTracker) batchDone(label string) {
	if p == nil || p.observer == nil || p.total == 0 {
		return
	}
	p.done++
	p.observer.Progress(float64(p.done)*100/float64(p.total), label)
}

func (r *Rebuilder) cachedState(accountID, from int64, prefix []*domain.Operation) (*AccountState, bool) {
	if r.cache == nil || len(prefix) == 0 {
		return nil, false
	}
	return r.cache.Get(accountID, from, prefix)
}

// process validates and matches one operation. Invalid operations are skipped;
// the warning is collected only when warnings is not nil.
func (r *Rebuilder) process(ctx context.Context, m *matcher.Matcher, op *domain.Operation, warnings *[]error) (*matcher.Step, bool) {
	if err := op.Validate(); err != nil {
		w := ports.NewIntegrityError(ports.ErrDataIntegrity, err.Error(), op.SequenceID)
		if warnings != nil {
			r.logger.Warn(ctx, "Operation skipped", map[string]interface{}{"sequenceID": op.SequenceID, "warning": w.Error()})
			*warnings = append(*warnings, w)
		}
		return nil, false
	}
	return m.Process(ctx, op), true
}

// verifyOrigins resolves every trade-closed deal opened by a corporate action and
// drops the deals whose origin cannot be resolved.
func (r *Rebuilder) verifyOrigins(ctx context.Context, ops []*domain.Operation, prior, deals []*domain.Deal,
	assets map[int64]*domain.Asset, ar *accountRun) []*domain.Deal {
	idx := resolver.NewMemoryIndex(ops, prior, assets)
	idx.AddDeals(deals)
	res, err := resolver.New(idx, resolver.Config{Context: r.dc, MaxDepth: r.maxDepth, Logger: r.logger})
	if err != nil {
		ar.warnings = append(ar.warnings, err)
		return deals
	}

	kept := deals[:0:0]
	for _, d := range deals {
		if d.OpenKind != domain.KindCorporateAction || d.CloseKind == domain.KindCorporateAction {
			kept = append(kept, d)
			continue
		}
		resolution, err := res.ResolveDeal(ctx, d)
		if err != nil {
			var integrity *ports.DataIntegrityError
			if !errors.As(err, &integrity) {
				integrity = ports.NewIntegrityError(ports.ErrDataIntegrity, err.Error())
			}
			integrity.OperationIDs = append(integrity.OperationIDs, d.CloseSequenceID)
			r.logger.Warn(ctx, "Deal skipped, origin unresolved", map[string]interface{}{
				"accountID": d.AccountID, "openSeq": d.OpenSequenceID, "closeSeq": d.CloseSequenceID, "warning": integrity.Error()})
			ar.warnings = append(ar.warnings, integrity)
			ar.skipped++
			continue
		}
		r.logger.Debug(ctx, "Deal origin resolved", map[string]interface{}{
			"openSeq": d.OpenSequenceID, "closeSeq": d.CloseSequenceID,
			"origins": len(resolution.Origins), "unitCost": resolution.UnitCost(r.dc).String()})
		kept = append(kept, d)
	}
	return kept
}

func accumulateDeltas(deltas map[[2]int64]decimal.Decimal, entries []*domain.LedgerEntry) {
	for _, e := range entries {
		switch e.Book {
		case domain.BookMoney, domain.BookLiabilities, domain.BookAssets:
			k := [2]int64{e.AccountID, e.AssetID}
			deltas[k] = deltas[k].Add(e.Amount)
		}
	}
}

func sortedDeltas(deltas map[[2]int64]decimal.Decimal) []domain.BalanceDelta {
	out := make([]domain.BalanceDelta, 0, len(deltas))
	for k, v := range deltas {
		out = append(out, domain.BalanceDelta{AccountID: k[0], AssetID: k[1], Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}
