package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"investLedger/config"
	"investLedger/internal/domain"
	"investLedger/internal/ledger"
	"investLedger/internal/ports"
	"investLedger/internal/resolver"
)

// Rebuilder regenerates the ledger from a timestamp onwards.
type Rebuilder interface {
	Rebuild(ctx context.Context, from int64) (*ledger.Result, error)
}

// checkpointInvalidator is implemented by rebuilders that cache account checkpoints.
type checkpointInvalidator interface {
	Invalidate(accountID int64)
}

var _ ports.BalanceReader = (*LedgerService)(nil)

// LedgerService is the entry point used by importers, reports and the CLI.
type LedgerService struct {
	cfg       *config.Config
	logger    ports.Logger
	store     ports.OperationStore
	sequencer ports.Sequencer
	rebuilder Rebuilder
	balances  ports.BalanceReader
	dc        domain.Context
}

// NewLedgerService creates a new application service instance.
func NewLedgerService(
	cfg *config.Config,
	logger ports.Logger,
	store ports.OperationStore,
	sequencer ports.Sequencer,
	rebuilder Rebuilder,
) (*LedgerService, error) {
	// Validate dependencies
	if cfg == nil || logger == nil || store == nil || sequencer == nil || rebuilder == nil {
		return nil, fmt.Errorf("missing required dependencies for LedgerService")
	}
	if cfg.MaxChainDepth <= 0 {
		return nil, fmt.Errorf("configuration MaxChainDepth must be positive")
	}

	dc := domain.NewContext(cfg.DecimalPrecision)
	return &LedgerService{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		sequencer: sequencer,
		rebuilder: rebuilder,
		balances:  storeBalances{reader: store, dc: dc},
		dc:        dc,
	}, nil
}

// AppendOperation assigns the next sequence id to op and stores it.
// The ledger is not touched; call Rebuild from op.Timestamp afterwards.
func (s *LedgerService) AppendOperation(ctx context.Context, op *domain.Operation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}
	seq, err := s.sequencer.Next(ctx, op.Kind)
	if err != nil {
		return 0, fmt.Errorf("failed to issue sequence id: %w", err)
	}
	op.SequenceID = seq
	if _, err := s.store.AppendOperation(ctx, op); err != nil {
		s.logger.Error(ctx, err, "Failed to store operation", map[string]interface{}{"sequenceID": seq, "kind": string(op.Kind)})
		return 0, err
	}
	if c, ok := s.rebuilder.(checkpointInvalidator); ok {
		c.Invalidate(op.AccountID)
	}
	return seq, nil
}

// Record appends ops in order and rebuilds from the earliest timestamp among them.
func (s *LedgerService) Record(ctx context.Context, ops []*domain.Operation) (*ledger.Result, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations to record: %w", ports.ErrInvalidRequest)
	}
	from := ops[0].Timestamp
	for i, op := range ops {
		if _, err := s.AppendOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("operation %d of %d: %w", i+1, len(ops), err)
		}
		if op.Timestamp < from {
			from = op.Timestamp
		}
	}
	s.logger.Info(ctx, "Operations recorded", map[string]interface{}{"count": len(ops), "from": from})
	return s.Rebuild(ctx, from)
}

// Rebuild regenerates ledger entries and deals from the given timestamp.
func (s *LedgerService) Rebuild(ctx context.Context, from int64) (*ledger.Result, error) {
	res, err := s.rebuilder.Rebuild(ctx, from)
	if err != nil {
		s.logger.Error(ctx, err, "Ledger rebuild failed", map[string]interface{}{"from": from})
		return nil, err
	}
	if len(res.Warnings) > 0 {
		s.logger.Warn(ctx, "Ledger rebuilt with warnings", map[string]interface{}{
			"from": from, "warnings": len(res.Warnings), "skipped": res.Skipped})
	}
	return res, nil
}

// ClosedTradesList returns the deals of an account ordered by close sequence id.
// assetID zero lists every asset.
func (s *LedgerService) ClosedTradesList(ctx context.Context, accountID, assetID int64) ([]*domain.Deal, error) {
	deals, err := s.store.QueryDeals(ctx, ports.DealQuery{AccountID: accountID, AssetID: assetID})
	if err != nil {
		return nil, fmt.Errorf("failed to list deals of account %d: %w", accountID, err)
	}
	return deals, nil
}

// LedgerBalance returns what the account held of assetID at asOf.
func (s *LedgerService) LedgerBalance(ctx context.Context, accountID, assetID, asOf int64) (decimal.Decimal, error) {
	return s.balances.LedgerBalance(ctx, accountID, assetID, asOf)
}

// storeBalances reads point-in-time balances from the persisted running balances.
type storeBalances struct {
	reader ports.OperationReader
	dc     domain.Context
}

// LedgerBalance seeds a balance table with the last entries at asOf. For the
// account currency the balance is Money net of Liabilities.
func (b storeBalances) LedgerBalance(ctx context.Context, accountID, assetID, asOf int64) (decimal.Decimal, error) {
	acc, err := findAccount(ctx, b.reader, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	entries, err := b.reader.LastEntries(ctx, accountID, asOf)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balances of account %d: %w", accountID, err)
	}
	bal := ledger.NewBalances(b.dc)
	bal.Load(entries)
	return bal.Holding(accountID, assetID, acc.CurrencyID), nil
}

func findAccount(ctx context.Context, reader ports.OperationReader, accountID int64) (*domain.Account, error) {
	accounts, err := reader.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("account %d: %w", accountID, ports.ErrNotFound)
}

// DealProvenance traces every deal closed by closeSeq whose opening leg is a
// corporate action back to the trades that paid for it.
func (s *LedgerService) DealProvenance(ctx context.Context, accountID, closeSeq int64) ([]*resolver.Resolution, error) {
	ops, err := s.store.QueryOperations(ctx, ports.OperationQuery{AccountID: accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to load operations of account %d: %w", accountID, err)
	}
	deals, err := s.store.QueryDeals(ctx, ports.DealQuery{AccountID: accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to load deals of account %d: %w", accountID, err)
	}
	assets, err := s.assetsOf(ctx, ops)
	if err != nil {
		return nil, err
	}

	r, err := resolver.New(resolver.NewMemoryIndex(ops, deals, assets), resolver.Config{
		Context:  s.dc,
		MaxDepth: s.cfg.MaxChainDepth,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}

	var out []*resolver.Resolution
	found := false
	for _, d := range deals {
		if d.CloseSequenceID != closeSeq {
			continue
		}
		found = true
		if !d.OpenedByAction() {
			continue
		}
		res, err := r.ResolveDeal(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("deal %d->%d: %w", d.OpenSequenceID, d.CloseSequenceID, err)
		}
		out = append(out, res)
	}
	if !found {
		return nil, fmt.Errorf("no deal closed by operation %d: %w", closeSeq, ports.ErrNotFound)
	}
	return out, nil
}

func (s *LedgerService) assetsOf(ctx context.Context, ops []*domain.Operation) (map[int64]*domain.Asset, error) {
	assets := make(map[int64]*domain.Asset)
	load := func(id int64) error {
		if _, ok := assets[id]; ok || id == 0 {
			return nil
		}
		a, err := s.store.GetAsset(ctx, id)
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
		if op.CorporateAction == nil {
			continue
		}
		for _, o := range op.CorporateAction.Outcomes {
			if err := load(o.AssetID); err != nil {
				return nil, err
			}
		}
	}
	return assets, nil
}

// Reconcile compares statement balances with the ledger at the statement time.
// Mismatches are returned, not treated as errors.
func (s *LedgerService) Reconcile(ctx context.Context, statements []domain.StatementBalance) ([]*ports.ReconciliationMismatchError, error) {
	return reconcile(ctx, s.balances, s.store, s.logger, s.cfg.DefaultPrecision, statements)
}

func reconcile(ctx context.Context, balances ports.BalanceReader, reader ports.OperationReader, logger ports.Logger,
	defaultPrecision int32, statements []domain.StatementBalance) ([]*ports.ReconciliationMismatchError, error) {
	var mismatches []*ports.ReconciliationMismatchError
	for _, st := range statements {
		computed, err := balances.LedgerBalance(ctx, st.AccountID, st.AssetID, st.Timestamp)
		if err != nil {
			return nil, err
		}
		precision := defaultPrecision
		asset, err := reader.GetAsset(ctx, st.AssetID)
		if err != nil {
			return nil, fmt.Errorf("failed to load asset %d: %w", st.AssetID, err)
		}
		if asset != nil && asset.Precision > 0 {
			precision = asset.Precision
		}
		if computed.Round(precision).Equal(st.Amount.Round(precision)) {
			continue
		}
		m := &ports.ReconciliationMismatchError{
			AccountID: st.AccountID,
			AssetID:   st.AssetID,
			Timestamp: st.Timestamp,
			Computed:  computed,
			Expected:  st.Amount,
			Precision: precision,
		}
		logger.Warn(ctx, "Statement balance mismatch", map[string]interface{}{
			"accountID": st.AccountID, "assetID": st.AssetID, "timestamp": st.Timestamp, "warning": m.Error()})
		mismatches = append(mismatches, m)
	}
	return mismatches, nil
}

// sortStatements orders statements by time so that reports read chronologically.
func sortStatements(statements []domain.StatementBalance) {
	sort.SliceStable(statements, func(i, j int) bool {
		if statements[i].Timestamp != statements[j].Timestamp {
			return statements[i].Timestamp < statements[j].Timestamp
		}
		if statements[i].AccountID != statements[j].AccountID {
			return statements[i].AccountID < statements[j].AccountID
		}
		return statements[i].AssetID < statements[j].AssetID
	})
}
