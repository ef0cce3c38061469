package app

import (
	"context"
	"sync"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

type statementKey struct {
	accountID, assetID, timestamp int64
}

func keyOf(st domain.StatementBalance) statementKey {
	return statementKey{accountID: st.AccountID, assetID: st.AssetID, timestamp: st.Timestamp}
}

// Reconciler holds imported statement balances and checks them each time a
// rebuild commits. It implements ports.ReconciliationListener.
//
// A statement stays pending until a check finds it in agreement with the
// ledger. Its latest mismatch is kept until then.
type Reconciler struct {
	reader           ports.OperationReader
	balances         ports.BalanceReader
	logger           ports.Logger
	defaultPrecision int32

	mu         sync.Mutex
	pending    []domain.StatementBalance
	mismatches map[statementKey]*ports.ReconciliationMismatchError
}

// NewReconciler creates a Reconciler reading balances through reader.
func NewReconciler(reader ports.OperationReader, logger ports.Logger, defaultPrecision int32) *Reconciler {
	return &Reconciler{
		reader:           reader,
		balances:         storeBalances{reader: reader, dc: domain.NewContext(domain.DefaultPrecision)},
		logger:           logger,
		defaultPrecision: defaultPrecision,
		mismatches:       make(map[statementKey]*ports.ReconciliationMismatchError),
	}
}

// Expect registers statement balances to verify after the next rebuilds.
func (r *Reconciler) Expect(statements ...domain.StatementBalance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, statements...)
	sortStatements(r.pending)
}

// OnRebuildComplete re-checks the pending statements of every account and asset the rebuild touched.
func (r *Reconciler) OnRebuildComplete(ctx context.Context, timestamp int64, totals []domain.BalanceDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[[2]int64]bool, len(totals))
	for _, t := range totals {
		touched[[2]int64{t.AccountID, t.AssetID}] = true
	}
	var due []domain.StatementBalance
	for _, st := range r.pending {
		if st.Timestamp >= timestamp && touched[[2]int64{st.AccountID, st.AssetID}] {
			due = append(due, st)
		}
	}
	r.logger.Debug(ctx, "Reconciling statements", map[string]interface{}{"from": timestamp, "statements": len(due)})
	if len(due) == 0 {
		return
	}

	found, err := reconcile(ctx, r.balances, r.reader, r.logger, r.defaultPrecision, due)
	if err != nil {
		r.logger.Error(ctx, err, "Statement reconciliation failed", map[string]interface{}{"from": timestamp})
		return
	}
	failed := make(map[statementKey]*ports.ReconciliationMismatchError, len(found))
	for _, m := range found {
		failed[statementKey{accountID: m.AccountID, assetID: m.AssetID, timestamp: m.Timestamp}] = m
	}
	matched := make(map[statementKey]bool)
	for _, st := range due {
		k := keyOf(st)
		if m, ok := failed[k]; ok {
			r.mismatches[k] = m
			continue
		}
		delete(r.mismatches, k)
		matched[k] = true
	}

	kept := r.pending[:0]
	for _, st := range r.pending {
		if !matched[keyOf(st)] {
			kept = append(kept, st)
		}
	}
	r.pending = kept
	r.logger.Info(ctx, "Statements reconciled", map[string]interface{}{
		"checked": len(due), "matched": len(matched), "pending": len(r.pending)})
}

// Mismatches returns the latest mismatch of every pending statement, in statement order.
func (r *Reconciler) Mismatches() []*ports.ReconciliationMismatchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ports.ReconciliationMismatchError
	seen := make(map[statementKey]bool)
	for _, st := range r.pending {
		k := keyOf(st)
		if m, ok := r.mismatches[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, m)
		}
	}
	return out
}
