package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// Tx is the write transaction of a rebuild pass.
type Tx struct {
	reader
	tx     *sql.Tx
	logger ports.Logger
}

// DeleteLedgerFrom removes ledger entries with timestamp >= timestamp.
func (t *Tx) DeleteLedgerFrom(ctx context.Context, timestamp int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM ledger WHERE timestamp >= ?`, timestamp)
	if err != nil {
		return fmt.Errorf("%w: ledger from %d: %w", ports.ErrDeleteFailed, timestamp, err)
	}
	n, _ := result.RowsAffected()
	t.logger.Debug(ctx, "Ledger suffix deleted", map[string]interface{}{"from": timestamp, "rows": n})
	return nil
}

// DeleteDealsFrom removes deals closed at or after timestamp.
func (t *Tx) DeleteDealsFrom(ctx context.Context, timestamp int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM deals WHERE close_ts >= ?`, timestamp)
	if err != nil {
		return fmt.Errorf("%w: deals from %d: %w", ports.ErrDeleteFailed, timestamp, err)
	}
	n, _ := result.RowsAffected()
	t.logger.Debug(ctx, "Deal suffix deleted", map[string]interface{}{"from": timestamp, "rows": n})
	return nil
}

// InsertLedgerEntries stores entries in one prepared batch.
func (t *Tx) InsertLedgerEntries(ctx context.Context, entries []*domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.OperationSeq, e.Line, e.Timestamp, int(e.Book), e.AccountID, e.AssetID,
			e.Amount, e.Value, e.RunningAmount, e.RunningValue); err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("ledger entry %d/%d: %w", e.OperationSeq, e.Line, ports.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert ledger entry %d/%d: %w", e.OperationSeq, e.Line, err)
		}
	}
	return nil
}

// InsertDeals stores deals in one prepared batch.
func (t *Tx) InsertDeals(ctx context.Context, deals []*domain.Deal) error {
	if len(deals) == 0 {
		return nil
	}
	const query = `
	INSERT INTO deals (account_id, asset_id, open_seq, close_seq, direction, open_kind, open_ts, close_kind, close_ts,
	                   quantity, open_price, close_price, fee_open, fee_close, profit)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare deal insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range deals {
		if _, err := stmt.ExecContext(ctx, d.AccountID, d.AssetID, d.OpenSequenceID, d.CloseSequenceID, int(d.Direction),
			string(d.OpenKind), d.OpenTimestamp, string(d.CloseKind), d.CloseTimestamp,
			d.Quantity, d.OpenPrice, d.ClosePrice, d.FeeOpen, d.FeeClose, d.PNL); err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("deal %d/%d: %w", d.OpenSequenceID, d.CloseSequenceID, ports.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert deal %d/%d: %w", d.OpenSequenceID, d.CloseSequenceID, err)
		}
	}
	return nil
}

// RecordRebuild appends a rebuild_runs journal row.
func (t *Tx) RecordRebuild(ctx context.Context, run *ports.RebuildRun) error {
	const query = `
	INSERT INTO rebuild_runs (id, from_ts, started_at, finished_at, operations, deals, entries, skipped)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, query, run.ID.String(), run.From, run.StartedAt, run.FinishedAt,
		run.Operations, run.Deals, run.Entries, run.Skipped); err != nil {
		return fmt.Errorf("failed to record rebuild run %s: %w", run.ID, err)
	}
	return nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
