package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// reader implements ports.OperationReader on top of a connection or a transaction.
type reader struct {
	q querier
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if d.Valid {
		return d.Decimal
	}
	return decimal.Zero
}

// QueryOperations returns operations ordered by (timestamp, sequence id).
// An asset filter also matches corporate actions delivering that asset.
func (r reader) QueryOperations(ctx context.Context, q ports.OperationQuery) ([]*domain.Operation, error) {
	where, args := operationFilter(q)
	query := `
	SELECT o.seq, o.timestamp, o.account_id, o.asset_id, o.kind, o.quantity, o.price, o.fee, o.settlement_ts,
	       o.action_type, o.amount, o.tax, o.counterparty_id, o.note
	FROM operations o` + where + `
	ORDER BY o.timestamp, o.seq`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	ops := make([]*domain.Operation, 0)
	actions := make(map[int64]*domain.CorporateAction)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if op.CorporateAction != nil {
			actions[op.SequenceID] = op.CorporateAction
		}
		ops = append(ops, op)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation rows: %w", err)
	}
	if len(actions) == 0 {
		return ops, nil
	}

	outcomeQuery := `
	SELECT a.op_seq, a.asset_id, a.quantity, a.value_share
	FROM action_outcomes a JOIN operations o ON o.seq = a.op_seq` + where + `
	ORDER BY a.op_seq, a.position`
	orows, err := r.q.QueryContext(ctx, outcomeQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query action outcomes: %w: %w", ports.ErrQueryFailed, err)
	}
	defer orows.Close()
	for orows.Next() {
		var seq int64
		var o domain.ActionOutcome
		if err := orows.Scan(&seq, &o.AssetID, &o.Quantity, &o.ValueShare); err != nil {
			return nil, fmt.Errorf("failed to scan action outcome: %w", err)
		}
		if a, ok := actions[seq]; ok {
			a.Outcomes = append(a.Outcomes, o)
		}
	}
	if err = orows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action outcome rows: %w", err)
	}
	return ops, nil
}

func operationFilter(q ports.OperationQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if q.AccountID != 0 {
		conds = append(conds, "o.account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.AssetID != 0 {
		conds = append(conds, "(o.asset_id = ? OR o.seq IN (SELECT op_seq FROM action_outcomes WHERE asset_id = ?))")
		args = append(args, q.AssetID, q.AssetID)
	}
	if q.FromTimestamp != 0 {
		conds = append(conds, "o.timestamp >= ?")
		args = append(args, q.FromTimestamp)
	}
	if q.ToTimestamp != 0 {
		conds = append(conds, "o.timestamp < ?")
		args = append(args, q.ToTimestamp)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\n\tWHERE " + strings.Join(conds, " AND "), args
}

// scanOperation scans a row into a domain.Operation with its variant filled in.
func scanOperation(s scanner) (*domain.Operation, error) {
	op := &domain.Operation{}
	var (
		kind                              string
		quantity, price, fee, amount, tax decimal.NullDecimal
		settlement, counterparty          sql.NullInt64
		actionType                        sql.NullString
		note                              string
	)
	err := s.Scan(&op.SequenceID, &op.Timestamp, &op.AccountID, &op.AssetID, &kind,
		&quantity, &price, &fee, &settlement, &actionType, &amount, &tax, &counterparty, &note)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	op.Kind = domain.OperationKind(kind)
	switch op.Kind {
	case domain.KindTrade:
		op.Trade = &domain.Trade{Quantity: orZero(quantity), Price: orZero(price), Fee: orZero(fee),
			SettlementTimestamp: settlement.Int64}
	case domain.KindCorporateAction:
		op.CorporateAction = &domain.CorporateAction{Type: domain.ActionType(actionType.String),
			SourceQuantity: orZero(quantity), Note: note}
	case domain.KindDividend:
		op.Dividend = &domain.Dividend{Amount: orZero(amount), Tax: orZero(tax), Note: note}
	case domain.KindTransfer:
		op.Transfer = &domain.Transfer{Amount: orZero(amount), Fee: orZero(fee),
			CounterpartyAccountID: counterparty.Int64, Note: note}
	}
	return op, nil
}

// QueryDeals returns deals ordered by close sequence id, then asset and open sequence id.
func (r reader) QueryDeals(ctx context.Context, q ports.DealQuery) ([]*domain.Deal, error) {
	var conds []string
	var args []interface{}
	if q.AccountID != 0 {
		conds = append(conds, "d.account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.AssetID != 0 {
		conds = append(conds, "d.asset_id = ?")
		args = append(args, q.AssetID)
	}
	if q.CloseSequenceID != 0 {
		conds = append(conds, "d.close_seq = ?")
		args = append(args, q.CloseSequenceID)
	}
	if q.FromTimestamp != 0 {
		conds = append(conds, "d.close_ts >= ?")
		args = append(args, q.FromTimestamp)
	}
	if q.ToTimestamp != 0 {
		conds = append(conds, "d.close_ts < ?")
		args = append(args, q.ToTimestamp)
	}
	query := `
	SELECT d.account_id, d.asset_id, COALESCE(a.symbol, ''), d.direction, d.open_seq, d.open_kind, d.open_ts,
	       d.close_seq, d.close_kind, d.close_ts, d.quantity, d.open_price, d.close_price,
	       d.fee_open, d.fee_close, d.profit
	FROM deals d LEFT JOIN assets a ON a.id = d.asset_id`
	if len(conds) > 0 {
		query += "\n\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\tORDER BY d.close_seq, d.asset_id, d.open_seq"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	deals := make([]*domain.Deal, 0)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deal rows: %w", err)
	}
	return deals, nil
}

func scanDeal(s scanner) (*domain.Deal, error) {
	d := &domain.Deal{}
	var direction int
	var openKind, closeKind string
	err := s.Scan(&d.AccountID, &d.AssetID, &d.Symbol, &direction, &d.OpenSequenceID, &openKind, &d.OpenTimestamp,
		&d.CloseSequenceID, &closeKind, &d.CloseTimestamp, &d.Quantity, &d.OpenPrice, &d.ClosePrice,
		&d.FeeOpen, &d.FeeClose, &d.PNL)
	if err != nil {
		return nil, err
	}
	d.Direction = domain.Direction(direction)
	d.OpenKind = domain.OperationKind(openKind)
	d.CloseKind = domain.OperationKind(closeKind)
	return d, nil
}

const ledgerColumns = `op_seq, line, timestamp, book, account_id, asset_id, amount, value, running_amount, running_value`

// QueryLedger returns the entries of an account from a timestamp on, in stream order.
func (r reader) QueryLedger(ctx context.Context, accountID int64, fromTimestamp int64) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
	FROM ledger WHERE account_id = ? AND timestamp >= ?
	ORDER BY timestamp, op_seq, line`
	return r.queryEntries(ctx, query, accountID, fromTimestamp)
}

// LastEntries returns the latest entry per (book, asset) of an account at or before asOf.
func (r reader) LastEntries(ctx context.Context, accountID int64, asOf int64) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM (
		SELECT ` + ledgerColumns + `,
		       ROW_NUMBER() OVER (PARTITION BY book, asset_id ORDER BY timestamp DESC, op_seq DESC, line DESC) AS rn
		FROM ledger WHERE account_id = ? AND timestamp <= ?
	) WHERE rn = 1
	ORDER BY book, asset_id`
	return r.queryEntries(ctx, query, accountID, asOf)
}

func (r reader) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*domain.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	entries := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		e := &domain.LedgerEntry{}
		var book int
		if err := rows.Scan(&e.OperationSeq, &e.Line, &e.Timestamp, &book, &e.AccountID, &e.AssetID,
			&e.Amount, &e.Value, &e.RunningAmount, &e.RunningValue); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Book = domain.BookAccount(book)
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}

// ListAccounts returns all accounts ordered by id.
func (r reader) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, name, currency_id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		a := &domain.Account{}
		if err := rows.Scan(&a.ID, &a.Name, &a.CurrencyID); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

// GetAsset retrieves an asset by id. It returns nil, nil when not found.
func (r reader) GetAsset(ctx context.Context, id int64) (*domain.Asset, error) {
	return r.findAsset(ctx, `SELECT id, symbol, name, precision FROM assets WHERE id = ?`, id)
}

// AssetBySymbol retrieves an asset by symbol. It returns nil, nil when not found.
func (r reader) AssetBySymbol(ctx context.Context, symbol string) (*domain.Asset, error) {
	return r.findAsset(ctx, `SELECT id, symbol, name, precision FROM assets WHERE symbol = ?`, symbol)
}

func (r reader) findAsset(ctx context.Context, query string, arg interface{}) (*domain.Asset, error) {
	a := &domain.Asset{}
	err := r.q.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Symbol, &a.Name, &a.Precision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query asset %v: %w", arg, err)
	}
	return a, nil
}

// AccountByName retrieves an account by name. It returns nil, nil when not found.
func (r reader) AccountByName(ctx context.Context, name string) (*domain.Account, error) {
	a := &domain.Account{}
	err := r.q.QueryRowContext(ctx, `SELECT id, name, currency_id FROM accounts WHERE name = ?`, name).
		Scan(&a.ID, &a.Name, &a.CurrencyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query account %s: %w", name, err)
	}
	return a, nil
}
