package domain

import "github.com/shopspring/decimal"

// LedgerEntry is one posting to a book account. Entries are produced only by a rebuild.
// Amount is a quantity for Assets and a money amount elsewhere; Value is always in the
// account currency.
type LedgerEntry struct {
	Timestamp     int64
	OperationSeq  int64 // Originating operation
	Line          int   // Position of the posting within its operation
	Book          BookAccount
	AccountID     int64
	AssetID       int64
	Amount        decimal.Decimal
	Value         decimal.Decimal
	RunningAmount decimal.Decimal
	RunningValue  decimal.Decimal
}

// BalanceDelta is the net amount posted for an account/asset pair during a rebuild.
type BalanceDelta struct {
	AccountID int64
	AssetID   int64
	Amount    decimal.Decimal
}

// StatementBalance is an ending balance reported by a broker statement.
type StatementBalance struct {
	AccountID int64
	AssetID   int64
	Timestamp int64
	Amount    decimal.Decimal
}
