package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
)

// OperationQuery filters operations. Zero AccountID or AssetID means any;
// ToTimestamp zero means unbounded. Results are ordered by timestamp then sequence id.
type OperationQuery struct {
	AccountID     int64
	AssetID       int64
	FromTimestamp int64
	ToTimestamp   int64
}

// DealQuery filters deals. Zero values mean "any"; ToTimestamp is exclusive.
// Results are ordered by close sequence id, then open sequence id.
type DealQuery struct {
	AccountID       int64
	AssetID         int64
	CloseSequenceID int64
	FromTimestamp   int64
	ToTimestamp     int64
}

// RebuildRun is the journal record of one rebuild pass.
type RebuildRun struct {
	ID         uuid.UUID
	From       int64
	StartedAt  time.Time
	FinishedAt time.Time
	Operations int
	Deals      int
	Entries    int
	Skipped    int
}

// SequenceStore persists the last issued sequence id.
type SequenceStore interface {
	// LastSequenceID returns the highest id ever issued or stored, 0 for an empty store.
	LastSequenceID(ctx context.Context) (int64, error)
	// SaveSequenceID records id as issued.
	SaveSequenceID(ctx context.Context, id int64) error
}

// OperationReader exposes the read side of the operation store.
type OperationReader interface {
	// QueryOperations returns operations ordered by (timestamp, sequence id).
	QueryOperations(ctx context.Context, q OperationQuery) ([]*domain.Operation, error)
	// QueryDeals returns deals with their asset symbol filled in.
	QueryDeals(ctx context.Context, q DealQuery) ([]*domain.Deal, error)
	// QueryLedger returns ledger entries of an account ordered by timestamp, operation and line.
	QueryLedger(ctx context.Context, accountID int64, fromTimestamp int64) ([]*domain.LedgerEntry, error)
	// LastEntries returns, for each (book, account, asset), the last entry with timestamp <= asOf.
	LastEntries(ctx context.Context, accountID int64, asOf int64) ([]*domain.LedgerEntry, error)
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	// GetAsset, AssetBySymbol and AccountByName return nil, nil when nothing matches.
	GetAsset(ctx context.Context, id int64) (*domain.Asset, error)
	AssetBySymbol(ctx context.Context, symbol string) (*domain.Asset, error)
	AccountByName(ctx context.Context, name string) (*domain.Account, error)
}

// OperationStore is the transactional record store behind the ledger.
type OperationStore interface {
	OperationReader
	SequenceStore
	CreateAsset(ctx context.Context, asset *domain.Asset) (int64, error)
	CreateAccount(ctx context.Context, account *domain.Account) (int64, error)
	// AppendOperation stores an operation that already carries its sequence id.
	// A sequence id collision is reported as a fatal DataIntegrityError.
	AppendOperation(ctx context.Context, op *domain.Operation) (int64, error)
	// Begin opens a write transaction. Only one write transaction runs at a time.
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is a write transaction used by a rebuild pass.
type StoreTx interface {
	OperationReader
	DeleteLedgerFrom(ctx context.Context, timestamp int64) error
	DeleteDealsFrom(ctx context.Context, timestamp int64) error
	InsertLedgerEntries(ctx context.Context, entries []*domain.LedgerEntry) error
	InsertDeals(ctx context.Context, deals []*domain.Deal) error
	RecordRebuild(ctx context.Context, run *RebuildRun) error
	Commit() error
	Rollback() error
}

// ProgressObserver receives advisory progress while a rebuild runs.
// It is called synchronously from the rebuild goroutine.
type ProgressObserver interface {
	Progress(percent float64, label string)
}

// ReconciliationListener is notified once a rebuild has committed.
type ReconciliationListener interface {
	OnRebuildComplete(ctx context.Context, timestamp int64, totals []domain.BalanceDelta)
}

// Sequencer issues strictly increasing operation sequence ids.
type Sequencer interface {
	Next(ctx context.Context, kind domain.OperationKind) (int64, error)
}

// BalanceReader answers point-in-time balance questions.
type BalanceReader interface {
	LedgerBalance(ctx context.Context, accountID, assetID, asOf int64) (decimal.Decimal, error)
}
