package ports

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Ledger Errors
	ErrDataIntegrity          = errors.New("data integrity violation")
	ErrDuplicateSequence      = errors.New("duplicate sequence id")
	ErrCyclicReference        = errors.New("cyclic corporate action reference")
	ErrMatchingUnderflow      = errors.New("closing quantity exceeds open lots")
	ErrReconciliationMismatch = errors.New("computed balance differs from statement")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)

// DataIntegrityError reports source data that cannot be processed consistently:
// a broken corporate action chain, a zero denominator, a duplicate sequence id or a cycle.
type DataIntegrityError struct {
	Reason       string
	OperationIDs []int64
	Err          error // Sentinel refining the violation, defaults to ErrDataIntegrity
}

func (e *DataIntegrityError) Error() string {
	ids := make([]string, len(e.OperationIDs))
	for i, id := range e.OperationIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%s: %s (operations %s)", e.sentinel(), e.Reason, strings.Join(ids, ","))
}

func (e *DataIntegrityError) Unwrap() []error {
	if e.Err == nil || e.Err == ErrDataIntegrity {
		return []error{ErrDataIntegrity}
	}
	return []error{ErrDataIntegrity, e.Err}
}

// Fatal reports whether the violation breaks sequencing and must abort a rebuild.
func (e *DataIntegrityError) Fatal() bool {
	return errors.Is(e.Err, ErrDuplicateSequence)
}

func (e *DataIntegrityError) sentinel() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrDataIntegrity
}

// NewIntegrityError builds a DataIntegrityError.
func NewIntegrityError(sentinel error, reason string, ids ...int64) *DataIntegrityError {
	return &DataIntegrityError{Reason: reason, OperationIDs: ids, Err: sentinel}
}

// MatchingUnderflowError reports closing quantity left without open lots to match.
type MatchingUnderflowError struct {
	AccountID  int64
	AssetID    int64
	SequenceID int64
	Unmatched  decimal.Decimal
}

func (e *MatchingUnderflowError) Error() string {
	return fmt.Sprintf("%v: account %d asset %d operation %d, %s left unmatched",
		ErrMatchingUnderflow, e.AccountID, e.AssetID, e.SequenceID, e.Unmatched)
}

func (e *MatchingUnderflowError) Unwrap() error {
	return ErrMatchingUnderflow
}

// ReconciliationMismatchError reports a statement balance that differs from the ledger.
type ReconciliationMismatchError struct {
	AccountID int64
	AssetID   int64
	Timestamp int64
	Computed  decimal.Decimal
	Expected  decimal.Decimal
	Precision int32
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("%v: account %d asset %d at %d, ledger %s vs statement %s",
		ErrReconciliationMismatch, e.AccountID, e.AssetID, e.Timestamp,
		e.Computed.StringFixed(e.Precision), e.Expected.StringFixed(e.Precision))
}

func (e *ReconciliationMismatchError) Unwrap() error {
	return ErrReconciliationMismatch
}
