package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation is a financial event recorded against one account.
// Exactly one of the variant pointers is set, matching Kind.
// Operations are immutable once they carry a sequence id; corrections are new operations.
type Operation struct {
	SequenceID int64
	Timestamp  int64 // Unix seconds, event time
	AccountID  int64
	AssetID    int64
	Kind       OperationKind

	Trade           *Trade
	CorporateAction *CorporateAction
	Dividend        *Dividend
	Transfer        *Transfer
}

// Trade is a cash-settled buy (positive quantity) or sell (negative quantity).
type Trade struct {
	Quantity            decimal.Decimal
	Price               decimal.Decimal
	Fee                 decimal.Decimal
	SettlementTimestamp int64
}

// ActionOutcome is one asset delivered by a corporate action.
// ValueShare is the fraction of the consumed cost basis carried into this outcome.
type ActionOutcome struct {
	AssetID    int64
	Quantity   decimal.Decimal
	ValueShare decimal.Decimal
}

// CorporateAction transforms SourceQuantity of the operation asset into Outcomes.
// Delisting has no outcomes.
type CorporateAction struct {
	Type           ActionType
	SourceQuantity decimal.Decimal
	Outcomes       []ActionOutcome
	Note           string
}

// Destination returns the primary outcome: the first one delivering a different asset,
// or the first outcome when every outcome is the source asset. ok is false for Delisting.
func (a *CorporateAction) Destination(sourceAssetID int64) (ActionOutcome, bool) {
	if len(a.Outcomes) == 0 {
		return ActionOutcome{}, false
	}
	for _, o := range a.Outcomes {
		if o.AssetID != sourceAssetID {
			return o, true
		}
	}
	return a.Outcomes[0], true
}

// Outcome returns the outcome delivering assetID.
func (a *CorporateAction) Outcome(assetID int64) (ActionOutcome, bool) {
	for _, o := range a.Outcomes {
		if o.AssetID == assetID {
			return o, true
		}
	}
	return ActionOutcome{}, false
}

// Dividend is a cash distribution, with withheld tax.
type Dividend struct {
	Amount decimal.Decimal
	Tax    decimal.Decimal
	Note   string
}

// Transfer moves money into (positive amount) or out of (negative amount) the account.
// CounterpartyAccountID is zero for external deposits and withdrawals.
type Transfer struct {
	Amount                decimal.Decimal
	Fee                   decimal.Decimal
	CounterpartyAccountID int64
	Note                  string
}

// Time returns the event time.
func (op *Operation) Time() time.Time {
	return time.Unix(op.Timestamp, 0).UTC()
}

// Before reports whether op is ordered before other in the processing stream.
// Timestamps are compared first; the sequence id breaks ties.
func (op *Operation) Before(other *Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	return op.SequenceID < other.SequenceID
}

// Validate checks that the variant matches the kind and carries sane values.
func (op *Operation) Validate() error {
	if op.AccountID == 0 {
		return fmt.Errorf("operation has no account")
	}
	switch op.Kind {
	case KindTrade:
		if op.Trade == nil {
			return fmt.Errorf("trade operation without trade payload")
		}
		if op.AssetID == 0 {
			return fmt.Errorf("trade without asset")
		}
		if op.Trade.Price.IsNegative() || op.Trade.Fee.IsNegative() {
			return fmt.Errorf("trade price and fee must not be negative")
		}
	case KindCorporateAction:
		a := op.CorporateAction
		if a == nil {
			return fmt.Errorf("corporate action operation without action payload")
		}
		if !a.Type.Valid() {
			return fmt.Errorf("unknown corporate action type %q", a.Type)
		}
		if a.SourceQuantity.IsNegative() {
			return fmt.Errorf("corporate action source quantity must not be negative")
		}
		if a.Type == ActionDelisting && len(a.Outcomes) > 0 {
			return fmt.Errorf("delisting must not deliver assets")
		}
		if a.Type != ActionDelisting && len(a.Outcomes) == 0 {
			return fmt.Errorf("%s must deliver at least one asset", a.Type)
		}
	case KindDividend:
		if op.Dividend == nil {
			return fmt.Errorf("dividend operation without dividend payload")
		}
	case KindTransfer:
		if op.Transfer == nil {
			return fmt.Errorf("transfer operation without transfer payload")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// String renders a short description used in logs.
func (op *Operation) String() string {
	switch op.Kind {
	case KindTrade:
		return fmt.Sprintf("trade#%d %s@%s", op.SequenceID, op.Trade.Quantity, op.Trade.Price)
	case KindCorporateAction:
		return fmt.Sprintf("action#%d %s %s", op.SequenceID, op.CorporateAction.Type, op.CorporateAction.SourceQuantity)
	case KindDividend:
		return fmt.Sprintf("dividend#%d %s", op.SequenceID, op.Dividend.Amount)
	case KindTransfer:
		return fmt.Sprintf("transfer#%d %s", op.SequenceID, op.Transfer.Amount)
	default:
		return fmt.Sprintf("operation#%d", op.SequenceID)
	}
}
