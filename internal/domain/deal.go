package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Lot is an open quantity of an asset created by one opening operation.
// Lots live only inside the matcher queues.
type Lot struct {
	OriginSequenceID int64
	OriginTimestamp  int64
	OriginKind       OperationKind
	AssetID          int64
	Direction        Direction
	OriginQuantity   decimal.Decimal // Absolute quantity of the origin operation, for fee pro-rating
	OriginFee        decimal.Decimal
	Remaining        decimal.Decimal // Always >= 0
	UnitCost         decimal.Decimal
}

// Deal pairs an opening leg with a closing leg for a matched quantity.
type Deal struct {
	AccountID       int64
	AssetID         int64
	Symbol          string // Filled from the asset table when read back
	Direction       Direction
	OpenSequenceID  int64
	OpenKind        OperationKind
	OpenTimestamp   int64
	CloseSequenceID int64
	CloseKind       OperationKind
	CloseTimestamp  int64
	Quantity        decimal.Decimal // Matched amount, always positive
	OpenPrice       decimal.Decimal
	ClosePrice      decimal.Decimal
	FeeOpen         decimal.Decimal
	FeeClose        decimal.Decimal
	PNL             decimal.Decimal // Unrounded
}

// Profit returns the realized profit of the deal.
func (d *Deal) Profit() decimal.Decimal {
	return d.PNL
}

// ProfitRate returns the profit as a percentage of the opening value.
func (d *Deal) ProfitRate() decimal.Decimal {
	openValue := d.Quantity.Mul(d.OpenPrice)
	if openValue.IsZero() {
		return decimal.Zero
	}
	return NewContext(DefaultPrecision).Div(d.PNL.Mul(decimal.NewFromInt(100)), openValue)
}

// OpenedByAction reports whether the opening leg is a corporate action.
func (d *Deal) OpenedByAction() bool {
	return d.OpenKind == KindCorporateAction
}

// DealDump is the flat export form of a deal.
type DealDump struct {
	Symbol         string
	OpenTimestamp  int64
	CloseTimestamp int64
	OpenPrice      decimal.Decimal
	ClosePrice     decimal.Decimal
	Quantity       decimal.Decimal
	FeeOpen        decimal.Decimal
	FeeClose       decimal.Decimal
	Profit         decimal.Decimal
}

// Dump returns the deal in export order.
func (d *Deal) Dump() DealDump {
	return DealDump{
		Symbol:         d.Symbol,
		OpenTimestamp:  d.OpenTimestamp,
		CloseTimestamp: d.CloseTimestamp,
		OpenPrice:      d.OpenPrice,
		ClosePrice:     d.ClosePrice,
		Quantity:       d.Quantity,
		FeeOpen:        d.FeeOpen,
		FeeClose:       d.FeeClose,
		Profit:         d.PNL,
	}
}

// DumpHeader names the DealDump columns.
var DumpHeader = []string{"symbol", "open_ts", "close_ts", "open_price", "close_price", "quantity", "fee_open", "fee_close", "profit"}

// Strings renders the dump as text columns.
func (d DealDump) Strings() []string {
	return []string{
		d.Symbol,
		strconv.FormatInt(d.OpenTimestamp, 10),
		strconv.FormatInt(d.CloseTimestamp, 10),
		d.OpenPrice.String(),
		d.ClosePrice.String(),
		d.Quantity.String(),
		d.FeeOpen.String(),
		d.FeeClose.String(),
		d.Profit.String(),
	}
}
