package ledger

import (
	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/matcher"
)

// journal collects the entries of one operation and applies them to the balances
// as they are posted, so later lines see earlier ones.
type journal struct {
	dc       domain.Context
	bal      *Balances
	op       *domain.Operation
	currency int64
	entries  []*domain.LedgerEntry
}

func (j *journal) post(book domain.BookAccount, assetID int64, amount, value decimal.Decimal) {
	if amount.IsZero() && value.IsZero() {
		return
	}
	e := &domain.LedgerEntry{
		Timestamp:    j.op.Timestamp,
		OperationSeq: j.op.SequenceID,
		Line:         len(j.entries) + 1,
		Book:         book,
		AccountID:    j.op.AccountID,
		AssetID:      assetID,
		Amount:       amount,
		Value:        value,
	}
	j.bal.Apply(e)
	j.entries = append(j.entries, e)
}

// cash posts a signed money movement. Spending beyond the Money balance
// is borrowed on Liabilities; incoming money repays Liabilities first.
func (j *journal) cash(amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	moneyKey := Key{Book: domain.BookMoney, AccountID: j.op.AccountID, AssetID: j.currency}
	debtKey := Key{Book: domain.BookLiabilities, AccountID: j.op.AccountID, AssetID: j.currency}

	if amount.IsNegative() {
		spend := amount.Neg()
		available := decimal.Max(j.bal.Get(moneyKey).Amount, decimal.Zero)
		fromMoney := decimal.Min(available, spend)
		j.post(domain.BookMoney, j.currency, fromMoney.Neg(), fromMoney.Neg())
		borrowed := j.dc.Sub(spend, fromMoney)
		j.post(domain.BookLiabilities, j.currency, borrowed.Neg(), borrowed.Neg())
		return
	}

	debt := decimal.Max(j.bal.Get(debtKey).Amount.Neg(), decimal.Zero)
	repay := decimal.Min(debt, amount)
	j.post(domain.BookLiabilities, j.currency, repay, repay)
	rest := j.dc.Sub(amount, repay)
	j.post(domain.BookMoney, j.currency, rest, rest)
}

// Post turns one processed operation into ledger entries. Every operation's
// entry values sum to zero.
func Post(dc domain.Context, bal *Balances, step *matcher.Step, currencyID int64) []*domain.LedgerEntry {
	op := step.Operation
	j := &journal{dc: dc, bal: bal, op: op, currency: currencyID}

	switch op.Kind {
	case domain.KindTrade:
		postTrade(j, step)
	case domain.KindCorporateAction:
		postAction(j, step)
	case domain.KindDividend:
		d := op.Dividend
		j.post(domain.BookIncomes, op.AssetID, d.Amount.Neg(), d.Amount.Neg())
		j.post(domain.BookCosts, op.AssetID, d.Tax, d.Tax)
		j.cash(dc.Sub(d.Amount, d.Tax))
	case domain.KindTransfer:
		t := op.Transfer
		j.post(domain.BookTransfers, currencyID, t.Amount.Neg(), t.Amount.Neg())
		j.post(domain.BookCosts, currencyID, t.Fee, t.Fee)
		j.cash(dc.Sub(t.Amount, t.Fee))
	}
	return j.entries
}

func postTrade(j *journal, step *matcher.Step) {
	op := step.Operation
	t := op.Trade
	if t.Quantity.IsZero() {
		return
	}
	dc := j.dc

	if leg := step.Closed; leg != nil {
		proceeds := dc.Mul(leg.Quantity, t.Price)
		if leg.Direction == domain.Long {
			j.post(domain.BookAssets, op.AssetID, leg.Quantity.Neg(), leg.Basis.Neg())
			j.post(domain.BookIncomes, op.AssetID, dc.Sub(leg.Basis, proceeds), dc.Sub(leg.Basis, proceeds))
		} else {
			j.post(domain.BookAssets, op.AssetID, leg.Quantity, leg.Basis)
			j.post(domain.BookIncomes, op.AssetID, dc.Sub(proceeds, leg.Basis), dc.Sub(proceeds, leg.Basis))
		}
	}
	for _, o := range step.Opened {
		qty := o.Lot.Remaining
		if o.Lot.Direction == domain.Short {
			qty = qty.Neg()
		}
		j.post(domain.BookAssets, op.AssetID, qty, o.Value)
	}
	j.post(domain.BookCosts, op.AssetID, t.Fee, t.Fee)
	j.cash(dc.Sub(dc.Mul(t.Quantity, t.Price).Neg(), t.Fee))
}

func postAction(j *journal, step *matcher.Step) {
	op := step.Operation
	if leg := step.Closed; leg != nil {
		j.post(domain.BookAssets, op.AssetID, leg.Quantity.Neg(), leg.Basis.Neg())
	}
	for _, c := range step.Covered {
		j.post(domain.BookAssets, c.AssetID, c.Quantity, c.Basis)
		j.post(domain.BookIncomes, c.AssetID, j.dc.Sub(c.Value, c.Basis), j.dc.Sub(c.Value, c.Basis))
	}
	for _, o := range step.Opened {
		j.post(domain.BookAssets, o.Lot.AssetID, o.Lot.Remaining, o.Value)
	}
	j.post(domain.BookCosts, op.AssetID, step.WrittenOff, step.WrittenOff)
}
