package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investLedger/internal/domain"
	"investLedger/internal/matcher"
)

type mockLogger struct {
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

const (
	usd    int64 = 1
	assetA int64 = 2
	assetB int64 = 3
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(seq, ts, asset int64, qty, price, fee string) *domain.Operation {
	return &domain.Operation{
		SequenceID: seq, Timestamp: ts, AccountID: 1, AssetID: asset, Kind: domain.KindTrade,
		Trade: &domain.Trade{Quantity: dec(qty), Price: dec(price), Fee: dec(fee), SettlementTimestamp: ts},
	}
}

func transfer(seq, ts int64, amount, fee string) *domain.Operation {
	return &domain.Operation{
		SequenceID: seq, Timestamp: ts, AccountID: 1, AssetID: usd, Kind: domain.KindTransfer,
		Transfer: &domain.Transfer{Amount: dec(amount), Fee: dec(fee)},
	}
}

func dividend(seq, ts, asset int64, amount, tax string) *domain.Operation {
	return &domain.Operation{
		SequenceID: seq, Timestamp: ts, AccountID: 1, AssetID: asset, Kind: domain.KindDividend,
		Dividend: &domain.Dividend{Amount: dec(amount), Tax: dec(tax)},
	}
}

func action(seq, ts, asset int64, typ domain.ActionType, qty string, outcomes ...domain.ActionOutcome) *domain.Operation {
	return &domain.Operation{
		SequenceID: seq, Timestamp: ts, AccountID: 1, AssetID: asset, Kind: domain.KindCorporateAction,
		CorporateAction: &domain.CorporateAction{Type: typ, SourceQuantity: dec(qty), Outcomes: outcomes},
	}
}

func outcome(asset int64, qty, share string) domain.ActionOutcome {
	return domain.ActionOutcome{AssetID: asset, Quantity: dec(qty), ValueShare: dec(share)}
}

// poster feeds operations through a matcher and posts them.
type poster struct {
	t   *testing.T
	dc  domain.Context
	m   *matcher.Matcher
	bal *Balances
}

func newPoster(t *testing.T) *poster {
	t.Helper()
	dc := domain.NewContext(domain.DefaultPrecision)
	m, err := matcher.New(matcher.Config{Context: dc, Logger: &mockLogger{}})
	require.NoError(t, err)
	return &poster{t: t, dc: dc, m: m, bal: NewBalances(dc)}
}

func (p *poster) post(op *domain.Operation) []*domain.LedgerEntry {
	p.t.Helper()
	step := p.m.Process(context.Background(), op)
	entries := Post(p.dc, p.bal, step, usd)
	sum := decimal.Zero
	for i, e := range entries {
		assert.Equal(p.t, i+1, e.Line, "lines are numbered from one")
		assert.Equal(p.t, op.SequenceID, e.OperationSeq)
		sum = sum.Add(e.Value)
	}
	assert.True(p.t, sum.IsZero(), "entries of %s do not balance: %s", op, sum)
	return entries
}

func (p *poster) amount(book domain.BookAccount, asset int64) string {
	return p.bal.Get(Key{Book: book, AccountID: 1, AssetID: asset}).Amount.String()
}

type posting struct {
	book   domain.BookAccount
	asset  int64
	amount string
	value  string
}

func postings(entries []*domain.LedgerEntry) []posting {
	out := make([]posting, len(entries))
	for i, e := range entries {
		out[i] = posting{e.Book, e.AssetID, e.Amount.String(), e.Value.String()}
	}
	return out
}

func TestPost_TradeRoundTrip(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "1000", "0"))

	buy := p.post(trade(2, 200, assetA, "10", "10", "1"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "10", "100"},
		{domain.BookCosts, assetA, "1", "1"},
		{domain.BookMoney, usd, "-101", "-101"},
	}, postings(buy))

	sell := p.post(trade(3, 300, assetA, "-10", "12", "1"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "-10", "-100"},
		{domain.BookIncomes, assetA, "-20", "-20"},
		{domain.BookCosts, assetA, "1", "1"},
		{domain.BookMoney, usd, "119", "119"},
	}, postings(sell))

	assert.Equal(t, "0", p.amount(domain.BookAssets, assetA))
	assert.Equal(t, "1018", p.amount(domain.BookMoney, usd))
	assert.Equal(t, "1018", p.bal.Holding(1, usd, usd).String())
}

func TestPost_ShortClose(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "1000", "0"))
	open := p.post(trade(2, 200, assetA, "-5", "20", "0"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "-5", "-100"},
		{domain.BookMoney, usd, "100", "100"},
	}, postings(open))

	cover := p.post(trade(3, 300, assetA, "5", "18", "0"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "5", "100"},
		{domain.BookIncomes, assetA, "-10", "-10"},
		{domain.BookMoney, usd, "-90", "-90"},
	}, postings(cover))
	assert.Equal(t, "1010", p.amount(domain.BookMoney, usd))
}

func TestPost_SpendingOverflowsIntoLiabilities(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "50", "0"))

	buy := p.post(trade(2, 200, assetA, "10", "10", "1"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "10", "100"},
		{domain.BookCosts, assetA, "1", "1"},
		{domain.BookMoney, usd, "-50", "-50"},
		{domain.BookLiabilities, usd, "-51", "-51"},
	}, postings(buy))
	assert.Equal(t, "-51", p.bal.Holding(1, usd, usd).String())

	deposit := p.post(transfer(3, 300, "100", "0"))
	assert.Equal(t, []posting{
		{domain.BookTransfers, usd, "-100", "-100"},
		{domain.BookLiabilities, usd, "51", "51"},
		{domain.BookMoney, usd, "49", "49"},
	}, postings(deposit))
	assert.Equal(t, "0", p.amount(domain.BookLiabilities, usd))
	assert.Equal(t, "49", p.amount(domain.BookMoney, usd))
}

func TestPost_DividendWithTax(t *testing.T) {
	p := newPoster(t)
	entries := p.post(dividend(1, 100, assetA, "3.2", "0.48"))
	assert.Equal(t, []posting{
		{domain.BookIncomes, assetA, "-3.2", "-3.2"},
		{domain.BookCosts, assetA, "0.48", "0.48"},
		{domain.BookMoney, usd, "2.72", "2.72"},
	}, postings(entries))
}

func TestPost_TransferFee(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "500", "0"))
	entries := p.post(transfer(2, 200, "-100", "2"))
	assert.Equal(t, []posting{
		{domain.BookTransfers, usd, "100", "100"},
		{domain.BookCosts, usd, "2", "2"},
		{domain.BookMoney, usd, "-102", "-102"},
	}, postings(entries))
}

func TestPost_DelistingWritesOffAssets(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "1000", "0"))
	p.post(trade(2, 200, assetA, "100", "10", "0"))

	entries := p.post(action(3, 300, assetA, domain.ActionDelisting, "100"))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "-100", "-1000"},
		{domain.BookCosts, assetA, "1000", "1000"},
	}, postings(entries))
	assert.Equal(t, "0", entries[0].RunningAmount.String())
	assert.Equal(t, "0", entries[0].RunningValue.String())
}

func TestPost_SpinOffMovesBasis(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "1000", "0"))
	p.post(trade(2, 200, assetA, "100", "10", "0"))

	entries := p.post(action(3, 300, assetA, domain.ActionSpinOff, "100",
		outcome(assetA, "100", "0.9"), outcome(assetB, "20", "0.1")))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "-100", "-1000"},
		{domain.BookAssets, assetA, "100", "900"},
		{domain.BookAssets, assetB, "20", "100"},
	}, postings(entries))
	assert.Equal(t, "100", p.amount(domain.BookAssets, assetA))
	assert.Equal(t, "20", p.amount(domain.BookAssets, assetB))
}

func TestPost_SpinOffCoversShort(t *testing.T) {
	p := newPoster(t)
	p.post(transfer(1, 100, "1000", "0"))
	p.post(trade(2, 200, assetA, "10", "10", "0"))
	p.post(trade(3, 300, assetB, "-2", "7", "0"))

	entries := p.post(action(4, 400, assetA, domain.ActionSpinOff, "10",
		outcome(assetA, "10", "0.8"), outcome(assetB, "5", "0.2")))
	assert.Equal(t, []posting{
		{domain.BookAssets, assetA, "-10", "-100"},
		{domain.BookAssets, assetB, "2", "14"},
		{domain.BookIncomes, assetB, "-6", "-6"},
		{domain.BookAssets, assetA, "10", "80"},
		{domain.BookAssets, assetB, "3", "12"},
	}, postings(entries))
	assert.Equal(t, "3", p.amount(domain.BookAssets, assetB))
}

func TestBalances_LoadAndClone(t *testing.T) {
	dc := domain.NewContext(domain.DefaultPrecision)
	b := NewBalances(dc)
	b.Load([]*domain.LedgerEntry{
		{Book: domain.BookMoney, AccountID: 1, AssetID: usd, RunningAmount: dec("10"), RunningValue: dec("10")},
		{Book: domain.BookAssets, AccountID: 1, AssetID: assetA, RunningAmount: dec("3"), RunningValue: dec("30")},
	})
	c := b.Clone()
	c.Apply(&domain.LedgerEntry{Book: domain.BookMoney, AccountID: 1, AssetID: usd, Amount: dec("5"), Value: dec("5")})

	assert.Equal(t, "10", b.Holding(1, usd, usd).String())
	assert.Equal(t, "15", c.Holding(1, usd, usd).String())
	assert.Equal(t, "3", b.Holding(1, assetA, usd).String())
	assert.Equal(t, []Key{
		{Book: domain.BookMoney, AccountID: 1, AssetID: usd},
		{Book: domain.BookAssets, AccountID: 1, AssetID: assetA},
	}, b.Keys())
}
