package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

type mockLogger struct {
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

const (
	assetA int64 = 1
	assetB int64 = 2
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

func action(seq, ts, asset int64, typ domain.ActionType, qty string, outcomes ...domain.ActionOutcome) *domain.Operation {
	return &domain.Operation{
		SequenceID: seq, Timestamp: ts, AccountID: 1, AssetID: asset, Kind: domain.KindCorporateAction,
		CorporateAction: &domain.CorporateAction{Type: typ, SourceQuantity: dec(qty), Outcomes: outcomes},
	}
}

func outcome(asset int64, qty, share string) domain.ActionOutcome {
	return domain.ActionOutcome{AssetID: asset, Quantity: dec(qty), ValueShare: dec(share)}
}

func newMatcher(t *testing.T) (*Matcher, *mockLogger) {
	t.Helper()
	log := &mockLogger{}
	m, err := New(Config{Context: domain.NewContext(domain.DefaultPrecision), Logger: log})
	require.NoError(t, err)
	return m, log
}

func run(t *testing.T, m *Matcher, ops ...*domain.Operation) ([]*domain.Deal, []error) {
	t.Helper()
	var deals []*domain.Deal
	var warnings []error
	for _, op := range ops {
		step := m.Process(context.Background(), op)
		deals = append(deals, step.Deals...)
		warnings = append(warnings, step.Warnings...)
	}
	return deals, warnings
}

func closedByTrades(deals []*domain.Deal) []*domain.Deal {
	var out []*domain.Deal
	for _, d := range deals {
		if d.CloseKind == domain.KindTrade {
			out = append(out, d)
		}
	}
	return out
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestMatcher_FIFOOrder(t *testing.T) {
	m, _ := newMatcher(t)
	deals, warnings := run(t, m,
		trade(1, 100, assetA, "10", "1", "0"),
		trade(2, 200, assetA, "10", "2", "0"),
		trade(3, 300, assetA, "10", "3", "0"),
		trade(4, 400, assetA, "-25", "5", "0"),
	)
	require.Empty(t, warnings)
	require.Len(t, deals, 3)

	assert.Equal(t, int64(1), deals[0].OpenSequenceID)
	assert.Equal(t, int64(2), deals[1].OpenSequenceID)
	assert.Equal(t, int64(3), deals[2].OpenSequenceID)
	assert.True(t, deals[0].Quantity.Equal(dec("10")))
	assert.True(t, deals[2].Quantity.Equal(dec("5")))
	assert.True(t, deals[0].PNL.Equal(dec("40")), "got %s", deals[0].PNL)
	assert.True(t, deals[2].PNL.Equal(dec("10")), "got %s", deals[2].PNL)

	lots := m.OpenLots(assetA)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(3), lots[0].OriginSequenceID)
	assert.True(t, lots[0].Remaining.Equal(dec("5")))
}

func TestMatcher_SameTimestampUsesStreamOrder(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "1", "10", "0"),
		trade(2, 100, assetA, "1", "20", "0"),
		trade(3, 100, assetA, "-1", "30", "0"),
	)
	require.Len(t, deals, 1)
	assert.Equal(t, int64(1), deals[0].OpenSequenceID)
}

func TestMatcher_ProratesFees(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "4", "10", "2"),
		trade(2, 200, assetA, "-1", "12", "1"),
		trade(3, 300, assetA, "-3", "12", "3"),
	)
	require.Len(t, deals, 2)

	assert.True(t, deals[0].FeeOpen.Equal(dec("0.5")), "got %s", deals[0].FeeOpen)
	assert.True(t, deals[0].FeeClose.Equal(dec("1")))
	// 1 * (12 - 10) - 0.5 - 1
	assert.True(t, deals[0].PNL.Equal(dec("0.5")), "got %s", deals[0].PNL)

	assert.True(t, deals[1].FeeOpen.Equal(dec("1.5")), "got %s", deals[1].FeeOpen)
	assert.True(t, deals[1].FeeClose.Equal(dec("3")))
	assert.True(t, deals[1].PNL.Equal(dec("1.5")), "got %s", deals[1].PNL)
}

func TestMatcher_PartialCloseAcrossLots(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "3", "10", "0"),
		trade(2, 200, assetA, "3", "11", "0"),
		trade(3, 300, assetA, "-4", "12", "2"),
	)
	require.Len(t, deals, 2)
	assert.True(t, deals[0].Quantity.Equal(dec("3")))
	assert.True(t, deals[1].Quantity.Equal(dec("1")))
	assert.True(t, deals[0].FeeClose.Equal(dec("1.5")), "got %s", deals[0].FeeClose)
	assert.True(t, deals[1].FeeClose.Equal(dec("0.5")), "got %s", deals[1].FeeClose)

	total := decimal.Zero
	for _, d := range deals {
		total = total.Add(d.Quantity)
	}
	assert.True(t, total.Equal(dec("4")))
}

func TestMatcher_ShortPosition(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "-10", "50", "0"),
		trade(2, 200, assetA, "10", "40", "0"),
	)
	require.Len(t, deals, 1)
	assert.Equal(t, domain.Short, deals[0].Direction)
	assert.True(t, deals[0].PNL.Equal(dec("100")), "got %s", deals[0].PNL)
	assert.True(t, m.Position(assetA).IsZero())
}

func TestMatcher_DirectionFlip(t *testing.T) {
	m, _ := newMatcher(t)
	deals, warnings := run(t, m,
		trade(1, 100, assetA, "5", "10", "0"),
		trade(2, 200, assetA, "-8", "12", "0"),
	)
	require.Empty(t, warnings)
	require.Len(t, deals, 1)
	assert.True(t, deals[0].Quantity.Equal(dec("5")))

	lots := m.OpenLots(assetA)
	require.Len(t, lots, 1)
	assert.Equal(t, domain.Short, lots[0].Direction)
	assert.True(t, lots[0].Remaining.Equal(dec("3")))
	assert.True(t, lots[0].OriginQuantity.Equal(dec("8")))
	assert.True(t, m.Position(assetA).Equal(dec("-3")))
}

func TestMatcher_ZeroQuantityIgnored(t *testing.T) {
	m, _ := newMatcher(t)
	step := m.Process(context.Background(), trade(1, 100, assetA, "0", "10", "1"))
	assert.Empty(t, step.Deals)
	assert.Empty(t, step.Opened)
	assert.Nil(t, step.Closed)
	assert.Empty(t, m.OpenLots(assetA))
}

func TestMatcher_ZeroProfitRoundTripRecorded(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "1", "10", "0"),
		trade(2, 101, assetA, "-1", "10", "0"),
	)
	require.Len(t, deals, 1)
	assert.True(t, deals[0].PNL.IsZero())
}

func TestMatcher_CorporateActionPropagation(t *testing.T) {
	m, _ := newMatcher(t)
	deals, warnings := run(t, m,
		trade(1, 1619870400, assetA, "100", "14", "0"),
		action(2, 1622548800, assetA, domain.ActionSpinOff, "100", outcome(assetA, "100", "1.0"), outcome(assetB, "5", "0.0")),
		trade(3, 1625140800, assetA, "4", "13", "0"),
		action(4, 1627819200, assetA, domain.ActionSplit, "104", outcome(assetA, "13", "1.0")),
		trade(5, 1629047520, assetA, "-13", "150", "0"),
	)
	require.Empty(t, warnings)

	closed := closedByTrades(deals)
	require.Len(t, closed, 1)
	assert.Equal(t, "497.9999999999999999999999999", closed[0].PNL.String())
	assert.Equal(t, int64(4), closed[0].OpenSequenceID)
	assert.Equal(t, domain.KindCorporateAction, closed[0].OpenKind)

	lots := m.OpenLots(assetB)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].UnitCost.IsZero())
	assert.True(t, lots[0].Remaining.Equal(dec("5")))
}

func TestMatcher_SymbolChangePassthrough(t *testing.T) {
	m, _ := newMatcher(t)
	deals, warnings := run(t, m,
		trade(1, 1619870400, assetA, "100", "10", "0"),
		action(2, 1622548800, assetA, domain.ActionSymbolChange, "100", outcome(assetB, "100", "1")),
		trade(3, 1625140800, assetB, "-100", "20", "0"),
	)
	require.Empty(t, warnings)
	require.Len(t, deals, 2)

	first, second := deals[0], deals[1]
	assert.Equal(t, assetA, first.AssetID)
	assert.Equal(t, int64(1619870400), first.OpenTimestamp)
	assert.Equal(t, int64(1622548800), first.CloseTimestamp)
	assert.True(t, first.OpenPrice.Equal(dec("10")))
	assert.True(t, first.ClosePrice.Equal(dec("10")))
	assert.True(t, first.PNL.IsZero())

	assert.Equal(t, assetB, second.AssetID)
	assert.Equal(t, int64(1622548800), second.OpenTimestamp)
	assert.Equal(t, int64(1625140800), second.CloseTimestamp)
	assert.True(t, second.OpenPrice.Equal(dec("10")))
	assert.True(t, second.ClosePrice.Equal(dec("20")))
	assert.True(t, second.PNL.Equal(dec("1000")), "got %s", second.PNL)
}

func TestMatcher_CarriesOpenFeeThroughAction(t *testing.T) {
	m, _ := newMatcher(t)
	deals, _ := run(t, m,
		trade(1, 100, assetA, "10", "10", "4"),
		action(2, 200, assetA, domain.ActionSymbolChange, "10", outcome(assetB, "10", "1")),
		trade(3, 300, assetB, "-5", "12", "0"),
	)
	closed := closedByTrades(deals)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].FeeOpen.Equal(dec("2")), "got %s", closed[0].FeeOpen)
	assert.True(t, closed[0].PNL.Equal(dec("8")), "got %s", closed[0].PNL)
}

func TestMatcher_DelistingWritesOff(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m, trade(1, 100, assetA, "100", "10", "0"))
	step := m.Process(context.Background(), action(2, 200, assetA, domain.ActionDelisting, "100"))

	require.Len(t, step.Deals, 1)
	assert.True(t, step.Deals[0].PNL.IsZero())
	assert.Empty(t, step.Opened)
	require.NotNil(t, step.Closed)
	assert.True(t, step.Closed.Basis.Equal(dec("1000")))
	assert.True(t, step.WrittenOff.Equal(dec("1000")))
	assert.True(t, m.Position(assetA).IsZero())
}

func TestMatcher_StockDividendOpensFreeLot(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m, trade(1, 100, assetA, "10", "10", "0"))
	step := m.Process(context.Background(), action(2, 200, assetA, domain.ActionStockDividend, "0", outcome(assetA, "1", "1")))

	assert.Empty(t, step.Deals)
	require.Len(t, step.Opened, 1)
	assert.True(t, step.Opened[0].Value.IsZero())
	assert.True(t, m.Position(assetA).Equal(dec("11")))
}

func TestMatcher_ActionUnderflow(t *testing.T) {
	m, log := newMatcher(t)
	run(t, m, trade(1, 100, assetA, "5", "10", "0"))
	step := m.Process(context.Background(), action(2, 200, assetA, domain.ActionSymbolChange, "8", outcome(assetB, "8", "1")))

	require.Len(t, step.Warnings, 1)
	assert.True(t, errors.Is(step.Warnings[0], ports.ErrMatchingUnderflow))
	var underflow *ports.MatchingUnderflowError
	require.ErrorAs(t, step.Warnings[0], &underflow)
	assert.True(t, underflow.Unmatched.Equal(dec("3")))
	assert.NotEmpty(t, log.warnMsgs)

	require.Len(t, step.Deals, 1)
	assert.True(t, step.Deals[0].Quantity.Equal(dec("5")))
}

func TestMatcher_ZeroOutcomeQuantity(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m, trade(1, 100, assetA, "5", "10", "0"))
	step := m.Process(context.Background(), action(2, 200, assetA, domain.ActionSymbolChange, "5", outcome(assetB, "0", "1")))

	require.Len(t, step.Warnings, 1)
	assert.True(t, errors.Is(step.Warnings[0], ports.ErrDataIntegrity))
	assert.Empty(t, step.Opened)
	assert.True(t, step.WrittenOff.Equal(dec("50")))
}

func TestMatcher_SnapshotRestore(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m,
		trade(1, 100, assetA, "5", "10", "0"),
		trade(2, 200, assetB, "-2", "7", "0"),
	)
	snap := m.Snapshot()

	run(t, m, trade(3, 300, assetA, "-5", "11", "0"))
	assert.True(t, m.Position(assetA).IsZero())

	m.Restore(snap)
	assert.True(t, m.Position(assetA).Equal(dec("5")))
	assert.True(t, m.Position(assetB).Equal(dec("-2")))

	// Restored state is detached from the snapshot.
	run(t, m, trade(4, 400, assetA, "-1", "11", "0"))
	assert.True(t, snap.Queues[assetA][0].Remaining.Equal(dec("5")))
}

func TestMatch_FiltersByAsset(t *testing.T) {
	ops := []*domain.Operation{
		trade(1, 100, assetA, "10", "10", "0"),
		action(2, 200, assetA, domain.ActionSymbolChange, "10", outcome(assetB, "10", "1")),
		trade(3, 300, assetB, "-10", "20", "0"),
	}
	deals, warnings, err := Match(context.Background(), Config{Logger: &mockLogger{}}, assetB, ops)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, deals, 1)
	assert.Equal(t, assetB, deals[0].AssetID)
}

func TestMatcher_StockDividendCoversShort(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m, trade(1, 100, assetB, "-10", "50", "0"))

	step := m.Process(context.Background(), action(2, 200, assetB, domain.ActionStockDividend, "0", outcome(assetB, "5", "1")))
	require.Empty(t, step.Warnings)
	assert.Empty(t, step.Opened)
	require.Len(t, step.Covered, 1)
	assert.True(t, step.Covered[0].Quantity.Equal(dec("5")))
	assert.True(t, step.Covered[0].Basis.Equal(dec("250")))
	require.Len(t, step.Deals, 1)
	cover := step.Deals[0]
	assert.Equal(t, domain.Short, cover.Direction)
	assert.Equal(t, int64(1), cover.OpenSequenceID)
	assert.Equal(t, int64(2), cover.CloseSequenceID)
	assert.True(t, cover.ClosePrice.IsZero())
	assert.True(t, cover.PNL.Equal(dec("250")), "got %s", cover.PNL)
	assert.True(t, m.Position(assetB).Equal(dec("-5")))

	deals, warnings := run(t, m, trade(3, 300, assetB, "15", "40", "0"))
	require.Empty(t, warnings)
	require.Len(t, deals, 1)
	assert.Equal(t, domain.Short, deals[0].Direction)
	assert.True(t, deals[0].Quantity.Equal(dec("5")))
	assert.True(t, deals[0].PNL.Equal(dec("50")), "got %s", deals[0].PNL)
	assert.True(t, m.Position(assetB).Equal(dec("10")))

	lots := m.OpenLots(assetB)
	require.Len(t, lots, 1)
	assert.Equal(t, domain.Long, lots[0].Direction)
	assert.Equal(t, int64(3), lots[0].OriginSequenceID)
}

func TestMatcher_SpinOffPartlyCoversShort(t *testing.T) {
	m, _ := newMatcher(t)
	run(t, m,
		trade(1, 100, assetA, "10", "10", "0"),
		trade(2, 200, assetB, "-2", "7", "0"),
	)
	step := m.Process(context.Background(), action(3, 300, assetA, domain.ActionSpinOff, "10",
		outcome(assetA, "10", "0.8"), outcome(assetB, "5", "0.2")))
	require.Empty(t, step.Warnings)
	require.Len(t, step.Deals, 2)

	cover := step.Deals[1]
	assert.Equal(t, assetB, cover.AssetID)
	assert.Equal(t, domain.Short, cover.Direction)
	assert.True(t, cover.ClosePrice.Equal(dec("4")))
	assert.True(t, cover.PNL.Equal(dec("6")), "got %s", cover.PNL)

	require.Len(t, step.Covered, 1)
	assert.True(t, step.Covered[0].Value.Equal(dec("8")))
	require.Len(t, step.Opened, 2)
	excess := step.Opened[1]
	assert.Equal(t, assetB, excess.Lot.AssetID)
	assert.True(t, excess.Lot.Remaining.Equal(dec("3")))
	assert.True(t, excess.Value.Equal(dec("12")))
	assert.True(t, step.WrittenOff.IsZero())

	assert.True(t, m.Position(assetB).Equal(dec("3")))
	for _, l := range m.OpenLots(assetB) {
		assert.Equal(t, domain.Long, l.Direction)
	}
}

func TestMatcher_MergerCarriesBasis(t *testing.T) {
	m, _ := newMatcher(t)
	deals, warnings := run(t, m,
		trade(1, 100, assetA, "10", "10", "0"),
		trade(2, 200, assetB, "4", "30", "0"),
		action(3, 300, assetA, domain.ActionMerger, "10", outcome(assetB, "5", "1")),
		trade(4, 400, assetB, "-9", "40", "0"),
	)
	require.Empty(t, warnings)
	require.Len(t, deals, 3)

	merged := deals[0]
	assert.Equal(t, assetA, merged.AssetID)
	assert.True(t, merged.PNL.IsZero())
	assert.True(t, m.Position(assetA).IsZero())

	first, second := deals[1], deals[2]
	assert.Equal(t, int64(2), first.OpenSequenceID)
	assert.True(t, first.PNL.Equal(dec("40")), "got %s", first.PNL)
	assert.Equal(t, int64(3), second.OpenSequenceID)
	assert.Equal(t, domain.KindCorporateAction, second.OpenKind)
	assert.True(t, second.OpenPrice.Equal(dec("20")))
	assert.True(t, second.PNL.Equal(dec("100")), "got %s", second.PNL)
	assert.True(t, m.Position(assetB).IsZero())
}

type openKey struct {
	seq   int64
	asset int64
}

// randomOperation returns a trade, or a corporate action on A when A is held long.
func randomOperation(rng *rand.Rand, m *Matcher, seq int64) *domain.Operation {
	ts := seq * 100
	pos := m.Position(assetA)
	if choice := rng.Intn(10); choice >= 6 && pos.IsPositive() {
		src := pos.String()
		switch choice {
		case 6:
			return action(seq, ts, assetA, domain.ActionSplit, src, outcome(assetA, pos.Mul(dec("2")).String(), "1"))
		case 7:
			return action(seq, ts, assetA, domain.ActionSpinOff, src,
				outcome(assetA, src, "0.7"), outcome(assetB, fmt.Sprint(1+rng.Intn(5)), "0.3"))
		case 8:
			return action(seq, ts, assetA, domain.ActionMerger, src, outcome(assetB, fmt.Sprint(1+rng.Intn(10)), "1"))
		default:
			return action(seq, ts, assetA, domain.ActionStockDividend, "0", outcome(assetB, fmt.Sprint(1+rng.Intn(3)), "1"))
		}
	}
	asset := assetA
	if rng.Intn(2) == 1 {
		asset = assetB
	}
	qty := rng.Intn(21) - 10
	if qty == 0 {
		qty = 1
	}
	return trade(seq, ts, asset, fmt.Sprint(qty), fmt.Sprint(1+rng.Intn(100)), fmt.Sprint(rng.Intn(3)))
}

func TestMatcher_ConservesQuantity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		m, _ := newMatcher(t)
		opened := map[openKey]decimal.Decimal{}
		var deals []*domain.Deal
		seq := int64(0)

		apply := func(op *domain.Operation) {
			step := m.Process(context.Background(), op)
			require.Empty(t, step.Warnings, "round %d op %s", round, op)
			deals = append(deals, step.Deals...)

			openedBy := map[int64]decimal.Decimal{}
			for _, o := range step.Opened {
				if op.Kind == domain.KindCorporateAction {
					assert.Equal(t, domain.Long, o.Lot.Direction)
				}
				k := openKey{seq: op.SequenceID, asset: o.Lot.AssetID}
				opened[k] = opened[k].Add(o.Lot.Remaining)
				openedBy[o.Lot.AssetID] = openedBy[o.Lot.AssetID].Add(o.Lot.Remaining)
			}

			switch op.Kind {
			case domain.KindTrade:
				closed := decimal.Zero
				for _, d := range step.Deals {
					closed = closed.Add(d.Quantity)
				}
				assert.True(t, closed.Add(openedBy[op.AssetID]).Equal(op.Trade.Quantity.Abs()),
					"round %d: trade %d closed %s opened %s", round, op.SequenceID, closed, openedBy[op.AssetID])
			case domain.KindCorporateAction:
				a := op.CorporateAction
				for _, o := range a.Outcomes {
					delivered := openedBy[o.AssetID]
					for _, c := range step.Covered {
						if c.AssetID == o.AssetID {
							delivered = delivered.Add(c.Quantity)
						}
					}
					assert.True(t, delivered.Equal(o.Quantity), "round %d: action %d delivered %s of %s",
						round, op.SequenceID, delivered, o.Quantity)
				}
				if !a.Type.IsAdditive() {
					consumed := decimal.Zero
					for _, d := range step.Deals {
						if d.AssetID == op.AssetID {
							consumed = consumed.Add(d.Quantity)
						}
					}
					assert.True(t, consumed.Equal(a.SourceQuantity))
				}
			}

			for _, asset := range []int64{assetA, assetB} {
				lots := m.OpenLots(asset)
				for _, l := range lots {
					assert.Equal(t, lots[0].Direction, l.Direction, "round %d: mixed directions in queue %d", round, asset)
				}
			}
		}

		for i := 0; i < 40; i++ {
			seq++
			apply(randomOperation(rng, m, seq))
		}
		for _, asset := range []int64{assetA, assetB} {
			if pos := m.Position(asset); !pos.IsZero() {
				seq++
				apply(trade(seq, seq*100, asset, pos.Neg().String(), "50", "0"))
			}
			require.Empty(t, m.OpenLots(asset))
		}

		consumed := map[openKey]decimal.Decimal{}
		for _, d := range deals {
			k := openKey{seq: d.OpenSequenceID, asset: d.AssetID}
			consumed[k] = consumed[k].Add(d.Quantity)
		}
		assert.Len(t, consumed, len(opened))
		for k, qty := range opened {
			assert.True(t, consumed[k].Equal(qty), "round %d: lot %v opened %s closed %s", round, k, qty, consumed[k])
		}
	}
}
