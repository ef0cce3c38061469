// Package matcher implements FIFO lot matching for one account.
//
// Operations are fed in stream order (timestamp, then sequence id). Trades open
// lots or close them oldest first; corporate actions close the held lots of the
// source asset and open lots of the delivered assets carrying the consumed cost.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// Leg summarizes what an operation removed from one asset queue.
type Leg struct {
	AssetID   int64
	Direction domain.Direction // Direction of the lots that were closed
	Quantity  decimal.Decimal  // Always positive
	Basis     decimal.Decimal  // Cost of the closed quantity, always positive
}

// Opening is a lot created by an operation together with its booked value.
type Opening struct {
	Lot   domain.Lot
	Value decimal.Decimal // Signed: negative for short lots
}

// Cover is a short position closed by shares a corporate action delivered.
type Cover struct {
	Leg
	Value decimal.Decimal // Delivered value spent on the covered quantity
}

// Step is the outcome of processing one operation.
type Step struct {
	Operation *domain.Operation
	Deals     []*domain.Deal
	Closed    *Leg
	Opened    []Opening
	Covered   []Cover
	// WrittenOff is cost basis consumed by a corporate action and not carried into any outcome.
	WrittenOff decimal.Decimal
	// Warnings are recoverable problems; the step still applies what it could.
	Warnings []error
}

// Config holds dependencies for the Matcher.
type Config struct {
	Context domain.Context
	Logger  ports.Logger
}

// Matcher keeps one FIFO queue of open lots per asset.
// It is not safe for concurrent use.
type Matcher struct {
	dc     domain.Context
	logger ports.Logger
	queues map[int64]*queue
}

// New creates an empty Matcher.
func New(cfg Config) (*Matcher, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Matcher")
	}
	if cfg.Context.Precision <= 0 {
		cfg.Context = domain.NewContext(domain.DefaultPrecision)
	}
	return &Matcher{dc: cfg.Context, logger: cfg.Logger, queues: make(map[int64]*queue)}, nil
}

// Match runs ops through a fresh matcher and returns the deals on assetID.
// ops must be in stream order. Corporate actions delivering assetID are included
// as long as their source asset lots are part of ops as well.
func Match(ctx context.Context, cfg Config, assetID int64, ops []*domain.Operation) ([]*domain.Deal, []error, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	var deals []*domain.Deal
	var warnings []error
	for _, op := range ops {
		step := m.Process(ctx, op)
		warnings = append(warnings, step.Warnings...)
		for _, d := range step.Deals {
			if d.AssetID == assetID {
				deals = append(deals, d)
			}
		}
	}
	return deals, warnings, nil
}

// Process applies one operation. Dividends and transfers do not touch lots.
func (m *Matcher) Process(ctx context.Context, op *domain.Operation) *Step {
	step := &Step{Operation: op, WrittenOff: decimal.Zero}
	switch op.Kind {
	case domain.KindTrade:
		m.processTrade(ctx, op, step)
	case domain.KindCorporateAction:
		m.processAction(ctx, op, step)
	case domain.KindDividend, domain.KindTransfer:
	default:
		step.Warnings = append(step.Warnings, ports.NewIntegrityError(ports.ErrDataIntegrity,
			fmt.Sprintf("unknown operation kind %q", op.Kind), op.SequenceID))
	}
	for _, w := range step.Warnings {
		m.logger.Warn(ctx, "Lot matching warning", map[string]interface{}{
			"sequenceID": op.SequenceID, "accountID": op.AccountID, "assetID": op.AssetID, "warning": w.Error()})
	}
	return step
}

func (m *Matcher) processTrade(ctx context.Context, op *domain.Operation, step *Step) {
	t := op.Trade
	if t.Quantity.IsZero() {
		return
	}
	dir := domain.Long
	if t.Quantity.IsNegative() {
		dir = domain.Short
	}
	total := t.Quantity.Abs()
	remaining := total
	q := m.queue(op.AssetID)

	if !q.empty() && q.direction() != dir {
		leg := &Leg{AssetID: op.AssetID, Direction: q.direction(), Quantity: decimal.Zero, Basis: decimal.Zero}
		for remaining.IsPositive() && !q.empty() {
			lot := q.front()
			matched := decimal.Min(lot.Remaining, remaining)
			step.Deals = append(step.Deals, m.tradeDeal(op, lot, matched, total))
			leg.Quantity = leg.Quantity.Add(matched)
			leg.Basis = m.dc.Add(leg.Basis, m.dc.Mul(matched, lot.UnitCost))
			lot.Remaining = lot.Remaining.Sub(matched)
			remaining = remaining.Sub(matched)
			if lot.Remaining.IsZero() {
				q.popFront()
			}
		}
		step.Closed = leg
	}

	if remaining.IsPositive() {
		// Opens a position, or the excess of an over-close flips the direction.
		lot := &domain.Lot{
			OriginSequenceID: op.SequenceID,
			OriginTimestamp:  op.Timestamp,
			OriginKind:       op.Kind,
			AssetID:          op.AssetID,
			Direction:        dir,
			OriginQuantity:   total,
			OriginFee:        t.Fee,
			Remaining:        remaining,
			UnitCost:         t.Price,
		}
		q.push(lot)
		value := m.dc.Mul(remaining, t.Price)
		if dir == domain.Short {
			value = value.Neg()
		}
		step.Opened = append(step.Opened, Opening{Lot: *lot, Value: value})
	}
}

// tradeDeal builds the deal for a trade closing matched units of lot.
func (m *Matcher) tradeDeal(op *domain.Operation, lot *domain.Lot, matched, closeTotal decimal.Decimal) *domain.Deal {
	t := op.Trade
	feeOpen := m.prorate(lot.OriginFee, matched, lot.OriginQuantity)
	feeClose := m.prorate(t.Fee, matched, closeTotal)
	signed := matched
	if lot.Direction == domain.Short {
		signed = matched.Neg()
	}
	gross := m.dc.Mul(signed, m.dc.Sub(t.Price, lot.UnitCost))
	return &domain.Deal{
		AccountID:       op.AccountID,
		AssetID:         op.AssetID,
		Direction:       lot.Direction,
		OpenSequenceID:  lot.OriginSequenceID,
		OpenKind:        lot.OriginKind,
		OpenTimestamp:   lot.OriginTimestamp,
		CloseSequenceID: op.SequenceID,
		CloseKind:       op.Kind,
		CloseTimestamp:  op.Timestamp,
		Quantity:        matched,
		OpenPrice:       lot.UnitCost,
		ClosePrice:      t.Price,
		FeeOpen:         feeOpen,
		FeeClose:        feeClose,
		PNL:             m.dc.Sub(m.dc.Sub(gross, feeOpen), feeClose),
	}
}

// prorate returns fee * (part / whole).
func (m *Matcher) prorate(fee, part, whole decimal.Decimal) decimal.Decimal {
	if fee.IsZero() || whole.IsZero() {
		return decimal.Zero
	}
	if part.Equal(whole) {
		return fee
	}
	return m.dc.Mul(fee, m.dc.Div(part, whole))
}

func (m *Matcher) processAction(ctx context.Context, op *domain.Operation, step *Step) {
	a := op.CorporateAction
	if a.Type.IsAdditive() {
		m.openOutcomes(op, decimal.Zero, decimal.Zero, step)
		return
	}
	if a.SourceQuantity.IsZero() {
		step.Warnings = append(step.Warnings, ports.NewIntegrityError(ports.ErrDataIntegrity,
			fmt.Sprintf("%s with zero source quantity", a.Type), op.SequenceID))
		return
	}

	q := m.queue(op.AssetID)
	if !q.empty() && q.direction() == domain.Short {
		step.Warnings = append(step.Warnings, ports.NewIntegrityError(ports.ErrDataIntegrity,
			fmt.Sprintf("%s applied to a short position", a.Type), op.SequenceID))
		return
	}

	need := a.SourceQuantity
	basis := decimal.Zero
	carriedFee := decimal.Zero
	leg := &Leg{AssetID: op.AssetID, Direction: domain.Long, Quantity: decimal.Zero, Basis: decimal.Zero}
	for need.IsPositive() && !q.empty() {
		lot := q.front()
		matched := decimal.Min(lot.Remaining, need)
		step.Deals = append(step.Deals, &domain.Deal{
			AccountID:       op.AccountID,
			AssetID:         op.AssetID,
			Direction:       domain.Long,
			OpenSequenceID:  lot.OriginSequenceID,
			OpenKind:        lot.OriginKind,
			OpenTimestamp:   lot.OriginTimestamp,
			CloseSequenceID: op.SequenceID,
			CloseKind:       op.Kind,
			CloseTimestamp:  op.Timestamp,
			Quantity:        matched,
			OpenPrice:       lot.UnitCost,
			ClosePrice:      lot.UnitCost,
			FeeOpen:         decimal.Zero,
			FeeClose:        decimal.Zero,
			PNL:             decimal.Zero,
		})
		basis = m.dc.Add(basis, m.dc.Mul(matched, lot.UnitCost))
		carriedFee = m.dc.Add(carriedFee, m.prorate(lot.OriginFee, matched, lot.OriginQuantity))
		lot.Remaining = lot.Remaining.Sub(matched)
		need = need.Sub(matched)
		leg.Quantity = leg.Quantity.Add(matched)
		if lot.Remaining.IsZero() {
			q.popFront()
		}
	}
	leg.Basis = basis
	if leg.Quantity.IsPositive() {
		step.Closed = leg
	}
	if need.IsPositive() {
		step.Warnings = append(step.Warnings, &ports.MatchingUnderflowError{
			AccountID: op.AccountID, AssetID: op.AssetID, SequenceID: op.SequenceID, Unmatched: need})
	}

	carried := m.openOutcomes(op, basis, carriedFee, step)
	step.WrittenOff = m.dc.Sub(basis, carried)
}

// openOutcomes delivers every outcome and returns the total value carried.
// Delivered shares first cover short lots of the outcome asset, oldest first;
// only the excess opens a long lot.
func (m *Matcher) openOutcomes(op *domain.Operation, basis, fee decimal.Decimal, step *Step) decimal.Decimal {
	a := op.CorporateAction
	carried := decimal.Zero
	for _, o := range a.Outcomes {
		if !o.Quantity.IsPositive() {
			step.Warnings = append(step.Warnings, ports.NewIntegrityError(ports.ErrDataIntegrity,
				fmt.Sprintf("%s delivers zero quantity of asset %d", a.Type, o.AssetID), op.SequenceID))
			continue
		}
		value := m.dc.Mul(basis, o.ValueShare)
		outcomeFee := m.dc.Mul(fee, o.ValueShare)
		unitCost := m.dc.Div(value, o.Quantity)

		q := m.queue(o.AssetID)
		remaining := o.Quantity
		open := value
		if !q.empty() && q.direction() == domain.Short {
			cover := m.coverShorts(op, q, o, unitCost, outcomeFee, step)
			remaining = remaining.Sub(cover.Quantity)
			if !remaining.IsPositive() {
				cover.Value = value
			}
			open = m.dc.Sub(open, cover.Value)
			step.Covered = append(step.Covered, cover)
		}
		carried = m.dc.Add(carried, value)
		if !remaining.IsPositive() {
			continue
		}

		lot := &domain.Lot{
			OriginSequenceID: op.SequenceID,
			OriginTimestamp:  op.Timestamp,
			OriginKind:       op.Kind,
			AssetID:          o.AssetID,
			Direction:        domain.Long,
			OriginQuantity:   o.Quantity,
			OriginFee:        outcomeFee,
			Remaining:        remaining,
			UnitCost:         unitCost,
		}
		q.push(lot)
		step.Opened = append(step.Opened, Opening{Lot: *lot, Value: open})
	}
	return carried
}

// coverShorts closes short lots of q with the delivered outcome at its unit cost.
func (m *Matcher) coverShorts(op *domain.Operation, q *queue, o domain.ActionOutcome, unitCost, fee decimal.Decimal, step *Step) Cover {
	cover := Cover{
		Leg:   Leg{AssetID: o.AssetID, Direction: domain.Short, Quantity: decimal.Zero, Basis: decimal.Zero},
		Value: decimal.Zero,
	}
	remaining := o.Quantity
	for remaining.IsPositive() && !q.empty() {
		lot := q.front()
		matched := decimal.Min(lot.Remaining, remaining)
		feeOpen := m.prorate(lot.OriginFee, matched, lot.OriginQuantity)
		feeClose := m.prorate(fee, matched, o.Quantity)
		gross := m.dc.Mul(matched.Neg(), m.dc.Sub(unitCost, lot.UnitCost))
		step.Deals = append(step.Deals, &domain.Deal{
			AccountID:       op.AccountID,
			AssetID:         o.AssetID,
			Direction:       domain.Short,
			OpenSequenceID:  lot.OriginSequenceID,
			OpenKind:        lot.OriginKind,
			OpenTimestamp:   lot.OriginTimestamp,
			CloseSequenceID: op.SequenceID,
			CloseKind:       op.Kind,
			CloseTimestamp:  op.Timestamp,
			Quantity:        matched,
			OpenPrice:       lot.UnitCost,
			ClosePrice:      unitCost,
			FeeOpen:         feeOpen,
			FeeClose:        feeClose,
			PNL:             m.dc.Sub(m.dc.Sub(gross, feeOpen), feeClose),
		})
		cover.Quantity = cover.Quantity.Add(matched)
		cover.Basis = m.dc.Add(cover.Basis, m.dc.Mul(matched, lot.UnitCost))
		cover.Value = m.dc.Add(cover.Value, m.dc.Mul(matched, unitCost))
		lot.Remaining = lot.Remaining.Sub(matched)
		remaining = remaining.Sub(matched)
		if lot.Remaining.IsZero() {
			q.popFront()
		}
	}
	return cover
}

func (m *Matcher) queue(assetID int64) *queue {
	q, ok := m.queues[assetID]
	if !ok {
		q = &queue{}
		m.queues[assetID] = q
	}
	return q
}

// OpenLots returns copies of the open lots of an asset, oldest first.
func (m *Matcher) OpenLots(assetID int64) []domain.Lot {
	q, ok := m.queues[assetID]
	if !ok {
		return nil
	}
	lots := make([]domain.Lot, len(q.lots))
	for i, l := range q.lots {
		lots[i] = *l
	}
	return lots
}

// Position returns the signed open quantity of an asset.
func (m *Matcher) Position(assetID int64) decimal.Decimal {
	q, ok := m.queues[assetID]
	if !ok {
		return decimal.Zero
	}
	return q.position()
}

// State is a detached copy of all queues.
type State struct {
	Queues map[int64][]domain.Lot
}

// Snapshot copies the current queues.
func (m *Matcher) Snapshot() State {
	s := State{Queues: make(map[int64][]domain.Lot, len(m.queues))}
	assets := make([]int64, 0, len(m.queues))
	for id := range m.queues {
		assets = append(assets, id)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	for _, id := range assets {
		if lots := m.OpenLots(id); len(lots) > 0 {
			s.Queues[id] = lots
		}
	}
	return s
}

// Restore replaces the queues with a copy of s.
func (m *Matcher) Restore(s State) {
	m.queues = make(map[int64]*queue, len(s.Queues))
	for id, lots := range s.Queues {
		q := &queue{lots: make([]*domain.Lot, len(lots))}
		for i := range lots {
			l := lots[i]
			q.lots[i] = &l
		}
		m.queues[id] = q
	}
}
