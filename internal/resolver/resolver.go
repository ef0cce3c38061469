// Package resolver traces shares delivered by corporate actions back to the
// trades that paid for them.
//
// Every lot opened by an action is consumed by its deals in stream order, so each
// deal covers a fixed range of the lot. A range of an outcome lot maps
// proportionally onto a range of the action's source quantity, which in turn is
// covered by the deals the action closed. Walking these ranges upwards ends at
// trades (leaves) or at actions that delivered shares for free.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// DefaultMaxDepth bounds the length of a corporate action chain.
const DefaultMaxDepth = 64

// Index gives the resolver read access to already matched history.
type Index interface {
	Operation(seq int64) (*domain.Operation, bool)
	// DealsClosedBy returns the deals closed by operation seq.
	DealsClosedBy(seq int64) []*domain.Deal
	// DealsOpenedBy returns the deals that consumed lots opened by operation seq.
	DealsOpenedBy(seq int64) []*domain.Deal
	Symbol(assetID int64) string
}

// Origin is one ancestor lot attributed to a resolved quantity.
type Origin struct {
	Operation   *domain.Operation // A trade, or the action where the chain ends
	Quantity    decimal.Decimal   // Quantity of the ancestor asset
	UnitCost    decimal.Decimal   // Trade price, zero for a terminal action
	Fee         decimal.Decimal   // Trade fee pro-rated to Quantity and weighted
	Weight      decimal.Decimal   // Product of value shares along the chain
	Cost        decimal.Decimal   // Quantity * UnitCost * Weight
	Description string            // Chain of actions, newest first
}

// Resolution is the result of resolving a quantity delivered by an action.
type Resolution struct {
	ActionSeq  int64
	AssetID    int64
	Quantity   decimal.Decimal
	Origins    []Origin
	Cost       decimal.Decimal
	Fee        decimal.Decimal
	Unresolved decimal.Decimal // Source quantity that no deal accounts for
}

// UnitCost returns the weighted cost of one resolved unit.
func (r *Resolution) UnitCost(dc domain.Context) decimal.Decimal {
	if r.Quantity.IsZero() {
		return decimal.Zero
	}
	return dc.Div(r.Cost, r.Quantity)
}

// Config holds dependencies for the Resolver.
type Config struct {
	Context  domain.Context
	MaxDepth int
	Logger   ports.Logger
}

// Resolver walks corporate action chains iteratively with a depth bound and a
// per-path visited check, so malformed cyclic data ends in ErrCyclicReference.
type Resolver struct {
	index    Index
	dc       domain.Context
	maxDepth int
	logger   ports.Logger
	// cursors remember how much of an outcome lot ResolveOrigin already attributed.
	cursors map[lotKey]decimal.Decimal
}

type lotKey struct {
	seq     int64
	assetID int64
}

// span is a range [start, start+qty) of an action's outcome lot still to be traced.
type span struct {
	seq     int64
	assetID int64
	start   decimal.Decimal
	qty     decimal.Decimal
	weight  decimal.Decimal
	chain   []int64
	texts   []string
}

// New creates a Resolver over index.
func New(index Index, cfg Config) (*Resolver, error) {
	if index == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Resolver")
	}
	if cfg.Context.Precision <= 0 {
		cfg.Context = domain.NewContext(domain.DefaultPrecision)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Resolver{
		index:    index,
		dc:       cfg.Context,
		maxDepth: cfg.MaxDepth,
		logger:   cfg.Logger,
		cursors:  make(map[lotKey]decimal.Decimal),
	}, nil
}

// Reset forgets what earlier ResolveOrigin calls attributed.
func (r *Resolver) Reset() {
	r.cursors = make(map[lotKey]decimal.Decimal)
}

// ResolveOrigin attributes the next qty units of the assetID lot opened by action
// actionSeq. Successive calls on the same lot continue where the previous one
// stopped, so sibling closes of one lot are attributed to distinct ancestors.
func (r *Resolver) ResolveOrigin(ctx context.Context, actionSeq, assetID int64, qty decimal.Decimal) (*Resolution, error) {
	key := lotKey{seq: actionSeq, assetID: assetID}
	start := r.cursors[key]
	res, err := r.resolve(ctx, actionSeq, assetID, start, qty)
	if err != nil {
		return nil, err
	}
	r.cursors[key] = start.Add(qty)
	return res, nil
}

// ResolveDeal resolves the quantity of a deal whose opening leg is a corporate action.
// The range is located from the deal's position among the deals closing the same lot.
func (r *Resolver) ResolveDeal(ctx context.Context, d *domain.Deal) (*Resolution, error) {
	if d.OpenKind != domain.KindCorporateAction {
		return nil, fmt.Errorf("%w: deal %d/%d is not opened by a corporate action",
			ports.ErrInvalidRequest, d.OpenSequenceID, d.CloseSequenceID)
	}
	return r.resolve(ctx, d.OpenSequenceID, d.AssetID, r.offsetOf(d), d.Quantity)
}

func (r *Resolver) resolve(ctx context.Context, actionSeq, assetID int64, start, qty decimal.Decimal) (*Resolution, error) {
	res := &Resolution{ActionSeq: actionSeq, AssetID: assetID, Quantity: qty,
		Cost: decimal.Zero, Fee: decimal.Zero, Unresolved: decimal.Zero}
	stack := []span{{seq: actionSeq, assetID: assetID, start: start, qty: qty, weight: decimal.NewFromInt(1)}}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ids := append(append([]int64(nil), n.chain...), n.seq)
		if len(n.chain) >= r.maxDepth {
			return nil, ports.NewIntegrityError(ports.ErrCyclicReference,
				fmt.Sprintf("corporate action chain deeper than %d", r.maxDepth), ids...)
		}
		for _, seen := range n.chain {
			if seen == n.seq {
				return nil, ports.NewIntegrityError(ports.ErrCyclicReference, "corporate action chain revisits an operation", ids...)
			}
		}

		op, ok := r.index.Operation(n.seq)
		if !ok {
			return nil, ports.NewIntegrityError(ports.ErrDataIntegrity, "chain references a missing operation", ids...)
		}
		if op.Kind != domain.KindCorporateAction {
			return nil, ports.NewIntegrityError(ports.ErrDataIntegrity,
				fmt.Sprintf("expected corporate action, found %s", op.Kind), ids...)
		}
		a := op.CorporateAction

		// Delisting delivers nothing; anything attributed to it is worth zero.
		if a.Type == domain.ActionDelisting {
			res.Origins = append(res.Origins, terminal(op, n.qty, n.weight, n.texts))
			continue
		}
		out, ok := a.Outcome(n.assetID)
		if !ok {
			return nil, ports.NewIntegrityError(ports.ErrDataIntegrity,
				fmt.Sprintf("%s does not deliver asset %d", a.Type, n.assetID), ids...)
		}
		if out.Quantity.IsZero() {
			return nil, ports.NewIntegrityError(ports.ErrDataIntegrity,
				fmt.Sprintf("%s delivers zero quantity of asset %d", a.Type, n.assetID), ids...)
		}
		texts := append(append([]string(nil), n.texts...), r.describe(op, out))
		if a.Type.IsAdditive() {
			res.Origins = append(res.Origins, terminal(op, n.qty, n.weight, texts))
			continue
		}

		srcStart := r.dc.Div(r.dc.Mul(n.start, a.SourceQuantity), out.Quantity)
		srcEnd := r.dc.Div(r.dc.Mul(n.start.Add(n.qty), a.SourceQuantity), out.Quantity)
		weight := r.dc.Mul(n.weight, out.ValueShare)

		deals := r.sourceDeals(op)
		if len(deals) == 0 {
			res.Origins = append(res.Origins, terminal(op, srcEnd.Sub(srcStart), weight, texts))
			continue
		}

		var next []span
		offset := decimal.Zero
		for _, d := range deals {
			dStart, dEnd := offset, offset.Add(d.Quantity)
			offset = dEnd
			from := decimal.Max(srcStart, dStart)
			to := decimal.Min(srcEnd, dEnd)
			part := to.Sub(from)
			if !part.IsPositive() {
				continue
			}
			if d.OpenKind == domain.KindTrade {
				origin, err := r.leaf(d, part, weight, texts, ids)
				if err != nil {
					return nil, err
				}
				res.Origins = append(res.Origins, origin)
				continue
			}
			next = append(next, span{
				seq:     d.OpenSequenceID,
				assetID: d.AssetID,
				start:   r.offsetOf(d).Add(from.Sub(dStart)),
				qty:     part,
				weight:  weight,
				chain:   ids,
				texts:   texts,
			})
		}
		// Pushed in reverse so older ancestors are resolved first.
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
		if left := srcEnd.Sub(decimal.Max(srcStart, offset)); left.IsPositive() {
			res.Unresolved = res.Unresolved.Add(left)
			r.logger.Warn(ctx, "Corporate action source only partly covered by deals", map[string]interface{}{
				"actionSeq": op.SequenceID, "assetID": op.AssetID, "unresolved": left.String()})
		}
	}

	for _, o := range res.Origins {
		res.Cost = r.dc.Add(res.Cost, o.Cost)
		res.Fee = r.dc.Add(res.Fee, o.Fee)
	}
	return res, nil
}

// sourceDeals returns the deals the action closed on its source asset, in the
// order the matcher consumed them.
func (r *Resolver) sourceDeals(op *domain.Operation) []*domain.Deal {
	var out []*domain.Deal
	for _, d := range r.index.DealsClosedBy(op.SequenceID) {
		if d.AssetID == op.AssetID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OpenTimestamp != out[j].OpenTimestamp {
			return out[i].OpenTimestamp < out[j].OpenTimestamp
		}
		return out[i].OpenSequenceID < out[j].OpenSequenceID
	})
	return out
}

// offsetOf returns how much of d's opening lot was consumed before d.
func (r *Resolver) offsetOf(d *domain.Deal) decimal.Decimal {
	offset := decimal.Zero
	for _, o := range r.index.DealsOpenedBy(d.OpenSequenceID) {
		if o.AssetID != d.AssetID {
			continue
		}
		if o.CloseTimestamp > d.CloseTimestamp ||
			(o.CloseTimestamp == d.CloseTimestamp && o.CloseSequenceID >= d.CloseSequenceID) {
			continue
		}
		offset = offset.Add(o.Quantity)
	}
	return offset
}

func (r *Resolver) leaf(d *domain.Deal, qty, weight decimal.Decimal, texts []string, ids []int64) (Origin, error) {
	op, ok := r.index.Operation(d.OpenSequenceID)
	if !ok || op.Kind != domain.KindTrade {
		return Origin{}, ports.NewIntegrityError(ports.ErrDataIntegrity, "deal opened by a missing trade",
			append(append([]int64(nil), ids...), d.OpenSequenceID)...)
	}
	t := op.Trade
	fee := decimal.Zero
	if total := t.Quantity.Abs(); !t.Fee.IsZero() && !total.IsZero() {
		fee = r.dc.Mul(r.dc.Mul(t.Fee, r.dc.Div(qty, total)), weight)
	}
	return Origin{
		Operation:   op,
		Quantity:    qty,
		UnitCost:    t.Price,
		Fee:         fee,
		Weight:      weight,
		Cost:        r.dc.Mul(r.dc.Mul(qty, t.Price), weight),
		Description: strings.Join(texts, "; "),
	}, nil
}

func terminal(op *domain.Operation, qty, weight decimal.Decimal, texts []string) Origin {
	return Origin{
		Operation:   op,
		Quantity:    qty,
		UnitCost:    decimal.Zero,
		Fee:         decimal.Zero,
		Weight:      weight,
		Cost:        decimal.Zero,
		Description: strings.Join(texts, "; "),
	}
}

// describe renders the provenance text of one step in the chain.
func (r *Resolver) describe(op *domain.Operation, out domain.ActionOutcome) string {
	a := op.CorporateAction
	oldSym := r.index.Symbol(op.AssetID)
	newSym := r.index.Symbol(out.AssetID)
	before := a.SourceQuantity.String()
	after := out.Quantity.String()
	switch a.Type {
	case domain.ActionSymbolChange:
		return fmt.Sprintf("symbol change %s→%s", oldSym, newSym)
	case domain.ActionSplit:
		return fmt.Sprintf("split %s→%s", before, after)
	case domain.ActionSpinOff:
		if dest, ok := a.Destination(op.AssetID); ok {
			newSym = r.index.Symbol(dest.AssetID)
		}
		return fmt.Sprintf("spin-off %s from %s %s", newSym, before, oldSym)
	case domain.ActionMerger:
		return fmt.Sprintf("merger, convert %s %s into %s %s", before, oldSym, after, newSym)
	case domain.ActionStockDividend, domain.ActionStockVesting:
		return fmt.Sprintf("non-cash distribution of %s %s", after, newSym)
	default:
		return string(a.Type)
	}
}
