package resolver

import (
	"strconv"

	"investLedger/internal/domain"
)

// MemoryIndex is an Index over operations and deals already held in memory.
type MemoryIndex struct {
	ops      map[int64]*domain.Operation
	closedBy map[int64][]*domain.Deal
	openedBy map[int64][]*domain.Deal
	symbols  map[int64]string
}

// NewMemoryIndex builds an index. assets may be nil; unknown assets render as their id.
func NewMemoryIndex(ops []*domain.Operation, deals []*domain.Deal, assets map[int64]*domain.Asset) *MemoryIndex {
	idx := &MemoryIndex{
		ops:      make(map[int64]*domain.Operation, len(ops)),
		closedBy: make(map[int64][]*domain.Deal),
		openedBy: make(map[int64][]*domain.Deal),
		symbols:  make(map[int64]string, len(assets)),
	}
	idx.AddOperations(ops)
	idx.AddDeals(deals)
	for id, a := range assets {
		idx.symbols[id] = a.Symbol
	}
	return idx
}

// AddOperations indexes more operations.
func (idx *MemoryIndex) AddOperations(ops []*domain.Operation) {
	for _, op := range ops {
		idx.ops[op.SequenceID] = op
	}
}

// AddDeals indexes more deals, e.g. the ones produced by a rebuild pass.
func (idx *MemoryIndex) AddDeals(deals []*domain.Deal) {
	for _, d := range deals {
		idx.closedBy[d.CloseSequenceID] = append(idx.closedBy[d.CloseSequenceID], d)
		idx.openedBy[d.OpenSequenceID] = append(idx.openedBy[d.OpenSequenceID], d)
	}
}

func (idx *MemoryIndex) Operation(seq int64) (*domain.Operation, bool) {
	op, ok := idx.ops[seq]
	return op, ok
}

func (idx *MemoryIndex) DealsClosedBy(seq int64) []*domain.Deal {
	return idx.closedBy[seq]
}

func (idx *MemoryIndex) DealsOpenedBy(seq int64) []*domain.Deal {
	return idx.openedBy[seq]
}

func (idx *MemoryIndex) Symbol(assetID int64) string {
	if s, ok := idx.symbols[assetID]; ok && s != "" {
		return s
	}
	return "#" + strconv.FormatInt(assetID, 10)
}
