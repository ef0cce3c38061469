package sequencer

import (
	"context"
	"fmt"
	"sync"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// Sequencer hands out strictly increasing sequence ids shared by all operation kinds.
// The last issued id is persisted before it is returned, so a restart never reuses it.
type Sequencer struct {
	store  ports.SequenceStore
	logger ports.Logger

	mu     sync.Mutex
	last   int64
	loaded bool
}

// New creates a Sequencer backed by store.
func New(store ports.SequenceStore, logger ports.Logger) (*Sequencer, error) {
	if store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Sequencer")
	}
	return &Sequencer{store: store, logger: logger}, nil
}

// Next returns the next sequence id.
func (s *Sequencer) Next(ctx context.Context, kind domain.OperationKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.store.LastSequenceID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence id: %w", err)
	}
	if s.loaded && persisted > s.last {
		// Another writer issued ids behind our back.
		err := ports.NewIntegrityError(ports.ErrDuplicateSequence,
			fmt.Sprintf("persisted sequence %d is ahead of issued %d", persisted, s.last), persisted, s.last)
		s.logger.Error(ctx, err, "Sequencer monotonicity violated")
		return 0, err
	}
	if !s.loaded {
		s.last = persisted
		s.loaded = true
	}

	next := s.last + 1
	if err := s.store.SaveSequenceID(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to persist sequence id %d: %w", next, err)
	}
	s.last = next
	s.logger.Debug(ctx, "Sequence id issued", map[string]interface{}{"sequenceID": next, "kind": string(kind)})
	return next, nil
}

// CheckMonotonic verifies that ops carry unique, positive sequence ids.
// A violation is fatal for a rebuild.
func CheckMonotonic(ops []*domain.Operation) error {
	seen := make(map[int64]struct{}, len(ops))
	for _, op := range ops {
		if op.SequenceID <= 0 {
			return ports.NewIntegrityError(ports.ErrDuplicateSequence, "operation without sequence id", op.SequenceID)
		}
		if _, dup := seen[op.SequenceID]; dup {
			return ports.NewIntegrityError(ports.ErrDuplicateSequence, "sequence id used twice", op.SequenceID)
		}
		seen[op.SequenceID] = struct{}{}
	}
	return nil
}
