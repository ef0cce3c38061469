package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"investLedger/internal/domain"
	"investLedger/internal/matcher"
)

const ckAccountState = "account:%d:from:%d:ops:%d:seq:%d"

// AccountState is everything a rebuild needs to continue an account from a checkpoint.
type AccountState struct {
	Lots     matcher.State
	Balances *Balances
	Deals    []*domain.Deal // Deals closed before the checkpoint
}

func (s *AccountState) clone() *AccountState {
	lots := matcher.State{Queues: make(map[int64][]domain.Lot, len(s.Lots.Queues))}
	for id, q := range s.Lots.Queues {
		lots.Queues[id] = append([]domain.Lot(nil), q...)
	}
	deals := make([]*domain.Deal, len(s.Deals))
	for i, d := range s.Deals {
		cp := *d
		deals[i] = &cp
	}
	return &AccountState{Lots: lots, Balances: s.Balances.Clone(), Deals: deals}
}

// SnapshotCache keeps account states at rebuild checkpoints.
// The key covers the operations replayed to reach the checkpoint, so a new or
// back-dated operation before it never matches a stale entry.
type SnapshotCache struct {
	c   *cache.Cache
	ttl time.Duration
}

// NewSnapshotCache creates a cache whose entries expire after ttl.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{c: cache.New(ttl, 2*ttl), ttl: ttl}
}

func stateKey(accountID, from int64, prefix []*domain.Operation) string {
	var maxSeq int64
	for _, op := range prefix {
		if op.SequenceID > maxSeq {
			maxSeq = op.SequenceID
		}
	}
	return fmt.Sprintf(ckAccountState, accountID, from, len(prefix), maxSeq)
}

// Get returns a copy of the cached state.
func (s *SnapshotCache) Get(accountID, from int64, prefix []*domain.Operation) (*AccountState, bool) {
	v, found := s.c.Get(stateKey(accountID, from, prefix))
	if !found {
		return nil, false
	}
	return v.(*AccountState).clone(), true
}

// Put stores a copy of state.
func (s *SnapshotCache) Put(accountID, from int64, prefix []*domain.Operation, state *AccountState) {
	s.c.Set(stateKey(accountID, from, prefix), state.clone(), s.ttl)
}

// Invalidate drops every checkpoint of an account.
func (s *SnapshotCache) Invalidate(accountID int64) {
	prefix := fmt.Sprintf("account:%d:", accountID)
	for key := range s.c.Items() {
		if strings.HasPrefix(key, prefix) {
			s.c.Delete(key)
		}
	}
}
