package matcher

import (
	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
)

// queue holds the open lots of one asset, oldest first.
// All lots in a queue share the same direction.
type queue struct {
	lots []*domain.Lot
}

func (q *queue) empty() bool {
	return len(q.lots) == 0
}

func (q *queue) front() *domain.Lot {
	return q.lots[0]
}

func (q *queue) popFront() {
	q.lots[0] = nil
	q.lots = q.lots[1:]
}

func (q *queue) push(l *domain.Lot) {
	q.lots = append(q.lots, l)
}

// direction is meaningful only for a non-empty queue.
func (q *queue) direction() domain.Direction {
	return q.lots[0].Direction
}

// position returns the signed open quantity.
func (q *queue) position() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q.lots {
		total = total.Add(l.Remaining.Mul(decimal.NewFromInt(int64(l.Direction))))
	}
	return total
}
