package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
)

// Key identifies one running balance.
type Key struct {
	Book      domain.BookAccount
	AccountID int64
	AssetID   int64
}

// Balance is a running amount together with its value in the account currency.
type Balance struct {
	Amount decimal.Decimal
	Value  decimal.Decimal
}

// Balances is the running balance table of a rebuild pass.
// One instance is owned by one rebuild and passed explicitly; it is not safe for concurrent use.
type Balances struct {
	dc domain.Context
	m  map[Key]Balance
}

// NewBalances returns an empty table.
func NewBalances(dc domain.Context) *Balances {
	return &Balances{dc: dc, m: make(map[Key]Balance)}
}

// Get returns the balance for k, zero if nothing was posted.
func (b *Balances) Get(k Key) Balance {
	if v, ok := b.m[k]; ok {
		return v
	}
	return Balance{Amount: decimal.Zero, Value: decimal.Zero}
}

// Apply adds an entry to its balance and stores the result in the entry's running fields.
func (b *Balances) Apply(e *domain.LedgerEntry) {
	k := Key{Book: e.Book, AccountID: e.AccountID, AssetID: e.AssetID}
	cur := b.Get(k)
	cur.Amount = b.dc.Add(cur.Amount, e.Amount)
	cur.Value = b.dc.Add(cur.Value, e.Value)
	b.m[k] = cur
	e.RunningAmount = cur.Amount
	e.RunningValue = cur.Value
}

// Load seeds the table from persisted entries, taking each entry's running fields.
func (b *Balances) Load(entries []*domain.LedgerEntry) {
	for _, e := range entries {
		b.m[Key{Book: e.Book, AccountID: e.AccountID, AssetID: e.AssetID}] = Balance{Amount: e.RunningAmount, Value: e.RunningValue}
	}
}

// Clone returns an independent copy.
func (b *Balances) Clone() *Balances {
	c := &Balances{dc: b.dc, m: make(map[Key]Balance, len(b.m))}
	for k, v := range b.m {
		c.m[k] = v
	}
	return c
}

// Keys returns all keys in a stable order.
func (b *Balances) Keys() []Key {
	keys := make([]Key, 0, len(b.m))
	for k := range b.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AccountID != keys[j].AccountID {
			return keys[i].AccountID < keys[j].AccountID
		}
		if keys[i].Book != keys[j].Book {
			return keys[i].Book < keys[j].Book
		}
		return keys[i].AssetID < keys[j].AssetID
	})
	return keys
}

// Holding returns what the account holds of assetID: the Money balance net of
// Liabilities for the account currency, the Assets quantity otherwise.
func (b *Balances) Holding(accountID, assetID, currencyID int64) decimal.Decimal {
	return Holding(func(book domain.BookAccount) decimal.Decimal {
		return b.Get(Key{Book: book, AccountID: accountID, AssetID: assetID}).Amount
	}, assetID, currencyID)
}

// Holding computes a holding from a per-book amount lookup.
func Holding(amount func(domain.BookAccount) decimal.Decimal, assetID, currencyID int64) decimal.Decimal {
	if assetID == currencyID {
		return amount(domain.BookMoney).Add(amount(domain.BookLiabilities))
	}
	return amount(domain.BookAssets)
}
