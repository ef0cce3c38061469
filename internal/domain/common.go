package domain

// OperationKind tags the variant carried by an Operation.
type OperationKind string

const (
	KindTrade           OperationKind = "trade"
	KindCorporateAction OperationKind = "corporate_action"
	KindDividend        OperationKind = "dividend"
	KindTransfer        OperationKind = "transfer"
)

// ActionType identifies the kind of corporate action.
type ActionType string

const (
	ActionSymbolChange  ActionType = "SYMBOL_CHANGE"
	ActionSplit         ActionType = "SPLIT"
	ActionSpinOff       ActionType = "SPIN_OFF"
	ActionMerger        ActionType = "MERGER"
	ActionStockDividend ActionType = "STOCK_DIVIDEND"
	ActionStockVesting  ActionType = "STOCK_VESTING"
	ActionDelisting     ActionType = "DELISTING"
)

// IsAdditive reports whether the action delivers new shares without consuming the held ones.
func (t ActionType) IsAdditive() bool {
	return t == ActionStockDividend || t == ActionStockVesting
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionSymbolChange, ActionSplit, ActionSpinOff, ActionMerger,
		ActionStockDividend, ActionStockVesting, ActionDelisting:
		return true
	}
	return false
}

// BookAccount is one of the six double-entry categories.
type BookAccount int

const (
	BookCosts BookAccount = iota + 1
	BookIncomes
	BookMoney
	BookAssets
	BookLiabilities
	BookTransfers
)

// String returns the name of the book account.
func (b BookAccount) String() string {
	switch b {
	case BookCosts:
		return "Costs"
	case BookIncomes:
		return "Incomes"
	case BookMoney:
		return "Money"
	case BookAssets:
		return "Assets"
	case BookLiabilities:
		return "Liabilities"
	case BookTransfers:
		return "Transfers"
	default:
		return "Unknown"
	}
}

// Direction tells whether a lot or deal is a long or a short position.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

// String returns "long" or "short".
func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Asset is a tradable instrument or a currency.
type Asset struct {
	ID        int64
	Symbol    string
	Name      string
	Precision int32 // Display precision, used as reconciliation tolerance
}

// Account is a broker or cash account holding assets in a base currency.
type Account struct {
	ID         int64
	Name       string
	CurrencyID int64 // Asset ID of the account currency
}
