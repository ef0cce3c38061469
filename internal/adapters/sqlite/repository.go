package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// Repository implements ports.OperationStore using SQLite.
type Repository struct {
	reader
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/ledger.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// BEGIN IMMEDIATE takes the write lock up front, so two rebuilds on the same file never interleave.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{reader: reader{q: db}, db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// Decimal columns are TEXT holding the exact decimal representation.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		precision INTEGER NOT NULL DEFAULT 2
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		currency_id INTEGER NOT NULL REFERENCES assets(id)
	);

	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		asset_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		quantity TEXT NULL,
		price TEXT NULL,
		fee TEXT NULL,
		settlement_ts INTEGER NULL,
		action_type TEXT NULL,
		amount TEXT NULL,
		tax TEXT NULL,
		counterparty_id INTEGER NULL,
		note TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS action_outcomes (
		op_seq INTEGER NOT NULL REFERENCES operations(seq),
		position INTEGER NOT NULL,
		asset_id INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		value_share TEXT NOT NULL,
		PRIMARY KEY (op_seq, position)
	);

	CREATE TABLE IF NOT EXISTS sequence_counter (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger (
		op_seq INTEGER NOT NULL,
		line INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		book INTEGER NOT NULL,
		account_id INTEGER NOT NULL,
		asset_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		value TEXT NOT NULL,
		running_amount TEXT NOT NULL,
		running_value TEXT NOT NULL,
		PRIMARY KEY (op_seq, line)
	);

	CREATE TABLE IF NOT EXISTS deals (
		account_id INTEGER NOT NULL,
		asset_id INTEGER NOT NULL,
		open_seq INTEGER NOT NULL,
		close_seq INTEGER NOT NULL,
		direction INTEGER NOT NULL,
		open_kind TEXT NOT NULL,
		open_ts INTEGER NOT NULL,
		close_kind TEXT NOT NULL,
		close_ts INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		open_price TEXT NOT NULL,
		close_price TEXT NOT NULL,
		fee_open TEXT NOT NULL,
		fee_close TEXT NOT NULL,
		profit TEXT NOT NULL,
		PRIMARY KEY (account_id, asset_id, open_seq, close_seq)
	);

	CREATE TABLE IF NOT EXISTS rebuild_runs (
		id TEXT PRIMARY KEY,
		from_ts INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		operations INTEGER NOT NULL,
		deals INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		skipped INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_account_time ON operations (account_id, timestamp, seq);
	CREATE INDEX IF NOT EXISTS idx_operations_time ON operations (timestamp, seq);
	CREATE INDEX IF NOT EXISTS idx_action_outcomes_asset ON action_outcomes (asset_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_account_time ON ledger (account_id, timestamp, op_seq, line);
	CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger (timestamp);
	CREATE INDEX IF NOT EXISTS idx_deals_close ON deals (account_id, close_seq);
	CREATE INDEX IF NOT EXISTS idx_deals_close_time ON deals (close_ts);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- Reference data ---

// CreateAsset saves a new asset and returns its assigned ID.
func (r *Repository) CreateAsset(ctx context.Context, asset *domain.Asset) (int64, error) {
	const query = `INSERT INTO assets (symbol, name, precision) VALUES (?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, asset.Symbol, asset.Name, asset.Precision)
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("asset %s: %w", asset.Symbol, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert asset %s: %w", asset.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for asset %s: %w", asset.Symbol, err)
	}
	asset.ID = id
	r.logger.Debug(ctx, "Asset created", map[string]interface{}{"assetID": id, "symbol": asset.Symbol})
	return id, nil
}

// CreateAccount saves a new account and returns its assigned ID.
func (r *Repository) CreateAccount(ctx context.Context, account *domain.Account) (int64, error) {
	const query = `INSERT INTO accounts (name, currency_id) VALUES (?, ?)`
	result, err := r.db.ExecContext(ctx, query, account.Name, account.CurrencyID)
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("account %s: %w", account.Name, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert account %s: %w", account.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for account %s: %w", account.Name, err)
	}
	account.ID = id
	r.logger.Debug(ctx, "Account created", map[string]interface{}{"accountID": id, "name": account.Name})
	return id, nil
}

// --- SequenceStore Implementation ---

// LastSequenceID returns the highest sequence id issued or stored.
func (r *Repository) LastSequenceID(ctx context.Context) (int64, error) {
	const query = `
	SELECT MAX(
		COALESCE((SELECT last_seq FROM sequence_counter WHERE id = 1), 0),
		COALESCE((SELECT MAX(seq) FROM operations), 0))`
	var last int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last sequence id: %w: %w", ports.ErrQueryFailed, err)
	}
	return last, nil
}

// SaveSequenceID records id as issued. The counter never moves backwards.
func (r *Repository) SaveSequenceID(ctx context.Context, id int64) error {
	const query = `
	INSERT INTO sequence_counter (id, last_seq) VALUES (1, ?)
	ON CONFLICT(id) DO UPDATE SET last_seq = excluded.last_seq WHERE excluded.last_seq > sequence_counter.last_seq`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to save sequence id %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	return nil
}

// --- Operations ---

// AppendOperation stores an operation carrying its sequence id.
func (r *Repository) AppendOperation(ctx context.Context, op *domain.Operation) (int64, error) {
	if op.SequenceID <= 0 {
		return 0, fmt.Errorf("operation without sequence id: %w", ports.ErrInvalidRequest)
	}
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertOperation(ctx, tx, op); err != nil {
		if isDuplicateKey(err) {
			return 0, ports.NewIntegrityError(ports.ErrDuplicateSequence, "sequence id already stored", op.SequenceID)
		}
		return 0, err
	}
	const counter = `
	INSERT INTO sequence_counter (id, last_seq) VALUES (1, ?)
	ON CONFLICT(id) DO UPDATE SET last_seq = excluded.last_seq WHERE excluded.last_seq > sequence_counter.last_seq`
	if _, err := tx.ExecContext(ctx, counter, op.SequenceID); err != nil {
		return 0, fmt.Errorf("failed to advance sequence counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit operation %d: %w", op.SequenceID, err)
	}
	r.logger.Debug(ctx, "Operation stored", map[string]interface{}{"sequenceID": op.SequenceID, "kind": string(op.Kind)})
	return op.SequenceID, nil
}

func insertOperation(ctx context.Context, tx *sql.Tx, op *domain.Operation) error {
	const query = `
	INSERT INTO operations (seq, timestamp, account_id, asset_id, kind, quantity, price, fee, settlement_ts,
	                        action_type, amount, tax, counterparty_id, note)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var (
		quantity, price, fee, amount, tax decimal.NullDecimal
		settlement, counterparty          sql.NullInt64
		actionType                        sql.NullString
		note                              string
	)
	switch op.Kind {
	case domain.KindTrade:
		t := op.Trade
		quantity, price, fee = valid(t.Quantity), valid(t.Price), valid(t.Fee)
		settlement = sql.NullInt64{Int64: t.SettlementTimestamp, Valid: true}
	case domain.KindCorporateAction:
		a := op.CorporateAction
		quantity = valid(a.SourceQuantity)
		actionType = sql.NullString{String: string(a.Type), Valid: true}
		note = a.Note
	case domain.KindDividend:
		d := op.Dividend
		amount, tax = valid(d.Amount), valid(d.Tax)
		note = d.Note
	case domain.KindTransfer:
		t := op.Transfer
		amount, fee = valid(t.Amount), valid(t.Fee)
		counterparty = sql.NullInt64{Int64: t.CounterpartyAccountID, Valid: t.CounterpartyAccountID != 0}
		note = t.Note
	}

	if _, err := tx.ExecContext(ctx, query, op.SequenceID, op.Timestamp, op.AccountID, op.AssetID, string(op.Kind),
		quantity, price, fee, settlement, actionType, amount, tax, counterparty, note); err != nil {
		return fmt.Errorf("failed to insert operation %d: %w", op.SequenceID, err)
	}

	if op.Kind != domain.KindCorporateAction {
		return nil
	}
	const outcomeQuery = `INSERT INTO action_outcomes (op_seq, position, asset_id, quantity, value_share) VALUES (?, ?, ?, ?, ?)`
	for i, o := range op.CorporateAction.Outcomes {
		if _, err := tx.ExecContext(ctx, outcomeQuery, op.SequenceID, i, o.AssetID, o.Quantity, o.ValueShare); err != nil {
			return fmt.Errorf("failed to insert outcome %d of operation %d: %w", i, op.SequenceID, err)
		}
	}
	return nil
}

// Begin opens the write transaction of a rebuild pass.
func (r *Repository) Begin(ctx context.Context) (ports.StoreTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w: %w", ports.ErrDBConnection, err)
	}
	return &Tx{reader: reader{q: tx}, tx: tx, logger: r.logger}, nil
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
