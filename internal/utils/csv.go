package utils

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"investLedger/internal/domain"
	"investLedger/internal/ports"
)

// OperationHeader names the columns of a canonical operation file.
// outcomes is a ';' separated list of SYMBOL:quantity:value_share.
var OperationHeader = []string{"timestamp", "account", "kind", "symbol", "quantity", "price", "fee",
	"amount", "tax", "action", "source_quantity", "outcomes", "note"}

// ReferenceLookup resolves account names and asset symbols.
type ReferenceLookup interface {
	AssetBySymbol(ctx context.Context, symbol string) (*domain.Asset, error)
	AccountByName(ctx context.Context, name string) (*domain.Account, error)
}

// ReadOperationsFromCSV parses a canonical operation file. The returned
// operations carry no sequence id; they are listed in file order.
func ReadOperationsFromCSV(ctx context.Context, r io.Reader, lookup ReferenceLookup) ([]*domain.Operation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(OperationHeader)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, name := range OperationHeader {
		if strings.TrimSpace(header[i]) != name {
			return nil, fmt.Errorf("column %d is %q, expected %q: %w", i+1, header[i], name, ports.ErrInvalidRequest)
		}
	}

	p := &rowParser{ctx: ctx, lookup: lookup, accounts: map[string]*domain.Account{}, assets: map[string]*domain.Asset{}}
	var ops []*domain.Operation
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		op, err := p.parse(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

type rowParser struct {
	ctx      context.Context
	lookup   ReferenceLookup
	accounts map[string]*domain.Account
	assets   map[string]*domain.Asset
}

func (p *rowParser) parse(rec []string) (*domain.Operation, error) {
	field := func(name string) string {
		for i, h := range OperationHeader {
			if h == name {
				return strings.TrimSpace(rec[i])
			}
		}
		return ""
	}

	ts, err := ParseTimestamp(field("timestamp"))
	if err != nil {
		return nil, err
	}
	acc, err := p.account(field("account"))
	if err != nil {
		return nil, err
	}
	op := &domain.Operation{Timestamp: ts, AccountID: acc.ID, Kind: domain.OperationKind(field("kind"))}
	if symbol := field("symbol"); symbol != "" {
		asset, err := p.asset(symbol)
		if err != nil {
			return nil, err
		}
		op.AssetID = asset.ID
	}

	var errs []error
	num := func(name string) decimal.Decimal {
		s := field(name)
		if s == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, s, err))
		}
		return d
	}

	switch op.Kind {
	case domain.KindTrade:
		op.Trade = &domain.Trade{Quantity: num("quantity"), Price: num("price"), Fee: num("fee"), SettlementTimestamp: ts}
	case domain.KindDividend:
		op.Dividend = &domain.Dividend{Amount: num("amount"), Tax: num("tax"), Note: field("note")}
	case domain.KindTransfer:
		if op.AssetID == 0 {
			op.AssetID = acc.CurrencyID
		}
		op.Transfer = &domain.Transfer{Amount: num("amount"), Fee: num("fee"), Note: field("note")}
	case domain.KindCorporateAction:
		action := &domain.CorporateAction{
			Type:           domain.ActionType(strings.ToUpper(field("action"))),
			SourceQuantity: num("source_quantity"),
			Note:           field("note"),
		}
		outcomes, err := p.outcomes(field("outcomes"))
		if err != nil {
			errs = append(errs, err)
		}
		action.Outcomes = outcomes
		op.CorporateAction = action
	default:
		return nil, fmt.Errorf("unknown kind %q: %w", op.Kind, ports.ErrInvalidRequest)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, errors.Join(errs...))
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
	}
	return op, nil
}

func (p *rowParser) outcomes(s string) ([]domain.ActionOutcome, error) {
	if s == "" {
		return nil, nil
	}
	var out []domain.ActionOutcome
	for _, part := range strings.Split(s, ";") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("outcome %q must be SYMBOL:quantity:value_share", part)
		}
		asset, err := p.asset(fields[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid outcome quantity %q: %w", fields[1], err)
		}
		share, err := decimal.NewFromString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid outcome value share %q: %w", fields[2], err)
		}
		out = append(out, domain.ActionOutcome{AssetID: asset.ID, Quantity: qty, ValueShare: share})
	}
	return out, nil
}

func (p *rowParser) account(name string) (*domain.Account, error) {
	if a, ok := p.accounts[name]; ok {
		return a, nil
	}
	a, err := p.lookup.AccountByName(p.ctx, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account %q: %w", name, ports.ErrNotFound)
	}
	p.accounts[name] = a
	return a, nil
}

func (p *rowParser) asset(symbol string) (*domain.Asset, error) {
	if a, ok := p.assets[symbol]; ok {
		return a, nil
	}
	a, err := p.lookup.AssetBySymbol(p.ctx, symbol)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("asset %q: %w", symbol, ports.ErrNotFound)
	}
	p.assets[symbol] = a
	return a, nil
}

// StatementHeader names the columns of a broker statement balance file.
var StatementHeader = []string{"timestamp", "account", "symbol", "amount"}

// ReadStatementsFromCSV parses statement balances to reconcile against the ledger.
func ReadStatementsFromCSV(ctx context.Context, r io.Reader, lookup ReferenceLookup) ([]domain.StatementBalance, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(StatementHeader)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read statements: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty statement file: %w", ports.ErrInvalidRequest)
	}

	p := &rowParser{ctx: ctx, lookup: lookup, accounts: map[string]*domain.Account{}, assets: map[string]*domain.Asset{}}
	out := make([]domain.StatementBalance, 0, len(records)-1)
	for i, rec := range records[1:] {
		line := i + 2
		ts, err := ParseTimestamp(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		acc, err := p.account(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		asset, err := p.asset(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(rec[3]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid amount %q: %w", line, rec[3], ports.ErrInvalidRequest)
		}
		out = append(out, domain.StatementBalance{AccountID: acc.ID, AssetID: asset.ID, Timestamp: ts, Amount: amount})
	}
	return out, nil
}

// ParseTimestamp accepts unix seconds or RFC3339.
func ParseTimestamp(s string) (int64, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, ports.ErrInvalidRequest)
	}
	return t.Unix(), nil
}

// WriteDeals writes deal dumps with a header row.
func WriteDeals(w io.Writer, deals []*domain.Deal) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(domain.DumpHeader); err != nil {
		return err
	}
	for _, d := range deals {
		if err := writer.Write(d.Dump().Strings()); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteDealsToCSV writes deal dumps to filename.
func WriteDealsToCSV(deals []*domain.Deal, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := WriteDeals(file, deals); err != nil {
		return err
	}
	return file.Close()
}
