package domain

import (
	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of significant digits kept by arithmetic on financial values.
const DefaultPrecision int32 = 28

// Context performs decimal arithmetic rounded to a fixed number of significant
// digits with banker's rounding. Values are never rounded to display places here.
type Context struct {
	Precision int32
}

// NewContext returns a Context with the given precision, falling back to DefaultPrecision.
func NewContext(precision int32) Context {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return Context{Precision: precision}
}

// Round rounds d to the context precision.
func (c Context) Round(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	places := c.Precision - 1 - adjusted(d)
	if places >= -d.Exponent() {
		return d
	}
	return d.RoundBank(places)
}

func (c Context) Add(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Add(b))
}

func (c Context) Sub(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Sub(b))
}

func (c Context) Mul(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Mul(b))
}

// Div divides a by b. b must not be zero.
func (c Context) Div(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return decimal.Zero
	}
	places := c.Precision - (adjusted(a) - adjusted(b)) + 3
	if places < 0 {
		places = 0
	}
	q, r := a.QuoRem(b, places)
	if !r.IsZero() {
		// sticky digit so that the final rounding never sees a false tie
		sign := int64(a.Sign() * b.Sign())
		q = q.Add(decimal.New(sign, -(places + 1)))
	}
	return c.Round(q)
}

// adjusted returns the power of ten of the most significant digit of d.
func adjusted(d decimal.Decimal) int32 {
	return int32(d.NumDigits()) + d.Exponent() - 1
}
