// Package pricing computes document amounts with a single rounding policy: every line amount
// is rounded to cents, the subtotal is the exact sum of rounded lines and tax is rounded once
// on the subtotal. The total is therefore always round(subtotal + subtotal*rate).
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate applies when no rate is configured.
var DefaultTaxRate = decimal.RequireFromString("0.16")

// Places is the number of minor-unit digits kept for money.
const Places = 2

// QuantityPlaces is the number of fractional digits kept for quantities.
const QuantityPlaces = 4

var (
	// ErrNonPositiveQuantity reports a line whose quantity is zero or negative.
	ErrNonPositiveQuantity = errors.New("pricing: quantity must be greater than zero")
	// ErrNegativePrice reports a line with a negative unit price.
	ErrNegativePrice = errors.New("pricing: unit price must not be negative")
	// ErrQuantityScale reports a quantity finer than QuantityPlaces.
	ErrQuantityScale = fmt.Errorf("pricing: quantity allows at most %d decimal places", QuantityPlaces)
	// ErrAmountScale reports a price or money amount finer than Places.
	ErrAmountScale = fmt.Errorf("pricing: amount allows at most %d decimal places", Places)
	// ErrNegativeRate reports an invalid tax rate.
	ErrNegativeRate = errors.New("pricing: tax rate must not be negative")
)

// Item is one priced line.
type Item struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Totals holds the computed amounts of a document.
type Totals struct {
	Lines    []decimal.Decimal
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Calculator applies a fixed tax rate.
type Calculator struct {
	rate decimal.Decimal
}

// NewCalculator validates rate and returns a Calculator.
func NewCalculator(rate decimal.Decimal) (*Calculator, error) {
	if rate.IsNegative() {
		return nil, ErrNegativeRate
	}
	return &Calculator{rate: rate}, nil
}

// Rate returns the configured tax rate.
func (c *Calculator) Rate() decimal.Decimal {
	return c.rate
}

// LineAmount rounds quantity times price to cents.
func LineAmount(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(Places)
}

// Validate checks a single line. Values must already fit the stored scale so the persisted
// quantity and price reproduce the computed amount.
func Validate(item Item) error {
	if !item.Quantity.IsPositive() {
		return ErrNonPositiveQuantity
	}
	if err := CheckQuantity(item.Quantity); err != nil {
		return err
	}
	if item.UnitPrice.IsNegative() {
		return ErrNegativePrice
	}
	return CheckAmount(item.UnitPrice)
}

// CheckQuantity rejects quantities with more than QuantityPlaces fractional digits.
func CheckQuantity(d decimal.Decimal) error {
	if !fits(d, QuantityPlaces) {
		return ErrQuantityScale
	}
	return nil
}

// CheckAmount rejects money with more than Places fractional digits.
func CheckAmount(d decimal.Decimal) error {
	if !fits(d, Places) {
		return ErrAmountScale
	}
	return nil
}

func fits(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// Compute prices items. An empty list yields zero totals.
func (c *Calculator) Compute(items []Item) (Totals, error) {
	out := Totals{Lines: make([]decimal.Decimal, len(items)), Subtotal: decimal.Zero}
	for i, item := range items {
		if err := Validate(item); err != nil {
			return Totals{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		out.Lines[i] = LineAmount(item.Quantity, item.UnitPrice)
		out.Subtotal = out.Subtotal.Add(out.Lines[i])
	}
	out.Tax = out.Subtotal.Mul(c.rate).Round(Places)
	out.Total = out.Subtotal.Add(out.Tax)
	return out, nil
}
