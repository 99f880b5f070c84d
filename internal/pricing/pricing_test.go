package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeRoundsLinesThenTax(t *testing.T) {
	calc, err := NewCalculator(DefaultTaxRate)
	require.NoError(t, err)

	totals, err := calc.Compute([]Item{
		{Quantity: dec("3.3335"), UnitPrice: dec("30")},
		{Quantity: dec("1.5"), UnitPrice: dec("10")},
	})
	require.NoError(t, err)
	require.True(t, dec("100.01").Equal(totals.Lines[0]), totals.Lines[0].String())
	require.True(t, dec("15").Equal(totals.Lines[1]))
	require.True(t, dec("115.01").Equal(totals.Subtotal))
	require.True(t, dec("18.40").Equal(totals.Tax), totals.Tax.String())
	require.True(t, dec("133.41").Equal(totals.Total))
}

func TestComputeZeroPricedLines(t *testing.T) {
	calc, err := NewCalculator(DefaultTaxRate)
	require.NoError(t, err)

	totals, err := calc.Compute([]Item{{Quantity: dec("2"), UnitPrice: decimal.Zero}})
	require.NoError(t, err)
	require.True(t, totals.Subtotal.IsZero())
	require.True(t, totals.Tax.IsZero())
	require.True(t, totals.Total.IsZero())
}

func TestComputeRejectsInvalidLines(t *testing.T) {
	calc, err := NewCalculator(DefaultTaxRate)
	require.NoError(t, err)

	_, err = calc.Compute([]Item{{Quantity: decimal.Zero, UnitPrice: dec("1")}})
	require.ErrorIs(t, err, ErrNonPositiveQuantity)

	_, err = calc.Compute([]Item{{Quantity: dec("1"), UnitPrice: dec("-0.01")}})
	require.ErrorIs(t, err, ErrNegativePrice)

	_, err = NewCalculator(dec("-0.1"))
	require.ErrorIs(t, err, ErrNegativeRate)
}

func TestValidateRejectsValuesFinerThanStoredScale(t *testing.T) {
	cases := []struct {
		name string
		item Item
		want error
	}{
		{"quantity below storable precision", Item{Quantity: dec("0.00001"), UnitPrice: dec("1")}, ErrQuantityScale},
		{"price in fractions of a cent", Item{Quantity: dec("3"), UnitPrice: dec("10.005")}, ErrAmountScale},
		{"trailing zeros fit", Item{Quantity: dec("1.50000"), UnitPrice: dec("10.500")}, nil},
		{"finest storable values", Item{Quantity: dec("0.0001"), UnitPrice: dec("0.01")}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.item)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}

	require.ErrorIs(t, CheckAmount(dec("200.001")), ErrAmountScale)
	require.NoError(t, CheckAmount(dec("-12.30")))
	require.ErrorIs(t, CheckQuantity(dec("1.23456")), ErrQuantityScale)
}

func TestStoredLineReproducesAmount(t *testing.T) {
	item := Item{Quantity: dec("2.125"), UnitPrice: dec("19.99")}
	require.NoError(t, Validate(item))
	stored := Item{Quantity: item.Quantity.Round(QuantityPlaces), UnitPrice: item.UnitPrice.Round(Places)}
	require.True(t, LineAmount(item.Quantity, item.UnitPrice).Equal(LineAmount(stored.Quantity, stored.UnitPrice)))
}

func TestTotalsStayConsistent(t *testing.T) {
	calc, err := NewCalculator(DefaultTaxRate)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		n := rng.Intn(6) + 1
		items := make([]Item, n)
		for j := range items {
			items[j] = Item{
				Quantity:  decimal.New(int64(rng.Intn(5000)+1), -2),
				UnitPrice: decimal.New(int64(rng.Intn(100000)), -2),
			}
		}
		totals, err := calc.Compute(items)
		require.NoError(t, err)

		sum := decimal.Zero
		for j, item := range items {
			require.True(t, LineAmount(item.Quantity, item.UnitPrice).Equal(totals.Lines[j]))
			sum = sum.Add(totals.Lines[j])
		}
		require.True(t, sum.Equal(totals.Subtotal))
		want := totals.Subtotal.Add(totals.Subtotal.Mul(DefaultTaxRate)).Round(Places)
		require.True(t, want.Equal(totals.Total), "case %d: %s != %s", i, want, totals.Total)
	}
}
