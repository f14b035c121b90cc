package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Instrument carries the lot and price filters needed to build valid orders.
type Instrument struct {
	Symbol   string
	QtyStep  float64
	MinQty   float64
	TickSize float64
}

func (i *Instrument) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: nil instrument", ErrInstrument)
	}
	if i.QtyStep <= 0 || i.MinQty <= 0 {
		return fmt.Errorf("%w: %s has qty step %v, min qty %v", ErrInstrument, i.Symbol, i.QtyStep, i.MinQty)
	}
	return nil
}

// Quantity converts a USDT stake into an order quantity: stake*leverage/price rounded down to
// the qty step and floored at the minimum order quantity.
func (i *Instrument) Quantity(stake, leverage, price float64) float64 {
	if price <= 0 {
		return 0
	}
	raw := decimal.NewFromFloat(stake).
		Mul(decimal.NewFromFloat(leverage)).
		Div(decimal.NewFromFloat(price))
	qty := RoundDown(raw, i.QtyStep)
	if qty < i.MinQty {
		qty = i.MinQty
	}
	return qty
}

// RoundPrice rounds a price to the nearest tick. A zero tick size leaves the price as is.
func (i *Instrument) RoundPrice(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	step := decimal.NewFromFloat(i.TickSize)
	f, _ := decimal.NewFromFloat(price).Div(step).Round(0).Mul(step).Float64()
	return f
}

// RoundDown truncates v to a whole multiple of step.
func RoundDown(v decimal.Decimal, step float64) float64 {
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// FormatQty renders a quantity without float noise, using the step's precision.
func FormatQty(qty, step float64) string {
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(qty).StringFixed(places)
}

// AddQty sums two quantities on the step grid without float drift.
func (i *Instrument) AddQty(a, b float64) float64 {
	return RoundDown(decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)), i.QtyStep)
}
