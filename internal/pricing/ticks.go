// Package pricing holds the exact-arithmetic helpers: the exchange price
// ladder and the lay-stake / hedged P&L calculations.
package pricing

import "github.com/shopspring/decimal"

// The exchange price ladder. The minimum increment shrinks near 1.0 and
// grows at high prices; every band is [min, max) with a fixed step.
type band struct {
	min, max, step decimal.Decimal
}

var ladder = []band{
	{decimal.NewFromFloat(1.01), decimal.NewFromInt(2), decimal.NewFromFloat(0.01)},
	{decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromFloat(0.02)},
	{decimal.NewFromInt(3), decimal.NewFromInt(4), decimal.NewFromFloat(0.05)},
	{decimal.NewFromInt(4), decimal.NewFromInt(6), decimal.NewFromFloat(0.1)},
	{decimal.NewFromInt(6), decimal.NewFromInt(10), decimal.NewFromFloat(0.2)},
	{decimal.NewFromInt(10), decimal.NewFromInt(20), decimal.NewFromFloat(0.5)},
	{decimal.NewFromInt(20), decimal.NewFromInt(30), decimal.NewFromInt(1)},
	{decimal.NewFromInt(30), decimal.NewFromInt(50), decimal.NewFromInt(2)},
	{decimal.NewFromInt(50), decimal.NewFromInt(100), decimal.NewFromInt(5)},
	{decimal.NewFromInt(100), decimal.NewFromInt(1000), decimal.NewFromInt(10)},
}

var (
	minPrice = decimal.NewFromFloat(1.01)
	maxPrice = decimal.NewFromInt(1000)
)

// SnapDown rounds a price to the nearest valid tick at or below it.
// Rounding an already-valid price returns it unchanged.
func SnapDown(price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(minPrice) {
		return minPrice
	}
	if price.GreaterThanOrEqual(maxPrice) {
		return maxPrice
	}
	for _, b := range ladder {
		if price.GreaterThanOrEqual(b.min) && price.LessThan(b.max) {
			steps := price.Sub(b.min).Div(b.step).Floor()
			return b.min.Add(steps.Mul(b.step))
		}
	}
	return maxPrice
}

// bandAt returns the ladder band containing price, price assumed valid.
// A price sitting exactly on a band boundary belongs to the upper band.
func bandAt(price decimal.Decimal) band {
	for _, b := range ladder {
		if price.GreaterThanOrEqual(b.min) && price.LessThan(b.max) {
			return b
		}
	}
	return ladder[len(ladder)-1]
}

// TickAbove returns the next valid price above, walking the ladder
// band-by-band rather than applying a constant increment.
func TickAbove(price decimal.Decimal) decimal.Decimal {
	p := SnapDown(price)
	if p.GreaterThanOrEqual(maxPrice) {
		return maxPrice
	}
	return p.Add(bandAt(p).step)
}

// TickBelow returns the next valid price below.
func TickBelow(price decimal.Decimal) decimal.Decimal {
	p := SnapDown(price)
	if !p.Equal(price) {
		// price sat between ticks; snapping down already moved it below
		return p
	}
	if p.LessThanOrEqual(minPrice) {
		return minPrice
	}
	for _, b := range ladder {
		if p.Equal(b.min) {
			// stepping off the bottom of a band uses the band below
			return p.Sub(bandBelow(b).step)
		}
	}
	return p.Sub(bandAt(p).step)
}

func bandBelow(b band) band {
	for i := range ladder {
		if ladder[i].min.Equal(b.min) && i > 0 {
			return ladder[i-1]
		}
	}
	return ladder[0]
}

// TicksAbove walks n ticks up the ladder.
func TicksAbove(price decimal.Decimal, n int) decimal.Decimal {
	p := SnapDown(price)
	for i := 0; i < n; i++ {
		p = TickAbove(p)
	}
	return p
}

// TicksBelow walks n ticks down the ladder.
func TicksBelow(price decimal.Decimal, n int) decimal.Decimal {
	p := SnapDown(price)
	for i := 0; i < n; i++ {
		p = TickBelow(p)
	}
	return p
}

// SpreadWithinOneTick reports whether the back/lay spread is one ladder
// tick or narrower.
func SpreadWithinOneTick(backPrice, layPrice decimal.Decimal) bool {
	if !backPrice.IsPositive() || !layPrice.IsPositive() {
		return false
	}
	return layPrice.LessThanOrEqual(TickAbove(backPrice))
}

// Mid returns the arithmetic mid of the two-sided spread snapped down to
// a valid tick.
func Mid(backPrice, layPrice decimal.Decimal) decimal.Decimal {
	return SnapDown(backPrice.Add(layPrice).Div(decimal.NewFromInt(2)))
}
