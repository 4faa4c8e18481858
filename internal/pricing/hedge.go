package pricing

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// LayStake sizes the hedge leg so the position is balanced regardless of
// outcome: backStake × backPrice / layPrice, rounded to 2 dp, floored at
// zero.
func LayStake(backStake, backPrice, layPrice decimal.Decimal) decimal.Decimal {
	if !layPrice.GreaterThan(one) {
		return decimal.Zero
	}
	stake := backStake.Mul(backPrice).Div(layPrice).Round(2)
	if stake.IsNegative() {
		return decimal.Zero
	}
	return stake
}

// BlendedPrice is the size-weighted average price of two fills, rounded
// to 2 dp. A zero-size side contributes nothing.
func BlendedPrice(priceA, sizeA, priceB, sizeB decimal.Decimal) decimal.Decimal {
	total := sizeA.Add(sizeB)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return priceA.Mul(sizeA).Add(priceB.Mul(sizeB)).Div(total).Round(2)
}

// HedgedPnL computes the realized P&L of a fully hedged position: the
// minimum of the profit if the backed outcome occurs and the profit if
// it does not. Commission applies only when that minimum is non-negative
// (the exchange takes no commission on a net loss).
func HedgedPnL(backStake, backPrice, layStake, layPrice, commission decimal.Decimal) decimal.Decimal {
	ifOccurs := backStake.Mul(backPrice.Sub(one)).Sub(layStake.Mul(layPrice.Sub(one)))
	ifNot := layStake.Sub(backStake)

	pnl := decimal.Min(ifOccurs, ifNot)
	if pnl.Sign() >= 0 {
		pnl = pnl.Mul(one.Sub(commission))
	}
	return pnl.Round(2)
}
