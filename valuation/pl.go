// Package valuation prices positions and accounts. Everything here is a pure
// function of its arguments.
package valuation

import (
	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
)

// ProfitLoss is (current-open) for a long and (open-current) for a short,
// scaled by volume and the instrument's contract multiplier.
func ProfitLoss(side market.Side, open, current, volume, multiplier decimal.Decimal) decimal.Decimal {
	diff := current.Sub(open)
	if side == market.Sell {
		diff = open.Sub(current)
	}
	return diff.Mul(volume).Mul(multiplier)
}

// PositionPL values p at price.
func PositionPL(p broker.Position, price decimal.Decimal) decimal.Decimal {
	return ProfitLoss(p.OrderType, p.OpenPrice, price, p.Volume, p.Multiplier)
}

// Revalue returns p marked at price with its profit/loss recomputed.
func Revalue(p broker.Position, price decimal.Decimal) broker.Position {
	p.CurrentPrice = price
	p.ProfitLoss = PositionPL(p, price)
	return p
}

// FloatingPnL sums profit/loss over the open positions in ps. Decimal
// addition is exact, so the result does not depend on iteration order.
func FloatingPnL(ps []broker.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range ps {
		if !p.IsOpen() {
			continue
		}
		sum = sum.Add(p.ProfitLoss)
	}
	return sum
}

func Equity(balance decimal.Decimal, ps []broker.Position) decimal.Decimal {
	return balance.Add(FloatingPnL(ps))
}
