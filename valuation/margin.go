package valuation

import (
	"github.com/rustyeddy/vledger/broker"
	"github.com/shopspring/decimal"
)

// Margin is the amount reserved for a position: a fixed fraction (rate) of
// its notional, volume * price * multiplier.
func Margin(volume, price, multiplier, rate decimal.Decimal) decimal.Decimal {
	return volume.Abs().Mul(price).Mul(multiplier).Mul(rate)
}

func FreeMargin(equity, margin decimal.Decimal) decimal.Decimal {
	return equity.Sub(margin)
}

// MaxMarginLevel caps MarginLevel for accounts with tiny reservations.
var MaxMarginLevel = decimal.NewFromInt(10000)

// MarginLevel is equity as a percentage of margin, capped at
// MaxMarginLevel, or zero when nothing is reserved.
func MarginLevel(equity, margin decimal.Decimal) decimal.Decimal {
	if !margin.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(equity.Mul(decimal.NewFromInt(100)).DivRound(margin, 8), MaxMarginLevel)
}

// Summarize derives every aggregate figure of acct from its open positions.
func Summarize(acct broker.Account, open []broker.Position) broker.Snapshot {
	floating := FloatingPnL(open)
	equity := acct.Balance.Add(floating)
	return broker.Snapshot{
		AccountID:   acct.ID,
		Currency:    acct.Currency,
		Balance:     acct.Balance,
		Equity:      equity,
		Margin:      acct.Margin,
		FreeMargin:  FreeMargin(equity, acct.Margin),
		FloatingPnL: floating,
		MarginLevel: MarginLevel(equity, acct.Margin),
		Positions:   open,
	}
}
