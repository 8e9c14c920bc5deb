package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown order type %q (want BUY|SELL)", s)
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign is +1 for Buy and -1 for Sell.
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// QuoteConvention decides which side of the quote a position is opened and
// marked at.
type QuoteConvention string

const (
	// CloseSide opens longs on the ask and marks them on the bid; shorts the
	// other way round. A position can always be closed at its mark.
	CloseSide QuoteConvention = "close-side"
	// OpenSide marks a position on the same side it was opened on, so a
	// fresh position shows no spread loss.
	OpenSide QuoteConvention = "open-side"
)

func ParseConvention(s string) (QuoteConvention, error) {
	switch QuoteConvention(strings.ToLower(strings.TrimSpace(s))) {
	case "", CloseSide:
		return CloseSide, nil
	case OpenSide:
		return OpenSide, nil
	}
	return "", fmt.Errorf("unknown quote convention %q (want close-side|open-side)", s)
}

// EntryPrice is the price a new position on side fills at.
func (c QuoteConvention) EntryPrice(side Side, t Tick) decimal.Decimal {
	if side == Sell {
		return t.Bid
	}
	return t.Ask
}

// MarkPrice is the price an open position on side is valued and closed at.
func (c QuoteConvention) MarkPrice(side Side, t Tick) decimal.Decimal {
	if c == OpenSide {
		return c.EntryPrice(side, t)
	}
	if side == Sell {
		return t.Ask
	}
	return t.Bid
}
