package broker

import (
	"time"

	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is a single simulated trade. ProfitLoss is a cache of the
// valuation of CurrentPrice and is only ever written together with it.
type Position struct {
	ID        string
	AccountID string
	Symbol    string
	OrderType market.Side
	Volume    decimal.Decimal
	OpenPrice decimal.Decimal
	OpenTime  time.Time

	// Contract multiplier and margin captured at open.
	Multiplier decimal.Decimal
	Margin     decimal.Decimal

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	CurrentPrice decimal.Decimal
	PriceTime    time.Time
	ProfitLoss   decimal.Decimal

	Status      Status
	ClosePrice  decimal.Decimal
	CloseTime   time.Time
	RealizedPnL decimal.Decimal
	CloseReason string
}

func (p Position) IsOpen() bool { return p.Status == StatusOpen }

// StopLossHit reports whether mark crosses the stop loss.
// Longs stop out at or below, shorts at or above.
func (p Position) StopLossHit(mark decimal.Decimal) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.OrderType == market.Buy {
		return mark.LessThanOrEqual(*p.StopLoss)
	}
	return mark.GreaterThanOrEqual(*p.StopLoss)
}

func (p Position) TakeProfitHit(mark decimal.Decimal) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.OrderType == market.Buy {
		return mark.GreaterThanOrEqual(*p.TakeProfit)
	}
	return mark.LessThanOrEqual(*p.TakeProfit)
}

// Clone returns a copy that shares no pointers with p.
func (p Position) Clone() Position {
	if p.StopLoss != nil {
		v := *p.StopLoss
		p.StopLoss = &v
	}
	if p.TakeProfit != nil {
		v := *p.TakeProfit
		p.TakeProfit = &v
	}
	return p
}

type EntryType string

const (
	EntryOpen  EntryType = "OPEN"
	EntryClose EntryType = "CLOSE"
)

// HistoryEntry is an append-only record of a position opening or closing.
type HistoryEntry struct {
	ID          string
	AccountID   string
	PositionID  string
	Type        EntryType
	Symbol      string
	OrderType   market.Side
	Volume      decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
	Time        time.Time
}

// Close reasons.
const (
	ReasonManual     = "ManualClose"
	ReasonCloseAll   = "CloseAll"
	ReasonStopLoss   = "StopLoss"
	ReasonTakeProfit = "TakeProfit"
)
