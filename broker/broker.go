package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
)

// Ledger is what the engine exposes to its callers.
type Ledger interface {
	OpenPosition(ctx context.Context, req OpenRequest) (Position, error)
	ClosePosition(ctx context.Context, positionID string) (CloseResult, error)
	CloseAll(ctx context.Context, accountID string) ([]CloseResult, error)
	Snapshot(ctx context.Context, accountID string) (Snapshot, error)
	History(ctx context.Context, accountID string) ([]HistoryEntry, error)
	Reconcile(ctx context.Context, accountID string) (int, error)
}

// Account holds only stored state; equity and free margin are derived from
// the open positions whenever a Snapshot is taken.
type Account struct {
	ID        string
	Currency  string
	Balance   decimal.Decimal
	Margin    decimal.Decimal
	CreatedAt time.Time
}

type OpenRequest struct {
	AccountID  string
	Symbol     string
	OrderType  market.Side
	Volume     decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

type CloseResult struct {
	PositionID  string
	AccountID   string
	Symbol      string
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	CloseTime   time.Time
	Reason      string
}

type Snapshot struct {
	AccountID   string
	Currency    string
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	Margin      decimal.Decimal
	FreeMargin  decimal.Decimal
	FloatingPnL decimal.Decimal
	MarginLevel decimal.Decimal
	Positions   []Position
}
