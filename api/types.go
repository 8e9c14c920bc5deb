package api

import (
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/shopspring/decimal"
)

// Decimals travel as JSON strings so no precision is lost on the way out.

type OpenPositionRequest struct {
	Symbol     string           `json:"symbol"`
	OrderType  string           `json:"order_type"`
	Volume     decimal.Decimal  `json:"volume"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

type Position struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	Symbol       string           `json:"symbol"`
	OrderType    string           `json:"order_type"`
	Volume       decimal.Decimal  `json:"volume"`
	OpenPrice    decimal.Decimal  `json:"open_price"`
	OpenTime     time.Time        `json:"open_time"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	ProfitLoss   decimal.Decimal  `json:"profit_loss"`
	Margin       decimal.Decimal  `json:"margin"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	Status       string           `json:"status"`
}

func positionOf(p broker.Position) Position {
	return Position{
		ID:           p.ID,
		AccountID:    p.AccountID,
		Symbol:       p.Symbol,
		OrderType:    string(p.OrderType),
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		OpenTime:     p.OpenTime,
		CurrentPrice: p.CurrentPrice,
		ProfitLoss:   p.ProfitLoss,
		Margin:       p.Margin,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		Status:       string(p.Status),
	}
}

type Account struct {
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	FloatingPnL decimal.Decimal `json:"floating_pnl"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Positions   []Position      `json:"positions"`
}

func accountOf(s broker.Snapshot) Account {
	a := Account{
		AccountID:   s.AccountID,
		Currency:    s.Currency,
		Balance:     s.Balance,
		Equity:      s.Equity,
		Margin:      s.Margin,
		FreeMargin:  s.FreeMargin,
		FloatingPnL: s.FloatingPnL,
		MarginLevel: s.MarginLevel,
		Positions:   make([]Position, 0, len(s.Positions)),
	}
	for _, p := range s.Positions {
		a.Positions = append(a.Positions, positionOf(p))
	}
	return a
}

type HistoryEntry struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	PositionID  string          `json:"position_id"`
	Type        string          `json:"type"`
	Symbol      string          `json:"symbol"`
	OrderType   string          `json:"order_type"`
	Volume      decimal.Decimal `json:"volume"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
	Time        time.Time       `json:"time"`
}

func historyOf(entries []broker.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			ID:          e.ID,
			AccountID:   e.AccountID,
			PositionID:  e.PositionID,
			Type:        string(e.Type),
			Symbol:      e.Symbol,
			OrderType:   string(e.OrderType),
			Volume:      e.Volume,
			Price:       e.Price,
			RealizedPnL: e.RealizedPnL,
			Reason:      e.Reason,
			Time:        e.Time,
		})
	}
	return out
}

type CloseResult struct {
	PositionID  string          `json:"position_id"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CloseTime   time.Time       `json:"close_time"`
	Reason      string          `json:"reason"`
}

func closeResultOf(r broker.CloseResult) CloseResult {
	return CloseResult{
		PositionID:  r.PositionID,
		AccountID:   r.AccountID,
		Symbol:      r.Symbol,
		ClosePrice:  r.ClosePrice,
		RealizedPnL: r.RealizedPnL,
		CloseTime:   r.CloseTime,
		Reason:      r.Reason,
	}
}

type CloseAllResponse struct {
	Closed []CloseResult `json:"closed"`
}

type ReconcileResponse struct {
	UpdatedPositionCount int `json:"updated_position_count"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
