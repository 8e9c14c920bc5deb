// Package journal is the durable sink for ledger history. The store writes
// every history entry here before it changes any in-memory state, so a
// failed write aborts the operation that produced it.
package journal

import (
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/shopspring/decimal"
)

type EquitySnapshot struct {
	AccountID   string
	Time        time.Time
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	Margin      decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal
}

// SnapshotOf converts an account snapshot into a journal row.
func SnapshotOf(s broker.Snapshot, at time.Time) EquitySnapshot {
	return EquitySnapshot{
		AccountID:   s.AccountID,
		Time:        at,
		Balance:     s.Balance,
		Equity:      s.Equity,
		Margin:      s.Margin,
		FreeMargin:  s.FreeMargin,
		MarginLevel: s.MarginLevel,
	}
}

type Journal interface {
	RecordHistory(broker.HistoryEntry) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordHistory(broker.HistoryEntry) error { return nil }
func (Nop) RecordEquity(EquitySnapshot) error       { return nil }
func (Nop) Close() error                            { return nil }
