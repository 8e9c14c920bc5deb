package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type BA struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Tick is one bid/ask quote for a symbol. Seq is assigned by the TickStore
// that accepted the tick and increases in arrival order per symbol.
type Tick struct {
	Symbol string
	Time   time.Time
	Seq    uint64
	BA
}

var two = decimal.NewFromInt(2)

func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(two)
}

func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// Valid reports whether the tick carries a usable quote.
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.Bid.IsPositive() && t.Ask.IsPositive() && !t.Ask.LessThan(t.Bid)
}

// After reports whether t is newer than prev. A tick with a sequence number
// is ordered by sequence; otherwise by time.
func (t Tick) After(prev Tick) bool {
	if t.Seq != 0 && prev.Seq != 0 {
		return t.Seq > prev.Seq
	}
	return !t.Time.Before(prev.Time)
}

// TickStore holds the latest accepted tick per symbol. Older ticks never
// replace newer ones.
type TickStore struct {
	mu      sync.RWMutex
	ticks   map[string]Tick
	seq     map[string]uint64
	waiters map[string]chan struct{}
}

func NewTickStore() *TickStore {
	return &TickStore{
		ticks:   make(map[string]Tick),
		seq:     make(map[string]uint64),
		waiters: make(map[string]chan struct{}),
	}
}

// Set stores p if it is not older than the current tick for its symbol and
// returns the stored tick with its sequence number assigned.
func (ts *TickStore) Set(p Tick) (Tick, bool) {
	p.Symbol = Normalize(p.Symbol)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if cur, ok := ts.ticks[p.Symbol]; ok && p.Time.Before(cur.Time) {
		return cur, false
	}

	ts.seq[p.Symbol]++
	p.Seq = ts.seq[p.Symbol]
	ts.ticks[p.Symbol] = p

	if ch, ok := ts.waiters[p.Symbol]; ok {
		close(ch)
		delete(ts.waiters, p.Symbol)
	}
	return p, true
}

func (ts *TickStore) Get(symbol string) (Tick, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	p, ok := ts.ticks[Normalize(symbol)]
	return p, ok
}

// Delete forgets the latest tick for symbol. The sequence counter is kept so
// ticks stored later still order after everything seen before.
func (ts *TickStore) Delete(symbol string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.ticks, Normalize(symbol))
}

// Wait returns the latest tick for symbol, blocking until one arrives or ctx
// is done.
func (ts *TickStore) Wait(ctx context.Context, symbol string) (Tick, error) {
	symbol = Normalize(symbol)
	for {
		ts.mu.Lock()
		if p, ok := ts.ticks[symbol]; ok {
			ts.mu.Unlock()
			return p, nil
		}
		ch, ok := ts.waiters[symbol]
		if !ok {
			ch = make(chan struct{})
			ts.waiters[symbol] = ch
		}
		ts.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Tick{}, ctx.Err()
		}
	}
}

// Symbols returns the symbols with a stored tick.
func (ts *TickStore) Symbols() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.ticks))
	for s := range ts.ticks {
		out = append(out, s)
	}
	return out
}
