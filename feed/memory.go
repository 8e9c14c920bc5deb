package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rustyeddy/vledger/market"
)

// Memory is a feed whose prices are pushed in by Publish. It backs tests,
// the demo and CSV replays.
type Memory struct {
	ticks *market.TickStore
	log   *slog.Logger

	mu       sync.RWMutex
	subs     map[string]struct{}
	handlers []Handler
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		ticks: market.NewTickStore(),
		log:   logger,
		subs:  make(map[string]struct{}),
	}
}

func (m *Memory) Subscribe(_ context.Context, symbol string) error {
	symbol = market.Normalize(symbol)
	m.mu.Lock()
	m.subs[symbol] = struct{}{}
	m.mu.Unlock()
	m.log.Debug("feed subscribe", "symbol", symbol)
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, symbol string) error {
	symbol = market.Normalize(symbol)
	m.mu.Lock()
	delete(m.subs, symbol)
	m.mu.Unlock()
	m.log.Debug("feed unsubscribe", "symbol", symbol)
	return nil
}

func (m *Memory) Subscribed(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[market.Normalize(symbol)]
	return ok
}

// Subscriptions returns the subscribed symbols in sorted order.
func (m *Memory) Subscriptions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Latest(symbol string) (market.Tick, bool) {
	return m.ticks.Get(symbol)
}

func (m *Memory) Wait(ctx context.Context, symbol string) (market.Tick, error) {
	return m.ticks.Wait(ctx, symbol)
}

func (m *Memory) OnPrice(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Publish stores t as the latest price for its symbol and, if the symbol is
// subscribed, hands it to every handler. Ticks older than the stored one are
// dropped and reported as not accepted.
func (m *Memory) Publish(t market.Tick) (market.Tick, bool) {
	stored, ok := m.ticks.Set(t)
	if !ok {
		m.log.Debug("feed drop stale tick", "symbol", stored.Symbol, "time", t.Time)
		return stored, false
	}

	m.mu.RLock()
	_, sub := m.subs[stored.Symbol]
	hs := make([]Handler, len(m.handlers))
	copy(hs, m.handlers)
	m.mu.RUnlock()

	if sub {
		for _, h := range hs {
			h(stored)
		}
	}
	return stored, true
}
