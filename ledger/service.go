// Package ledger orchestrates the store, the valuation rules and the price
// feed into the operations callers see.
//
// Locks are always taken in the same order: symbol, then account (inside
// the store), then the subscription counts. Work on one symbol is fully
// serialised; different symbols and different accounts proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/market"
	"github.com/rustyeddy/vledger/store"
	"github.com/shopspring/decimal"
)

type Options struct {
	// DefaultBalance funds accounts created on their first open.
	DefaultBalance decimal.Decimal
	// PriceTimeout bounds how long an open waits for the feed, both to
	// subscribe and to deliver a first price.
	PriceTimeout time.Duration
	// UnsubscribeTimeout bounds a feed unsubscribe after the last
	// reference to a symbol goes away.
	UnsubscribeTimeout time.Duration
	Convention   market.QuoteConvention
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.DefaultBalance.IsZero() {
		o.DefaultBalance = decimal.NewFromInt(1000)
	}
	if o.PriceTimeout <= 0 {
		o.PriceTimeout = 5 * time.Second
	}
	if o.UnsubscribeTimeout <= 0 {
		o.UnsubscribeTimeout = 2 * time.Second
	}
	if o.Convention == "" {
		o.Convention = market.CloseSide
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Service struct {
	store   *store.Store
	feed    feed.Feed
	opts    Options
	log     *slog.Logger
	metrics *Metrics

	symbols symbolLocks
	subs    *subscriptions

	// applied is the last tick applied per symbol. Entries are only read
	// or written while holding that symbol's lock.
	appliedMu sync.Mutex
	applied   map[string]market.Tick
}

var _ broker.Ledger = (*Service)(nil)

// New wires a ledger to st and f and registers it for f's price events.
// metrics may be nil.
func New(st *store.Store, f feed.Feed, opts Options, logger *slog.Logger, metrics *Metrics) *Service {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   st,
		feed:    f,
		opts:    opts,
		log:     logger,
		metrics: metrics,
		subs:    newSubscriptions(f, logger, metrics),
		applied: make(map[string]market.Tick),
	}
	f.OnPrice(s.onPrice)
	return s
}

func (s *Service) onPrice(t market.Tick) {
	if _, err := s.ApplyPriceUpdate(context.Background(), t); err != nil {
		s.log.Error("apply price update", "symbol", t.Symbol, "error", err)
	}
}

// OpenPosition opens a position at the current price for req.Symbol,
// waiting up to PriceTimeout for the feed. Unknown accounts are created
// with DefaultBalance when the position commits. Any failure leaves no
// trace.
func (s *Service) OpenPosition(ctx context.Context, req broker.OpenRequest) (pos broker.Position, err error) {
	defer func() {
		if err != nil {
			s.metrics.IncOpen(string(broker.Kind(err)))
			return
		}
		s.metrics.IncOpen("success")
	}()

	inst, err := s.store.Validate(req)
	if err != nil {
		return broker.Position{}, fmt.Errorf("open position: %w", err)
	}
	if req.AccountID == "" {
		return broker.Position{}, fmt.Errorf("open position: %w", broker.ErrAccountNotFound)
	}
	req.Symbol = inst.Symbol

	wctx, cancel := context.WithTimeout(ctx, s.opts.PriceTimeout)
	defer cancel()

	if err := s.subs.acquire(wctx, inst.Symbol); err != nil {
		return broker.Position{}, fmt.Errorf("open position: subscribe %s: %w: %w", inst.Symbol, broker.ErrPriceUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			s.subs.release(inst.Symbol)
			s.flush(ctx, inst.Symbol)
		}
	}()

	tick, err := s.feed.Wait(wctx, inst.Symbol)
	cancel()
	if err != nil {
		return broker.Position{}, fmt.Errorf("open position: %s: %w: %w", inst.Symbol, broker.ErrPriceUnavailable, err)
	}

	unlock := s.symbols.lock(inst.Symbol)
	defer unlock()

	if latest, ok := s.feed.Latest(inst.Symbol); ok {
		tick = latest
	}
	if !tick.Valid() {
		return broker.Position{}, fmt.Errorf("open position: %s has no usable quote: %w", inst.Symbol, broker.ErrPriceUnavailable)
	}

	price := s.opts.Convention.EntryPrice(req.OrderType, tick)
	pos, err = s.store.CreateFunded(req, price, s.opts.DefaultBalance, s.opts.Now())
	if err != nil {
		return broker.Position{}, fmt.Errorf("open position: %w", err)
	}
	committed = true

	s.log.Info("position opened",
		"account_id", pos.AccountID,
		"position_id", pos.ID,
		"symbol", pos.Symbol,
		"order_type", pos.OrderType,
		"volume", pos.Volume.String(),
		"price", pos.OpenPrice.String(),
	)
	return pos, nil
}

// flush drops the feed subscription for symbol if nothing needs it. It
// outlives ctx's cancellation but not UnsubscribeTimeout.
func (s *Service) flush(ctx context.Context, symbol string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.UnsubscribeTimeout)
	defer cancel()
	s.subs.flush(fctx, symbol)
}

// flushIdle retries unsubscribes that failed or timed out earlier.
func (s *Service) flushIdle(ctx context.Context) {
	for _, sym := range s.subs.idle() {
		s.flush(ctx, sym)
	}
}

// onClosed runs inside the store's close transaction. It only counts.
func (s *Service) onClosed(p broker.Position) {
	s.subs.release(p.Symbol)
}

// ClosePosition closes a position at its current price and credits the
// realized P&L to its account.
func (s *Service) ClosePosition(ctx context.Context, positionID string) (broker.CloseResult, error) {
	res, err := s.closePosition(ctx, positionID, broker.ReasonManual)
	if err != nil {
		return broker.CloseResult{}, fmt.Errorf("close position: %w", err)
	}
	return res, nil
}

func (s *Service) closePosition(ctx context.Context, positionID, reason string) (broker.CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.CloseResult{}, err
	}
	p, err := s.store.Position(positionID)
	if err != nil {
		return broker.CloseResult{}, err
	}
	if !p.IsOpen() {
		return broker.CloseResult{}, fmt.Errorf("position %q: %w", positionID, broker.ErrAlreadyClosed)
	}

	unlock := s.symbols.lock(p.Symbol)
	closed, err := s.store.Close(positionID, s.opts.Now(), reason, s.onClosed)
	unlock()
	if err != nil {
		return broker.CloseResult{}, err
	}
	s.flush(ctx, closed.Symbol)
	s.closed(closed)
	return resultOf(closed), nil
}

func (s *Service) closed(p broker.Position) {
	s.metrics.IncClose(p.CloseReason)
	s.log.Info("position closed",
		"account_id", p.AccountID,
		"position_id", p.ID,
		"symbol", p.Symbol,
		"reason", p.CloseReason,
		"price", p.ClosePrice.String(),
		"realized_pnl", p.RealizedPnL.String(),
	)
}

func resultOf(p broker.Position) broker.CloseResult {
	return broker.CloseResult{
		PositionID:  p.ID,
		AccountID:   p.AccountID,
		Symbol:      p.Symbol,
		ClosePrice:  p.ClosePrice,
		RealizedPnL: p.RealizedPnL,
		CloseTime:   p.CloseTime,
		Reason:      p.CloseReason,
	}
}

// CloseAll closes every open position of the account. Positions closed
// concurrently by someone else are skipped.
func (s *Service) CloseAll(ctx context.Context, accountID string) ([]broker.CloseResult, error) {
	open, err := s.store.Open(accountID)
	if err != nil {
		return nil, fmt.Errorf("close all: %w", err)
	}

	var (
		out  []broker.CloseResult
		errs []error
	)
	for _, p := range open {
		res, err := s.closePosition(ctx, p.ID, broker.ReasonCloseAll)
		switch {
		case err == nil:
			out = append(out, res)
		case errors.Is(err, broker.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("position %s: %w", p.ID, err))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	if err := errors.Join(errs...); err != nil {
		return out, fmt.Errorf("close all: %w", err)
	}
	return out, nil
}

// Snapshot reads the account from the store only; it never waits on the
// feed.
func (s *Service) Snapshot(_ context.Context, accountID string) (broker.Snapshot, error) {
	snap, err := s.store.Snapshot(accountID)
	if err != nil {
		return broker.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) History(_ context.Context, accountID string) ([]broker.HistoryEntry, error) {
	h, err := s.store.History(accountID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return h, nil
}

// RefCount is the number of open positions plus in-flight opens holding
// symbol's subscription.
func (s *Service) RefCount(symbol string) int {
	return s.subs.refCount(market.Normalize(symbol))
}

// Subscriptions returns the symbols the ledger is subscribed to.
func (s *Service) Subscriptions() []string {
	return s.subs.symbols()
}
