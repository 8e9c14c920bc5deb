package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/market"
)

// ApplyPriceUpdate marks every open position on t.Symbol at t and closes
// those whose stop loss or take profit it crosses. It returns how many
// positions were updated. Ticks not newer than the last one applied for
// the symbol are ignored.
func (s *Service) ApplyPriceUpdate(ctx context.Context, t market.Tick) (int, error) {
	start := time.Now()
	t.Symbol = market.Normalize(t.Symbol)
	if !t.Valid() {
		s.metrics.ObservePriceUpdate("invalid", 0)
		return 0, fmt.Errorf("apply price update %q: bad quote: %w", t.Symbol, broker.ErrPriceUnavailable)
	}

	unlock := s.symbols.lock(t.Symbol)
	if !s.advance(t) {
		unlock()
		s.metrics.ObservePriceUpdate("stale", 0)
		s.log.Debug("stale tick ignored", "symbol", t.Symbol, "seq", t.Seq)
		return 0, nil
	}
	n, closed, err := s.applyLocked(t)
	unlock()

	s.afterClose(ctx, t.Symbol, closed)
	s.metrics.ObservePriceUpdate("applied", time.Since(start))
	s.log.Debug("price applied", "symbol", t.Symbol, "seq", t.Seq, "positions", n)
	if err != nil {
		return n, fmt.Errorf("apply price update %s: %w", t.Symbol, err)
	}
	return n, nil
}

// applyLocked marks every open position on t.Symbol. The caller holds the
// symbol lock and has already advanced the symbol to t.
func (s *Service) applyLocked(t market.Tick) (int, []broker.Position, error) {
	at := s.tickTime(t)

	var (
		n      int
		errs   []error
		closed []broker.Position
	)
	for _, id := range s.store.OpenBySymbol(t.Symbol) {
		p, err := s.mark(id, t, at)
		if errors.Is(err, broker.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++

		reason := ""
		switch {
		case p.StopLossHit(p.CurrentPrice):
			reason = broker.ReasonStopLoss
		case p.TakeProfitHit(p.CurrentPrice):
			reason = broker.ReasonTakeProfit
		}
		if reason == "" {
			continue
		}
		c, err := s.store.Close(id, at, reason, s.onClosed)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto close %s: %w", id, err))
			continue
		}
		closed = append(closed, c)
	}
	return n, closed, errors.Join(errs...)
}

// mark re-values one open position at t on the side its direction is
// marked on.
func (s *Service) mark(positionID string, t market.Tick, at time.Time) (broker.Position, error) {
	p, err := s.store.Position(positionID)
	if err != nil {
		return broker.Position{}, err
	}
	if !p.IsOpen() {
		return broker.Position{}, fmt.Errorf("position %q: %w", positionID, broker.ErrAlreadyClosed)
	}
	return s.store.UpdatePrice(positionID, s.opts.Convention.MarkPrice(p.OrderType, t), at)
}

func (s *Service) afterClose(ctx context.Context, symbol string, closed []broker.Position) {
	if len(closed) == 0 {
		return
	}
	s.flush(ctx, symbol)
	for _, c := range closed {
		s.closed(c)
	}
}

func (s *Service) tickTime(t market.Tick) time.Time {
	if t.Time.IsZero() {
		return s.opts.Now()
	}
	return t.Time
}

// advance records t as the last applied tick for its symbol if it is newer
// than the current one. The caller holds the symbol lock.
func (s *Service) advance(t market.Tick) bool {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()

	if last, ok := s.applied[t.Symbol]; ok && !t.After(last) {
		return false
	}
	s.applied[t.Symbol] = t
	return true
}

// Reconcile re-marks every open position of the account from the feed's
// latest prices, overwriting whatever was cached. It only reads the feed's
// snapshot, so running it twice without new ticks changes nothing the
// second time. It returns the number of positions re-marked.
func (s *Service) Reconcile(ctx context.Context, accountID string) (n int, err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.IncReconcile(status)
	}()

	open, err := s.store.Open(accountID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	bySymbol := make(map[string][]string)
	var symbols []string
	for _, p := range open {
		if _, ok := bySymbol[p.Symbol]; !ok {
			symbols = append(symbols, p.Symbol)
		}
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p.ID)
	}

	var errs []error
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return n, fmt.Errorf("reconcile: %w", err)
		}
		m, err := s.reconcileSymbol(ctx, sym, bySymbol[sym])
		n += m
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.log.Info("account reconciled", "account_id", accountID, "positions", n)
	if err := errors.Join(errs...); err != nil {
		return n, fmt.Errorf("reconcile: %w", err)
	}
	return n, nil
}

// reconcileSymbol re-marks ids at the feed's latest price for symbol. If
// that price was never applied (its event was missed or is still queued)
// it is applied to the whole symbol first, so no position anywhere is
// later moved back to an older tick.
func (s *Service) reconcileSymbol(ctx context.Context, symbol string, ids []string) (int, error) {
	t, ok := s.feed.Latest(symbol)
	if !ok || !t.Valid() {
		s.log.Warn("reconcile: no price", "symbol", symbol)
		return 0, nil
	}

	unlock := s.symbols.lock(symbol)
	var (
		errs   []error
		closed []broker.Position
	)
	if s.advance(t) {
		_, c, err := s.applyLocked(t)
		closed = c
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		// The feed's snapshot can only be at or behind what was applied.
		s.appliedMu.Lock()
		t = s.applied[symbol]
		s.appliedMu.Unlock()
	}

	at := s.tickTime(t)
	n := 0
	for _, id := range ids {
		_, err := s.mark(id, t, at)
		if errors.Is(err, broker.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	unlock()

	s.afterClose(ctx, symbol, closed)
	return n, errors.Join(errs...)
}

// ReconcileAll reconciles every account and returns the total number of
// positions re-marked.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, id := range s.store.Accounts() {
		n, err := s.Reconcile(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
		}
	}
	return total, errors.Join(errs...)
}
