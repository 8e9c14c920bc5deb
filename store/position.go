package store

import (
	"fmt"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/market"
	"github.com/rustyeddy/vledger/valuation"
	"github.com/shopspring/decimal"
)

// Validate checks the parts of req that need no price or account state.
func (s *Store) Validate(req broker.OpenRequest) (market.Instrument, error) {
	if !req.Volume.IsPositive() {
		return market.Instrument{}, fmt.Errorf("volume %s: %w", req.Volume, broker.ErrInvalidVolume)
	}
	if !req.OrderType.Valid() {
		return market.Instrument{}, fmt.Errorf("order type %q: %w", req.OrderType, broker.ErrInvalidOrderType)
	}
	inst, ok := s.registry.Lookup(req.Symbol)
	if !ok {
		return market.Instrument{}, fmt.Errorf("symbol %q: %w", req.Symbol, broker.ErrInvalidSymbol)
	}
	return inst, nil
}

// Create opens a position at price. The account must exist and have enough
// free margin to cover the position's requirement.
func (s *Store) Create(req broker.OpenRequest, price decimal.Decimal, at time.Time) (broker.Position, error) {
	inst, err := s.checkOpen(req, price)
	if err != nil {
		return broker.Position{}, err
	}
	b, err := s.book(req.AccountID)
	if err != nil {
		return broker.Position{}, err
	}
	return s.createIn(b, inst, req, price, at, nil)
}

// CreateFunded is Create for an account that may not exist yet. A missing
// account is created with balance, and only becomes visible if the position
// is committed; a rejected open leaves no account behind.
func (s *Store) CreateFunded(req broker.OpenRequest, price, balance decimal.Decimal, at time.Time) (broker.Position, error) {
	inst, err := s.checkOpen(req, price)
	if err != nil {
		return broker.Position{}, err
	}
	if req.AccountID == "" {
		return broker.Position{}, fmt.Errorf("empty account id: %w", broker.ErrAccountNotFound)
	}
	if b, err := s.book(req.AccountID); err == nil {
		return s.createIn(b, inst, req, price, at, nil)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if b, err := s.book(req.AccountID); err == nil {
		return s.createIn(b, inst, req, price, at, nil)
	}
	b := s.newBook(req.AccountID, "", balance)
	return s.createIn(b, inst, req, price, at, func() {
		s.mu.Lock()
		s.accounts[req.AccountID] = b
		s.mu.Unlock()
	})
}

func (s *Store) checkOpen(req broker.OpenRequest, price decimal.Decimal) (market.Instrument, error) {
	inst, err := s.Validate(req)
	if err != nil {
		return market.Instrument{}, err
	}
	if !price.IsPositive() {
		return market.Instrument{}, fmt.Errorf("%s price %s: %w", inst.Symbol, price, broker.ErrPriceUnavailable)
	}
	return inst, nil
}

// createIn commits the open into b. publish, if not nil, runs after the
// journal accepted the entry and before the position is indexed.
func (s *Store) createIn(b *book, inst market.Instrument, req broker.OpenRequest, price decimal.Decimal, at time.Time, publish func()) (broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	margin := valuation.Margin(req.Volume, price, inst.ContractMultiplier, inst.MarginRate)
	snap := valuation.Summarize(b.acct, b.openList())
	if margin.GreaterThan(snap.FreeMargin) {
		return broker.Position{}, fmt.Errorf("need %s, free %s: %w", margin, snap.FreeMargin, broker.ErrInsufficientMargin)
	}

	p := broker.Position{
		ID:           s.ids.Next(),
		AccountID:    req.AccountID,
		Symbol:       inst.Symbol,
		OrderType:    req.OrderType,
		Volume:       req.Volume,
		OpenPrice:    price,
		OpenTime:     at,
		Multiplier:   inst.ContractMultiplier,
		Margin:       margin,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		CurrentPrice: price,
		PriceTime:    at,
		ProfitLoss:   decimal.Zero,
		Status:       broker.StatusOpen,
	}
	p = p.Clone()

	entry := broker.HistoryEntry{
		ID:         s.ids.Next(),
		AccountID:  p.AccountID,
		PositionID: p.ID,
		Type:       broker.EntryOpen,
		Symbol:     p.Symbol,
		OrderType:  p.OrderType,
		Volume:     p.Volume,
		Price:      p.OpenPrice,
		Time:       at,
	}
	if err := s.journal.RecordHistory(entry); err != nil {
		return broker.Position{}, fmt.Errorf("open %s: %w", p.Symbol, err)
	}

	if publish != nil {
		publish()
	}
	b.open[p.ID] = &p
	b.acct.Margin = b.acct.Margin.Add(margin)
	b.history = append(b.history, entry)
	s.index(&p)

	return p.Clone(), nil
}

// UpdatePrice marks an open position at price and recomputes its P&L.
func (s *Store) UpdatePrice(positionID string, price decimal.Decimal, at time.Time) (broker.Position, error) {
	b, err := s.bookOf(positionID)
	if err != nil {
		return broker.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.lookupOpen(positionID)
	if err != nil {
		return broker.Position{}, err
	}
	*p = valuation.Revalue(*p, price)
	p.PriceTime = at
	return p.Clone(), nil
}

// Close closes a position at its current price. In one step under the
// account lock it marks the position closed, credits the realized P&L to
// the balance, releases the margin and appends the CLOSE entry. onClosed,
// if not nil, runs before the lock is released.
func (s *Store) Close(positionID string, at time.Time, reason string, onClosed func(broker.Position)) (broker.Position, error) {
	b, err := s.bookOf(positionID)
	if err != nil {
		return broker.Position{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.lookupOpen(positionID)
	if err != nil {
		return broker.Position{}, err
	}

	price := p.CurrentPrice
	realized := valuation.PositionPL(*p, price)

	entry := broker.HistoryEntry{
		ID:          s.ids.Next(),
		AccountID:   p.AccountID,
		PositionID:  p.ID,
		Type:        broker.EntryClose,
		Symbol:      p.Symbol,
		OrderType:   p.OrderType,
		Volume:      p.Volume,
		Price:       price,
		RealizedPnL: realized,
		Reason:      reason,
		Time:        at,
	}
	if err := s.journal.RecordHistory(entry); err != nil {
		return broker.Position{}, fmt.Errorf("close %s: %w", positionID, err)
	}

	p.Status = broker.StatusClosed
	p.ClosePrice = price
	p.CloseTime = at
	p.RealizedPnL = realized
	p.ProfitLoss = realized
	p.CloseReason = reason

	delete(b.open, p.ID)
	b.closed[p.ID] = p
	b.acct.Balance = b.acct.Balance.Add(realized)
	b.acct.Margin = b.acct.Margin.Sub(p.Margin)
	b.history = append(b.history, entry)
	s.unindex(p)

	closed := p.Clone()
	if onClosed != nil {
		onClosed(closed)
	}
	return closed, nil
}

func (b *book) lookupOpen(positionID string) (*broker.Position, error) {
	if p, ok := b.open[positionID]; ok {
		return p, nil
	}
	if _, ok := b.closed[positionID]; ok {
		return nil, fmt.Errorf("position %q: %w", positionID, broker.ErrAlreadyClosed)
	}
	return nil, fmt.Errorf("position %q: %w", positionID, broker.ErrNotFound)
}
