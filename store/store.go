// Package store is the single source of truth for accounts, positions and
// history. Each account has its own lock, so unrelated accounts never wait
// on each other. Every mutation is written to the journal before it is
// applied in memory: if the journal refuses it, nothing changes.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/id"
	"github.com/rustyeddy/vledger/journal"
	"github.com/rustyeddy/vledger/market"
	"github.com/rustyeddy/vledger/valuation"
	"github.com/shopspring/decimal"
)

type book struct {
	mu      sync.Mutex
	acct    broker.Account
	open    map[string]*broker.Position
	closed  map[string]*broker.Position
	history []broker.HistoryEntry
}

func (b *book) openList() []broker.Position {
	out := make([]broker.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []broker.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

type Store struct {
	registry *market.Registry
	journal  journal.Journal
	ids      *id.Source
	now      func() time.Time
	currency string

	// createMu serialises account creation. It is taken before any book or
	// mu, and only by paths that may create an account.
	createMu sync.Mutex

	// mu guards the maps below, never the books themselves. It may be taken
	// while a book is locked, never the other way round.
	mu        sync.RWMutex
	accounts  map[string]*book
	positions map[string]string
	bySymbol  map[string]map[string]struct{}
}

type Option func(*Store)

func WithIDs(src *id.Source) Option {
	return func(s *Store) { s.ids = src }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCurrency sets the currency of accounts created without one.
func WithCurrency(c string) Option {
	return func(s *Store) { s.currency = c }
}

// New returns an empty store. A nil journal discards history.
func New(registry *market.Registry, j journal.Journal, opts ...Option) *Store {
	if registry == nil {
		registry = market.DefaultRegistry()
	}
	if j == nil {
		j = journal.Nop{}
	}
	s := &Store{
		registry:  registry,
		journal:   j,
		now:       time.Now,
		currency:  "USD",
		accounts:  make(map[string]*book),
		positions: make(map[string]string),
		bySymbol:  make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.ids == nil {
		s.ids = id.NewSource(s.now)
	}
	return s
}

func (s *Store) Registry() *market.Registry { return s.registry }

func (s *Store) CreateAccount(accountID, currency string, balance decimal.Decimal) (broker.Account, error) {
	if accountID == "" {
		return broker.Account{}, fmt.Errorf("create account: empty id: %w", broker.ErrAccountNotFound)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return broker.Account{}, fmt.Errorf("create account %q: %w", accountID, broker.ErrAccountExists)
	}
	b := s.newBook(accountID, currency, balance)
	s.accounts[accountID] = b
	return b.acct, nil
}

func (s *Store) newBook(accountID, currency string, balance decimal.Decimal) *book {
	if currency == "" {
		currency = s.currency
	}
	return &book{
		acct: broker.Account{
			ID:        accountID,
			Currency:  currency,
			Balance:   balance,
			Margin:    decimal.Zero,
			CreatedAt: s.now(),
		},
		open:   make(map[string]*broker.Position),
		closed: make(map[string]*broker.Position),
	}
}

func (s *Store) Account(accountID string) (broker.Account, error) {
	b, err := s.book(accountID)
	if err != nil {
		return broker.Account{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acct, nil
}

// Accounts returns every account id in sorted order.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.accounts))
	for k := range s.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) book(accountID string) (*book, error) {
	s.mu.RLock()
	b, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %q: %w", accountID, broker.ErrAccountNotFound)
	}
	return b, nil
}

func (s *Store) bookOf(positionID string) (*book, error) {
	s.mu.RLock()
	accountID, ok := s.positions[positionID]
	var b *book
	if ok {
		b = s.accounts[accountID]
	}
	s.mu.RUnlock()
	if !ok || b == nil {
		return nil, fmt.Errorf("position %q: %w", positionID, broker.ErrNotFound)
	}
	return b, nil
}

// Snapshot derives the account's aggregates from its current open
// positions. It never touches the price feed.
func (s *Store) Snapshot(accountID string) (broker.Snapshot, error) {
	b, err := s.book(accountID)
	if err != nil {
		return broker.Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return valuation.Summarize(b.acct, b.openList()), nil
}

// Checkpoint takes a snapshot and records it in the journal's equity log.
func (s *Store) Checkpoint(accountID string) (broker.Snapshot, error) {
	snap, err := s.Snapshot(accountID)
	if err != nil {
		return snap, err
	}
	if err := s.journal.RecordEquity(journal.SnapshotOf(snap, s.now())); err != nil {
		return snap, fmt.Errorf("checkpoint %q: %w", accountID, err)
	}
	return snap, nil
}

func (s *Store) Open(accountID string) ([]broker.Position, error) {
	b, err := s.book(accountID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openList(), nil
}

// History returns the account's entries oldest first.
func (s *Store) History(accountID string) ([]broker.HistoryEntry, error) {
	b, err := s.book(accountID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.HistoryEntry, len(b.history))
	copy(out, b.history)
	return out, nil
}

// Position returns a position, open or closed.
func (s *Store) Position(positionID string) (broker.Position, error) {
	b, err := s.bookOf(positionID)
	if err != nil {
		return broker.Position{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.open[positionID]; ok {
		return p.Clone(), nil
	}
	if p, ok := b.closed[positionID]; ok {
		return p.Clone(), nil
	}
	return broker.Position{}, fmt.Errorf("position %q: %w", positionID, broker.ErrNotFound)
}

// OpenBySymbol returns the ids of every open position on symbol, across all
// accounts, in id order.
func (s *Store) OpenBySymbol(symbol string) []string {
	symbol = market.Normalize(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.bySymbol[symbol]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) index(p *broker.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p.AccountID
	set, ok := s.bySymbol[p.Symbol]
	if !ok {
		set = make(map[string]struct{})
		s.bySymbol[p.Symbol] = set
	}
	set[p.ID] = struct{}{}
}

func (s *Store) unindex(p *broker.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.bySymbol[p.Symbol]
	delete(set, p.ID)
	if len(set) == 0 {
		delete(s.bySymbol, p.Symbol)
	}
}
