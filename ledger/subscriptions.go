package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rustyeddy/vledger/feed"
)

// subscriptions reference-counts feed interest per symbol. A reference is
// held by every open position and by every open request that is still in
// flight.
//
// Counting and talking to the feed are split. mu only guards the counters
// and is never held across a feed call, so release can run inside a store
// transaction without waiting on the network. Feed calls for one symbol go
// through that symbol's gate, so a subscribe and an unsubscribe for the
// same symbol never cross while other symbols carry on.
type subscriptions struct {
	feed    feed.Feed
	log     *slog.Logger
	metrics *Metrics

	mu   sync.Mutex
	syms map[string]*subState
}

// subState is never removed from the map; the set of symbols is bounded by
// the instrument registry.
type subState struct {
	gate chan struct{}

	// guarded by subscriptions.mu
	refs   int
	active bool
}

func newSubscriptions(f feed.Feed, logger *slog.Logger, m *Metrics) *subscriptions {
	return &subscriptions{
		feed:    f,
		log:     logger,
		metrics: m,
		syms:    make(map[string]*subState),
	}
}

func (s *subscriptions) state(symbol string) *subState {
	st, ok := s.syms[symbol]
	if !ok {
		st = &subState{gate: make(chan struct{}, 1)}
		s.syms[symbol] = st
	}
	return st
}

// enter takes st's gate, giving up when ctx is done.
func (st *subState) enter(ctx context.Context) error {
	select {
	case st.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *subState) leave() { <-st.gate }

// acquire takes a reference on symbol and makes sure the feed is
// subscribed. On error the reference is dropped again.
func (s *subscriptions) acquire(ctx context.Context, symbol string) error {
	s.mu.Lock()
	st := s.state(symbol)
	st.refs++
	s.mu.Unlock()

	err := s.subscribe(ctx, st, symbol)
	if err != nil {
		s.release(symbol)
	}
	return err
}

func (s *subscriptions) subscribe(ctx context.Context, st *subState, symbol string) error {
	if err := st.enter(ctx); err != nil {
		return err
	}
	defer st.leave()

	s.mu.Lock()
	active := st.active
	s.mu.Unlock()
	if active {
		return nil
	}

	if err := s.feed.Subscribe(ctx, symbol); err != nil {
		s.metrics.IncFeedError("subscribe")
		return err
	}
	s.mu.Lock()
	st.active = true
	s.metrics.SetSubscriptions(s.activeLocked())
	s.mu.Unlock()
	return nil
}

// release drops a reference. It never touches the feed.
func (s *subscriptions) release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.syms[symbol]
	if !ok || st.refs == 0 {
		return
	}
	st.refs--
}

// flush unsubscribes from symbol if nothing references it any more. A
// failed or expired unsubscribe is logged and retried on the next flush;
// the counts stay authoritative.
func (s *subscriptions) flush(ctx context.Context, symbol string) {
	s.mu.Lock()
	st, ok := s.syms[symbol]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := st.enter(ctx); err != nil {
		s.log.Warn("feed unsubscribe skipped", "symbol", symbol, "error", err)
		return
	}
	defer st.leave()

	s.mu.Lock()
	idle := st.refs == 0 && st.active
	s.mu.Unlock()
	if !idle {
		return
	}

	if err := s.feed.Unsubscribe(ctx, symbol); err != nil {
		s.metrics.IncFeedError("unsubscribe")
		s.log.Warn("feed unsubscribe failed", "symbol", symbol, "error", err)
		return
	}
	s.mu.Lock()
	// A new reference taken meanwhile waits on the gate and resubscribes.
	st.active = false
	s.metrics.SetSubscriptions(s.activeLocked())
	s.mu.Unlock()
}

// idle returns the symbols still subscribed with no references left.
func (s *subscriptions) idle() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sym, st := range s.syms {
		if st.active && st.refs == 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (s *subscriptions) refCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.syms[symbol]; ok {
		return st.refs
	}
	return 0
}

func (s *subscriptions) symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.syms))
	for sym, st := range s.syms {
		if st.active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (s *subscriptions) activeLocked() int {
	n := 0
	for _, st := range s.syms {
		if st.active {
			n++
		}
	}
	return n
}
