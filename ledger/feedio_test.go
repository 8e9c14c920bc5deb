package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFeed is a memory feed whose subscribe and unsubscribe calls for
// chosen symbols hang until their gate is closed, like a stalled network
// round trip.
type gatedFeed struct {
	*feed.Memory

	mu      sync.Mutex
	subs    map[string]chan struct{}
	unsubs  map[string]chan struct{}
	entered chan string
}

func newGatedFeed(m *feed.Memory) *gatedFeed {
	return &gatedFeed{
		Memory:  m,
		subs:    make(map[string]chan struct{}),
		unsubs:  make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
}

func (g *gatedFeed) holdSubscribe(symbol string) (release func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.subs[symbol] = ch
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (g *gatedFeed) holdUnsubscribe(symbol string) (release func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.unsubs[symbol] = ch
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (g *gatedFeed) wait(ctx context.Context, gates map[string]chan struct{}, symbol string) error {
	g.mu.Lock()
	ch, ok := gates[symbol]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	g.entered <- symbol
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedFeed) Subscribe(ctx context.Context, symbol string) error {
	if err := g.wait(ctx, g.subs, symbol); err != nil {
		return err
	}
	return g.Memory.Subscribe(ctx, symbol)
}

func (g *gatedFeed) Unsubscribe(ctx context.Context, symbol string) error {
	if err := g.wait(ctx, g.unsubs, symbol); err != nil {
		return err
	}
	return g.Memory.Unsubscribe(ctx, symbol)
}

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked for more than %s", what, d)
	}
}

func TestSlowSubscribeDoesNotBlockOtherAccounts(t *testing.T) {
	t.Parallel()

	var g *gatedFeed
	h := newHarnessWith(t, Options{PriceTimeout: 5 * time.Second}, func(m *feed.Memory) feed.Feed {
		g = newGatedFeed(m)
		return g
	})
	ctx := context.Background()

	h.quote("X", "100", t0)
	h.quote("S1", "10", t0)
	p := h.open(t, market.Buy, "X", "0.01")
	keep := h.open(t, market.Buy, "X", "0.01")

	release := g.holdSubscribe("S1")
	defer release()

	slow := make(chan error, 1)
	go func() {
		_, err := h.svc.OpenPosition(ctx, broker.OpenRequest{
			AccountID: "other", Symbol: "S1", OrderType: market.Buy, Volume: d("0.1"),
		})
		slow <- err
	}()
	select {
	case sym := <-g.entered:
		require.Equal(t, "S1", sym)
	case <-time.After(time.Second):
		t.Fatal("open never reached the feed")
	}

	within(t, time.Second, "close on another symbol", func() {
		_, err := h.svc.ClosePosition(ctx, p.ID)
		assert.NoError(t, err)
	})
	within(t, time.Second, "snapshot", func() {
		snap, err := h.svc.Snapshot(ctx, "acct")
		assert.NoError(t, err)
		assert.Len(t, snap.Positions, 1)
	})
	within(t, time.Second, "price update on another symbol", func() {
		n, err := h.svc.ApplyPriceUpdate(ctx, market.Tick{
			Symbol: "X", Time: t0.Add(time.Second), BA: market.BA{Bid: d("101"), Ask: d("101")},
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	within(t, time.Second, "open on a subscribed symbol", func() {
		_, err := h.svc.OpenPosition(ctx, broker.OpenRequest{
			AccountID: "third", Symbol: "X", OrderType: market.Sell, Volume: d("0.01"),
		})
		assert.NoError(t, err)
	})

	release()
	select {
	case err := <-slow:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("slow open never completed")
	}
	assert.Equal(t, 1, h.svc.RefCount("S1"))
	assert.Equal(t, 2, h.svc.RefCount("X"))

	got, err := h.store.Position(keep.ID)
	require.NoError(t, err)
	assert.True(t, d("101").Equal(got.CurrentPrice))
}

func TestOpenHungSubscribeTimesOut(t *testing.T) {
	t.Parallel()

	var g *gatedFeed
	h := newHarnessWith(t, Options{PriceTimeout: 100 * time.Millisecond}, func(m *feed.Memory) feed.Feed {
		g = newGatedFeed(m)
		return g
	})
	h.quote("S2", "10", t0)
	release := g.holdSubscribe("S2")
	defer release()

	start := time.Now()
	_, err := h.svc.OpenPosition(context.Background(), broker.OpenRequest{
		AccountID: "acct", Symbol: "S2", OrderType: market.Buy, Volume: d("0.1"),
	})
	assert.ErrorIs(t, err, broker.ErrPriceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Zero(t, h.svc.RefCount("S2"))
	assert.Empty(t, h.svc.Subscriptions())
	assert.False(t, h.feed.Subscribed("S2"))
	_, err = h.svc.Snapshot(context.Background(), "acct")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FeedErrors.WithLabelValues("subscribe")))

	// Once the feed recovers the symbol is usable again.
	release()
	h.open(t, market.Buy, "S2", "0.1")
	assert.Equal(t, 1, h.svc.RefCount("S2"))
}

func TestHungUnsubscribeIsRetried(t *testing.T) {
	t.Parallel()

	var g *gatedFeed
	h := newHarnessWith(t, Options{
		PriceTimeout:       time.Second,
		UnsubscribeTimeout: 50 * time.Millisecond,
	}, func(m *feed.Memory) feed.Feed {
		g = newGatedFeed(m)
		return g
	})
	ctx := context.Background()

	h.quote("X", "100", t0)
	p := h.open(t, market.Buy, "X", "0.01")
	release := g.holdUnsubscribe("X")
	defer release()

	within(t, time.Second, "close with a stalled unsubscribe", func() {
		_, err := h.svc.ClosePosition(ctx, p.ID)
		assert.NoError(t, err)
	})
	assert.Zero(t, h.svc.RefCount("X"))
	assert.True(t, h.feed.Subscribed("X"), "unsubscribe did not go through")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FeedErrors.WithLabelValues("unsubscribe")))

	release()
	NewReconciler(h.svc, time.Minute, nil).Tick(ctx)
	assert.False(t, h.feed.Subscribed("X"))
	assert.Empty(t, h.svc.Subscriptions())
}
