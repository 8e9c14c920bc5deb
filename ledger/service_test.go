package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/internal/logging"
	"github.com/rustyeddy/vledger/market"
	"github.com/rustyeddy/vledger/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	feed    *feed.Memory
	store   *store.Store
	metrics *Metrics
	clock   time.Time
}

func testSymbols() []string {
	out := []string{"X"}
	for i := 0; i < 8; i++ {
		out = append(out, fmt.Sprintf("S%d", i))
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Options{PriceTimeout: 100 * time.Millisecond}, nil)
}

// newHarnessWith lets a test wrap the memory feed the ledger talks to.
func newHarnessWith(t *testing.T, opts Options, wrap func(*feed.Memory) feed.Feed) *harness {
	t.Helper()

	reg := market.DefaultRegistry()
	require.NoError(t, reg.AddClass(market.Class{Name: "test", ContractMultiplier: d("100"), MarginRate: d("0.01")}))
	for _, s := range testSymbols() {
		require.NoError(t, reg.AddSymbol(s, "test"))
	}

	h := &harness{clock: t0}
	now := func() time.Time { return h.clock }
	h.store = store.New(reg, nil, store.WithClock(now))
	h.feed = feed.NewMemory(logging.Discard())
	h.metrics = NewMetrics(prometheus.NewRegistry())
	var f feed.Feed = h.feed
	if wrap != nil {
		f = wrap(h.feed)
	}
	opts.Now = now
	h.svc = New(h.store, f, opts, logging.Discard(), h.metrics)
	return h
}

// quote publishes a tick with bid == ask.
func (h *harness) quote(symbol, price string, at time.Time) {
	h.feed.Publish(market.Tick{Symbol: symbol, Time: at, BA: market.BA{Bid: d(price), Ask: d(price)}})
}

func (h *harness) open(t *testing.T, side market.Side, symbol, volume string) broker.Position {
	t.Helper()
	p, err := h.svc.OpenPosition(context.Background(), broker.OpenRequest{
		AccountID: "acct",
		Symbol:    symbol,
		OrderType: side,
		Volume:    d(volume),
	})
	require.NoError(t, err)
	return p
}

func (h *harness) snapshot(t *testing.T) broker.Snapshot {
	t.Helper()
	snap, err := h.svc.Snapshot(context.Background(), "acct")
	require.NoError(t, err)
	return snap
}

func assertInvariant(t *testing.T, snap broker.Snapshot) {
	t.Helper()
	sum := decimal.Zero
	for _, p := range snap.Positions {
		sum = sum.Add(p.ProfitLoss)
	}
	assert.True(t, snap.FloatingPnL.Equal(sum), "floating %s sum %s", snap.FloatingPnL, sum)
	assert.True(t, snap.Equity.Equal(snap.Balance.Add(sum)), "equity %s", snap.Equity)
	assert.True(t, snap.FreeMargin.Equal(snap.Equity.Sub(snap.Margin)))
}

func TestExampleScenario(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side    market.Side
		pnl     string
		equity  string
		balance string
	}{
		{market.Buy, "5.00", "1005.00", "1005.00"},
		{market.Sell, "-5.00", "995.00", "995.00"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.side), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()

			h.quote("X", "100.00", t0)
			p := h.open(t, tt.side, "X", "0.01")
			assert.True(t, d("100").Equal(p.OpenPrice))
			assert.True(t, d("1000").Equal(h.snapshot(t).Balance), "account created with the default balance")
			assertInvariant(t, h.snapshot(t))

			h.quote("X", "105.00", t0.Add(time.Second))

			snap := h.snapshot(t)
			require.Len(t, snap.Positions, 1)
			assert.True(t, d(tt.pnl).Equal(snap.Positions[0].ProfitLoss))
			assert.True(t, d(tt.equity).Equal(snap.Equity))
			assertInvariant(t, snap)

			res, err := h.svc.ClosePosition(ctx, p.ID)
			require.NoError(t, err)
			assert.True(t, d(tt.pnl).Equal(res.RealizedPnL))
			assert.Equal(t, broker.ReasonManual, res.Reason)

			snap = h.snapshot(t)
			assert.True(t, d(tt.balance).Equal(snap.Balance))
			assert.True(t, snap.FloatingPnL.IsZero())
			assertInvariant(t, snap)

			hist, err := h.svc.History(ctx, "acct")
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, broker.EntryClose, hist[1].Type)
			assert.True(t, d(tt.pnl).Equal(hist[1].RealizedPnL))

			assert.Zero(t, h.svc.RefCount("X"))
			assert.Empty(t, h.feed.Subscriptions())
		})
	}
}

func TestQuoteConventionSides(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.Publish(market.Tick{Symbol: "EURUSD", Time: t0, BA: market.BA{Bid: d("1.1000"), Ask: d("1.1002")}})

	long := h.open(t, market.Buy, "EURUSD", "1")
	short := h.open(t, market.Sell, "EURUSD", "1")
	assert.True(t, d("1.1002").Equal(long.OpenPrice), "longs fill on the ask")
	assert.True(t, d("1.1000").Equal(short.OpenPrice), "shorts fill on the bid")

	h.feed.Publish(market.Tick{Symbol: "EURUSD", Time: t0.Add(time.Second), BA: market.BA{Bid: d("1.1010"), Ask: d("1.1012")}})

	snap := h.snapshot(t)
	byID := map[string]broker.Position{}
	for _, p := range snap.Positions {
		byID[p.ID] = p
	}
	assert.True(t, d("1.1010").Equal(byID[long.ID].CurrentPrice), "longs mark on the bid")
	assert.True(t, d("0.08").Equal(byID[long.ID].ProfitLoss))
	assert.True(t, d("1.1012").Equal(byID[short.ID].CurrentPrice), "shorts mark on the ask")
	assert.True(t, d("-0.12").Equal(byID[short.ID].ProfitLoss))
	assertInvariant(t, snap)
}

func TestOpenPriceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	start := time.Now()
	_, err := h.svc.OpenPosition(context.Background(), broker.OpenRequest{
		AccountID: "acct", Symbol: "GBPUSD", OrderType: market.Buy, Volume: d("0.1"),
	})
	assert.ErrorIs(t, err, broker.ErrPriceUnavailable)
	assert.Equal(t, broker.KindResource, broker.Kind(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = h.svc.Snapshot(context.Background(), "acct")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound, "no account is created by a failed open")
	assert.Zero(t, h.svc.RefCount("GBPUSD"))
	assert.Empty(t, h.feed.Subscriptions())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Opens.WithLabelValues("resource")))
}

func TestOpenWaitsForFirstPrice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.opts.PriceTimeout = 2 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.OpenPosition(context.Background(), broker.OpenRequest{
			AccountID: "acct", Symbol: "X", OrderType: market.Buy, Volume: d("0.01"),
		})
		done <- err
	}()

	assert.Eventually(t, func() bool { return h.feed.Subscribed("X") }, time.Second, 5*time.Millisecond)
	h.quote("X", "100", t0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("open did not complete")
	}
	assert.Equal(t, 1, h.svc.RefCount("X"))
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)

	tests := []struct {
		name string
		req  broker.OpenRequest
		want error
	}{
		{"volume", broker.OpenRequest{AccountID: "acct", Symbol: "X", OrderType: market.Buy, Volume: d("0")}, broker.ErrInvalidVolume},
		{"symbol", broker.OpenRequest{AccountID: "acct", Symbol: "DOGE", OrderType: market.Buy, Volume: d("1")}, broker.ErrInvalidSymbol},
		{"side", broker.OpenRequest{AccountID: "acct", Symbol: "X", OrderType: "LONG", Volume: d("1")}, broker.ErrInvalidOrderType},
		{"account", broker.OpenRequest{Symbol: "X", OrderType: market.Buy, Volume: d("1")}, broker.ErrAccountNotFound},
	}
	for _, tt := range tests {
		tt := tt
		_, err := h.svc.OpenPosition(context.Background(), tt.req)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}
	assert.Empty(t, h.feed.Subscriptions())
}

func TestOpenInsufficientMarginHasNoSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)

	_, err := h.svc.OpenPosition(context.Background(), broker.OpenRequest{
		AccountID: "acct", Symbol: "X", OrderType: market.Buy, Volume: d("11"),
	})
	assert.ErrorIs(t, err, broker.ErrInsufficientMargin)

	_, err = h.svc.Snapshot(context.Background(), "acct")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound, "a rejected first open creates no account")
	assert.Zero(t, h.svc.RefCount("X"))
	assert.Empty(t, h.feed.Subscriptions())

	h.open(t, market.Buy, "X", "1")
	_, err = h.svc.OpenPosition(context.Background(), broker.OpenRequest{
		AccountID: "acct", Symbol: "X", OrderType: market.Buy, Volume: d("10"),
	})
	assert.ErrorIs(t, err, broker.ErrInsufficientMargin)

	snap := h.snapshot(t)
	assert.True(t, d("1000").Equal(snap.Balance))
	assert.True(t, d("100").Equal(snap.Margin))
	assert.Len(t, snap.Positions, 1)
	hist, err := h.svc.History(context.Background(), "acct")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Equal(t, 1, h.svc.RefCount("X"))
}

func TestMarginRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)
	before := h.snapshot

	// The account does not exist until the first open.
	p := h.open(t, market.Buy, "X", "0.5")
	mid := before(t)
	assert.True(t, d("1000").Sub(p.Margin).Equal(mid.FreeMargin))
	assert.True(t, d("50").Equal(p.Margin))

	_, err := h.svc.ClosePosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(before(t).FreeMargin))
}

func TestSubscriptionRefCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.quote("X", "100", t0)

	p1 := h.open(t, market.Buy, "X", "0.01")
	p2 := h.open(t, market.Sell, "X", "0.01")
	assert.Equal(t, 2, h.svc.RefCount("X"))
	assert.Equal(t, []string{"X"}, h.svc.Subscriptions())

	_, err := h.svc.ClosePosition(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.RefCount("X"))
	assert.True(t, h.feed.Subscribed("X"), "still referenced by p2")

	_, err = h.svc.ClosePosition(ctx, p2.ID)
	require.NoError(t, err)
	assert.Zero(t, h.svc.RefCount("X"))
	assert.False(t, h.feed.Subscribed("X"))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Subscriptions))
}

func TestCloseTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.quote("X", "100", t0)
	p := h.open(t, market.Buy, "X", "0.01")
	h.quote("X", "105", t0.Add(time.Second))

	_, err := h.svc.ClosePosition(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.svc.ClosePosition(ctx, p.ID)
	assert.ErrorIs(t, err, broker.ErrAlreadyClosed)
	assert.ErrorIs(t, err, broker.ErrNotFound)
	assert.Equal(t, broker.KindState, broker.Kind(err))

	_, err = h.svc.ClosePosition(ctx, "no-such-position")
	assert.ErrorIs(t, err, broker.ErrNotFound)

	assert.True(t, d("1005").Equal(h.snapshot(t).Balance))
	assert.Zero(t, h.svc.RefCount("X"))
}

func TestConcurrentClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)
	p := h.open(t, market.Buy, "X", "0.01")
	h.quote("X", "101", t0.Add(time.Second))

	const n = 20
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ClosePosition(context.Background(), p.ID)
			if err == nil {
				wins.Add(1)
			} else if broker.Kind(err) == broker.KindState {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n-1, rejected.Load())
	assert.True(t, d("1001").Equal(h.snapshot(t).Balance))
	assert.Zero(t, h.svc.RefCount("X"))
}

func TestCloseRacesPriceUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)
	p := h.open(t, market.Buy, "X", "1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			h.quote("X", fmt.Sprintf("%d.%02d", 100, i%100), t0.Add(time.Duration(i)*time.Millisecond))
		}
	}()

	time.Sleep(time.Millisecond)
	res, err := h.svc.ClosePosition(context.Background(), p.ID)
	require.NoError(t, err)
	wg.Wait()

	got, err := h.store.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusClosed, got.Status)
	assert.True(t, res.ClosePrice.Equal(got.ClosePrice))
	assert.True(t, got.CurrentPrice.Equal(got.ClosePrice), "no price applied after close")

	snap := h.snapshot(t)
	assert.True(t, d("1000").Add(res.RealizedPnL).Equal(snap.Balance))
	assertInvariant(t, snap)
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.quote("X", "100", t0)
	h.quote("S1", "10", t0)

	h.open(t, market.Buy, "X", "0.01")
	h.open(t, market.Sell, "X", "0.02")
	h.open(t, market.Buy, "S1", "0.1")

	h.quote("X", "101", t0.Add(time.Second))
	h.quote("S1", "9", t0.Add(time.Second))

	res, err := h.svc.CloseAll(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, res, 3)

	total := decimal.Zero
	for _, r := range res {
		assert.Equal(t, broker.ReasonCloseAll, r.Reason)
		total = total.Add(r.RealizedPnL)
	}
	// +1 on the long X, -2 on the short X, -10 on the long S1.
	assert.True(t, d("-11").Equal(total), "total %s", total)

	snap := h.snapshot(t)
	assert.Empty(t, snap.Positions)
	assert.True(t, d("989").Equal(snap.Balance))
	assert.True(t, snap.Margin.IsZero())
	assert.Empty(t, h.feed.Subscriptions())

	_, err = h.svc.CloseAll(context.Background(), "nobody")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)
}

func TestSnapshotUnknownAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Snapshot(context.Background(), "ghost")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)
	_, err = h.svc.History(context.Background(), "ghost")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)
}
