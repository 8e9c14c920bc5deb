package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/journal"
	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

// fakeJournal records entries and can be told to fail.
type fakeJournal struct {
	mu      sync.Mutex
	fail    atomic.Bool
	history []broker.HistoryEntry
	equity  []journal.EquitySnapshot
}

var errDiskFull = errors.New("disk full")

func (f *fakeJournal) RecordHistory(e broker.HistoryEntry) error {
	if f.fail.Load() {
		return errDiskFull
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, e)
	return nil
}

func (f *fakeJournal) RecordEquity(e journal.EquitySnapshot) error {
	if f.fail.Load() {
		return errDiskFull
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.equity = append(f.equity, e)
	return nil
}

func (f *fakeJournal) Close() error { return nil }

func testRegistry(t *testing.T) *market.Registry {
	t.Helper()
	r := market.DefaultRegistry()
	require.NoError(t, r.AddClass(market.Class{Name: "test", ContractMultiplier: d("100"), MarginRate: d("0.01")}))
	require.NoError(t, r.AddSymbol("X", "test"))
	return r
}

func newTestStore(t *testing.T) (*Store, *fakeJournal) {
	t.Helper()
	j := &fakeJournal{}
	s := New(testRegistry(t), j, WithClock(func() time.Time { return t0 }))
	_, err := s.CreateAccount("acct", "USD", d("1000.00"))
	require.NoError(t, err)
	return s, j
}

func buy(volume string) broker.OpenRequest {
	return broker.OpenRequest{AccountID: "acct", Symbol: "X", OrderType: market.Buy, Volume: d(volume)}
}

func assertEquityInvariant(t *testing.T, s *Store, account string) {
	t.Helper()
	snap, err := s.Snapshot(account)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, p := range snap.Positions {
		sum = sum.Add(p.ProfitLoss)
	}
	assert.True(t, snap.Equity.Equal(snap.Balance.Add(sum)), "equity %s balance %s floating %s", snap.Equity, snap.Balance, sum)
	assert.True(t, snap.FloatingPnL.Equal(sum))
}

func TestCreateAccount(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	_, err := s.CreateAccount("acct", "", d("1"))
	assert.ErrorIs(t, err, broker.ErrAccountExists)

	a, err := s.CreateAccount("other", "", d("50"))
	require.NoError(t, err)
	assert.Equal(t, "USD", a.Currency)
	assert.True(t, a.Margin.IsZero())
	assert.Equal(t, []string{"acct", "other"}, s.Accounts())

	_, err = s.Account("missing")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)
}

func TestCreateFunded(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	p, err := s.CreateFunded(buy("0.01"), d("100"), d("5"), t0)
	require.NoError(t, err)
	a, err := s.Account("acct")
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(a.Balance), "existing account keeps its balance")
	assert.True(t, p.Margin.Equal(a.Margin))

	req := buy("0.01")
	req.AccountID = "new"
	_, err = s.CreateFunded(req, d("100"), d("5"), t0)
	require.NoError(t, err)
	a, err = s.Account("new")
	require.NoError(t, err)
	assert.True(t, d("5").Equal(a.Balance))
	assert.Equal(t, "USD", a.Currency)
	assert.Len(t, j.history, 2)
}

func TestCreateFundedRejectedLeavesNoAccount(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	big := buy("1")
	big.AccountID = "poor"
	_, err := s.CreateFunded(big, d("100"), d("50"), t0)
	assert.ErrorIs(t, err, broker.ErrInsufficientMargin)
	_, err = s.Account("poor")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)

	j.fail.Store(true)
	small := buy("0.01")
	small.AccountID = "unlucky"
	_, err = s.CreateFunded(small, d("100"), d("50"), t0)
	assert.ErrorIs(t, err, errDiskFull)
	_, err = s.Account("unlucky")
	assert.ErrorIs(t, err, broker.ErrAccountNotFound)

	assert.Equal(t, []string{"acct"}, s.Accounts())
	assert.Empty(t, j.history)
	assert.Empty(t, s.OpenBySymbol("X"))
}

func TestCreateFundedConcurrentFirstOpens(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	req := buy("0.01")
	req.AccountID = "racer"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateFunded(req, d("100"), d("1000"), t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := s.Open("racer")
	require.NoError(t, err)
	assert.Len(t, open, 20, "every open lands in the one account")
	a, err := s.Account("racer")
	require.NoError(t, err)
	assert.True(t, d("20").Equal(a.Margin))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	tests := []struct {
		name string
		req  broker.OpenRequest
		want error
	}{
		{"zero volume", buy("0"), broker.ErrInvalidVolume},
		{"negative volume", buy("-1"), broker.ErrInvalidVolume},
		{"unknown symbol", broker.OpenRequest{AccountID: "acct", Symbol: "NOPE", OrderType: market.Buy, Volume: d("1")}, broker.ErrInvalidSymbol},
		{"bad side", broker.OpenRequest{AccountID: "acct", Symbol: "X", OrderType: "HOLD", Volume: d("1")}, broker.ErrInvalidOrderType},
		{"unknown account", broker.OpenRequest{AccountID: "nope", Symbol: "X", OrderType: market.Buy, Volume: d("1")}, broker.ErrAccountNotFound},
	}

	for _, tt := range tests {
		tt := tt
		_, err := s.Create(tt.req, d("100"), t0)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}

	_, err := s.Create(buy("1"), decimal.Zero, t0)
	assert.ErrorIs(t, err, broker.ErrPriceUnavailable)

	open, err := s.Open("acct")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, j.history)
}

func TestCreateReservesMargin(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	before, err := s.Snapshot("acct")
	require.NoError(t, err)

	p, err := s.Create(buy("0.01"), d("100.00"), t0)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, broker.StatusOpen, p.Status)
	assert.True(t, d("100").Equal(p.CurrentPrice), "current price starts at open price")
	assert.True(t, p.ProfitLoss.IsZero())
	assert.True(t, d("1").Equal(p.Margin))

	after, err := s.Snapshot("acct")
	require.NoError(t, err)
	assert.True(t, before.FreeMargin.Sub(after.FreeMargin).Equal(p.Margin))
	assert.Len(t, after.Positions, 1)

	require.Len(t, j.history, 1)
	assert.Equal(t, broker.EntryOpen, j.history[0].Type)
	assert.Equal(t, []string{p.ID}, s.OpenBySymbol("x"))
}

func TestCreateInsufficientMargin(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	// 10 * 100 * 100 * 0.01 = 1000 fits exactly, one more cent does not.
	_, err := s.Create(buy("10.0001"), d("100"), t0)
	assert.ErrorIs(t, err, broker.ErrInsufficientMargin)
	assert.Empty(t, j.history)

	_, err = s.Create(buy("10"), d("100"), t0)
	require.NoError(t, err)

	_, err = s.Create(buy("0.01"), d("100"), t0)
	assert.ErrorIs(t, err, broker.ErrInsufficientMargin)
}

func TestExampleScenario(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side    market.Side
		pnl     string
		balance string
	}{
		{market.Buy, "5.00", "1005.00"},
		{market.Sell, "-5.00", "995.00"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.side), func(t *testing.T) {
			t.Parallel()
			s, _ := newTestStore(t)

			req := buy("0.01")
			req.OrderType = tt.side
			p, err := s.Create(req, d("100.00"), t0)
			require.NoError(t, err)

			p, err = s.UpdatePrice(p.ID, d("105.00"), t0.Add(time.Second))
			require.NoError(t, err)
			assert.True(t, d(tt.pnl).Equal(p.ProfitLoss))

			snap, err := s.Snapshot("acct")
			require.NoError(t, err)
			assert.True(t, d("1000").Add(d(tt.pnl)).Equal(snap.Equity))
			assertEquityInvariant(t, s, "acct")

			closed, err := s.Close(p.ID, t0.Add(2*time.Second), broker.ReasonManual, nil)
			require.NoError(t, err)
			assert.True(t, d(tt.pnl).Equal(closed.RealizedPnL))
			assert.True(t, d("105").Equal(closed.ClosePrice))

			snap, err = s.Snapshot("acct")
			require.NoError(t, err)
			assert.True(t, d(tt.balance).Equal(snap.Balance))
			assert.True(t, snap.FloatingPnL.IsZero())
			assert.True(t, snap.Margin.IsZero())
			assert.Empty(t, snap.Positions)

			h, err := s.History("acct")
			require.NoError(t, err)
			require.Len(t, h, 2)
			assert.Equal(t, broker.EntryOpen, h[0].Type)
			assert.Equal(t, broker.EntryClose, h[1].Type)
			assert.True(t, d(tt.pnl).Equal(h[1].RealizedPnL))
		})
	}
}

func TestCloseRoundTripRestoresFreeMargin(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	before, err := s.Snapshot("acct")
	require.NoError(t, err)

	p, err := s.Create(buy("0.5"), d("100"), t0)
	require.NoError(t, err)
	_, err = s.Close(p.ID, t0, broker.ReasonManual, nil)
	require.NoError(t, err)

	after, err := s.Snapshot("acct")
	require.NoError(t, err)
	assert.True(t, before.FreeMargin.Equal(after.FreeMargin))
}

func TestCloseTwice(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	p, err := s.Create(buy("0.01"), d("100"), t0)
	require.NoError(t, err)
	_, err = s.UpdatePrice(p.ID, d("105"), t0)
	require.NoError(t, err)

	_, err = s.Close(p.ID, t0, broker.ReasonManual, nil)
	require.NoError(t, err)

	_, err = s.Close(p.ID, t0, broker.ReasonManual, nil)
	assert.ErrorIs(t, err, broker.ErrAlreadyClosed)
	assert.ErrorIs(t, err, broker.ErrNotFound)

	_, err = s.UpdatePrice(p.ID, d("200"), t0)
	assert.ErrorIs(t, err, broker.ErrAlreadyClosed)

	a, err := s.Account("acct")
	require.NoError(t, err)
	assert.True(t, d("1005").Equal(a.Balance), "no double credit")

	got, err := s.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusClosed, got.Status)
	assert.True(t, d("105").Equal(got.ClosePrice), "closed position is never mutated")

	_, err = s.Close("missing", t0, broker.ReasonManual, nil)
	assert.ErrorIs(t, err, broker.ErrNotFound)
	assert.NotErrorIs(t, err, broker.ErrAlreadyClosed)
}

func TestConcurrentCloseExactlyOneWins(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	p, err := s.Create(buy("0.01"), d("100"), t0)
	require.NoError(t, err)
	_, err = s.UpdatePrice(p.ID, d("101"), t0)
	require.NoError(t, err)

	const n = 16
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		hooks   atomic.Int32
		stateEr atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Close(p.ID, t0, broker.ReasonManual, func(broker.Position) { hooks.Add(1) })
			switch {
			case err == nil:
				ok.Add(1)
			case broker.Kind(err) == broker.KindState:
				stateEr.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, hooks.Load())
	assert.EqualValues(t, n-1, stateEr.Load())

	a, err := s.Account("acct")
	require.NoError(t, err)
	assert.True(t, d("1001").Equal(a.Balance))
}

func TestJournalFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)

	p, err := s.Create(buy("0.01"), d("100"), t0)
	require.NoError(t, err)
	_, err = s.UpdatePrice(p.ID, d("105"), t0)
	require.NoError(t, err)

	before, err := s.Snapshot("acct")
	require.NoError(t, err)

	j.fail.Store(true)

	_, err = s.Create(buy("0.01"), d("100"), t0)
	assert.ErrorIs(t, err, errDiskFull)

	hooked := false
	_, err = s.Close(p.ID, t0, broker.ReasonManual, func(broker.Position) { hooked = true })
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, hooked)

	after, err := s.Snapshot("acct")
	require.NoError(t, err)
	assert.Equal(t, before.Balance.String(), after.Balance.String())
	assert.Equal(t, before.Margin.String(), after.Margin.String())
	assert.Equal(t, before.Equity.String(), after.Equity.String())
	assert.Len(t, after.Positions, 1)

	h, err := s.History("acct")
	require.NoError(t, err)
	assert.Len(t, h, 1)

	j.fail.Store(false)
	_, err = s.Close(p.ID, t0, broker.ReasonManual, nil)
	assert.NoError(t, err, "position is still open after the failed close")
}

func TestOpenBySymbolAcrossAccounts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	_, err := s.CreateAccount("b", "", d("1000"))
	require.NoError(t, err)

	p1, err := s.Create(buy("0.01"), d("100"), t0)
	require.NoError(t, err)
	req := buy("0.01")
	req.AccountID = "b"
	p2, err := s.Create(req, d("100"), t0)
	require.NoError(t, err)
	_, err = s.Create(broker.OpenRequest{AccountID: "b", Symbol: "EURUSD", OrderType: market.Sell, Volume: d("0.01")}, d("1.1"), t0)
	require.NoError(t, err)

	ids := s.OpenBySymbol("X")
	assert.ElementsMatch(t, []string{p1.ID, p2.ID}, ids)

	_, err = s.Close(p1.ID, t0, broker.ReasonManual, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{p2.ID}, s.OpenBySymbol("X"))
	assert.Len(t, s.OpenBySymbol("eur/usd"), 1)
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	s, j := newTestStore(t)
	p, err := s.Create(buy("0.01"), d("100"), t0)
	require.NoError(t, err)
	_, err = s.UpdatePrice(p.ID, d("102"), t0)
	require.NoError(t, err)

	snap, err := s.Checkpoint("acct")
	require.NoError(t, err)
	require.Len(t, j.equity, 1)
	assert.Equal(t, "acct", j.equity[0].AccountID)
	assert.True(t, snap.Equity.Equal(j.equity[0].Equity))
	assert.True(t, d("1002").Equal(j.equity[0].Equity))
	assert.Equal(t, t0, j.equity[0].Time)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	sl := d("90")
	req := buy("0.01")
	req.StopLoss = &sl
	_, err := s.Create(req, d("100"), t0)
	require.NoError(t, err)

	snap, err := s.Snapshot("acct")
	require.NoError(t, err)
	*snap.Positions[0].StopLoss = d("1")
	snap.Positions[0].ProfitLoss = d("999")

	again, err := s.Snapshot("acct")
	require.NoError(t, err)
	assert.True(t, d("90").Equal(*again.Positions[0].StopLoss))
	assert.True(t, again.Positions[0].ProfitLoss.IsZero())
}
