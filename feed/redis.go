package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
)

// WireTick is the JSON form of a tick on the Redis channels and snapshot
// keys.
type WireTick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

func (w WireTick) Tick() market.Tick {
	return market.Tick{
		Symbol: market.Normalize(w.Symbol),
		Time:   w.Time,
		BA:     market.BA{Bid: w.Bid, Ask: w.Ask},
	}
}

type RedisOptions struct {
	// Prefix of the per-symbol channels (<prefix>:<SYMBOL>) and snapshot
	// keys (<prefix>:last:<SYMBOL>).
	Prefix string
	// ResubscribeTimeout bounds how long Run keeps trying to get back onto
	// its channels after a disconnect.
	ResubscribeTimeout time.Duration
	// RetryDelay is the first backoff delay; it doubles on every attempt.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Redis is a feed fed by Redis pub/sub. Run must be running for handlers to
// see live ticks; Subscribe seeds the latest price from the snapshot key so
// an open does not have to wait for the next publish.
type Redis struct {
	rdb   *redis.Client
	opts  RedisOptions
	ticks *market.TickStore
	log   *slog.Logger

	mu       sync.Mutex
	subs     map[string]struct{}
	handlers []Handler
	ps       *redis.PubSub
}

func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "prices"
	}
	if opts.ResubscribeTimeout <= 0 {
		opts.ResubscribeTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		rdb:   rdb,
		opts:  opts,
		ticks: market.NewTickStore(),
		log:   opts.Logger,
		subs:  make(map[string]struct{}),
	}
}

func (r *Redis) channel(symbol string) string { return r.opts.Prefix + ":" + symbol }

func (r *Redis) lastKey(symbol string) string { return r.opts.Prefix + ":last:" + symbol }

func (r *Redis) symbolOf(channel string) string {
	return strings.TrimPrefix(channel, r.opts.Prefix+":")
}

func (r *Redis) Subscribe(ctx context.Context, symbol string) error {
	symbol = market.Normalize(symbol)

	r.mu.Lock()
	r.subs[symbol] = struct{}{}
	ps := r.ps
	r.mu.Unlock()

	if ps != nil {
		if err := ps.Subscribe(ctx, r.channel(symbol)); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	if err := r.seed(ctx, symbol); err != nil {
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	r.log.Debug("feed subscribe", "symbol", symbol)
	return nil
}

func (r *Redis) seed(ctx context.Context, symbol string) error {
	raw, err := r.rdb.Get(ctx, r.lastKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var w WireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if w.Symbol == "" {
		w.Symbol = symbol
	}
	r.ticks.Set(w.Tick())
	return nil
}

// Unsubscribe leaves the symbol's channel and forgets its cached price,
// which would otherwise go stale.
func (r *Redis) Unsubscribe(ctx context.Context, symbol string) error {
	symbol = market.Normalize(symbol)

	r.mu.Lock()
	delete(r.subs, symbol)
	ps := r.ps
	r.mu.Unlock()

	r.ticks.Delete(symbol)
	if ps != nil {
		if err := ps.Unsubscribe(ctx, r.channel(symbol)); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", symbol, err)
		}
	}
	r.log.Debug("feed unsubscribe", "symbol", symbol)
	return nil
}

func (r *Redis) Latest(symbol string) (market.Tick, bool) {
	return r.ticks.Get(symbol)
}

func (r *Redis) Wait(ctx context.Context, symbol string) (market.Tick, error) {
	return r.ticks.Wait(ctx, symbol)
}

func (r *Redis) OnPrice(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Publish writes t to the snapshot key and its channel. It is the producer
// side of the protocol Run consumes.
func (r *Redis) Publish(ctx context.Context, t market.Tick) error {
	symbol := market.Normalize(t.Symbol)
	b, err := json.Marshal(WireTick{Symbol: symbol, Bid: t.Bid, Ask: t.Ask, Time: t.Time})
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.lastKey(symbol), b, 0).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}
	if err := r.rdb.Publish(ctx, r.channel(symbol), b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}
	return nil
}

func (r *Redis) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, r.channel(s))
	}
	return out
}

// Run receives ticks until ctx is cancelled. After a disconnect it
// resubscribes with exponential backoff; if that does not succeed within
// ResubscribeTimeout, Run gives up and returns the last error.
func (r *Redis) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channels()...)
	r.mu.Lock()
	r.ps = ps
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer func() {
		stop()
		r.mu.Lock()
		r.ps = nil
		r.mu.Unlock()
		_ = ps.Close()
	}()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.log.Warn("feed receive failed", "error", err)
			if err := r.resubscribe(ctx, ps); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		r.handle(msg)
	}
}

func (r *Redis) resubscribe(ctx context.Context, ps *redis.PubSub) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ResubscribeTimeout)
	defer cancel()

	delay := r.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		err := r.rdb.Ping(ctx).Err()
		if err == nil {
			if chs := r.channels(); len(chs) > 0 {
				err = ps.Subscribe(ctx, chs...)
			}
		}
		if err == nil {
			r.log.Info("feed resubscribed", "attempt", attempt)
			return nil
		}
		r.log.Debug("feed resubscribe failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("resubscribe after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (r *Redis) handle(msg *redis.Message) {
	var w WireTick
	if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
		r.log.Warn("feed bad message", "channel", msg.Channel, "error", err)
		return
	}
	if w.Symbol == "" {
		w.Symbol = r.symbolOf(msg.Channel)
	}
	t := w.Tick()
	if !t.Valid() {
		r.log.Warn("feed invalid tick", "channel", msg.Channel, "symbol", t.Symbol)
		return
	}

	stored, ok := r.ticks.Set(t)
	if !ok {
		return
	}

	r.mu.Lock()
	_, sub := r.subs[stored.Symbol]
	hs := make([]Handler, len(r.handlers))
	copy(hs, r.handlers)
	r.mu.Unlock()

	if sub {
		for _, h := range hs {
			h(stored)
		}
	}
}
