// Package feed adapts price sources to the ledger. A feed keeps the latest
// tick per symbol and notifies handlers about ticks on subscribed symbols.
package feed

import (
	"context"

	"github.com/rustyeddy/vledger/market"
)

// Handler is called with every accepted tick on a subscribed symbol. It
// runs on the feed's goroutine with no feed locks held.
type Handler func(market.Tick)

type Feed interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	// Latest never blocks.
	Latest(symbol string) (market.Tick, bool)
	// Wait blocks until a price for symbol is known or ctx is done.
	Wait(ctx context.Context, symbol string) (market.Tick, error)
	OnPrice(h Handler)
}
