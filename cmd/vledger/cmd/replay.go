package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical tick data from CSV",
	Long: `Replay ticks from a CSV file (time,symbol,bid,ask) through the ledger.

The first tick of every tradable symbol opens one position of --volume on
--side for --account; every later tick revalues it. Stop loss and take profit
are given as offsets from the entry price.

Examples:
  vledger replay --ticks data/eurusd.csv
  vledger replay --ticks data/eurusd.csv --side sell --sl 0.0020 --tp 0.0040
  vledger replay -f vledger.yaml --ticks data/majors.csv --from 2024-01-02T00:00:00Z`,
	RunE: runReplay,
}

var (
	replayTicksPath string
	replayAccount   string
	replaySide      string
	replayVolume    string
	replayStop      string
	replayTarget    string
	replayFrom      string
	replayTo        string
	replayCloseEnd  bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayTicksPath, "ticks", "t", "", "CSV file of ticks (time,symbol,bid,ask) (required)")
	replayCmd.Flags().StringVar(&replayAccount, "account", "REPLAY", "account to trade in")
	replayCmd.Flags().StringVar(&replaySide, "side", "buy", "buy or sell")
	replayCmd.Flags().StringVar(&replayVolume, "volume", "0.01", "volume of each position")
	replayCmd.Flags().StringVar(&replayStop, "sl", "", "stop loss distance from entry")
	replayCmd.Flags().StringVar(&replayTarget, "tp", "", "take profit distance from entry")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "skip ticks before this RFC3339 time")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "stop at this RFC3339 time")
	replayCmd.Flags().BoolVar(&replayCloseEnd, "close-end", true, "close all open positions at end")
	replayCmd.MarkFlagRequired("ticks")
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseOffset(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("distance %s must be positive", s)
	}
	return &d, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	side, err := market.ParseSide(replaySide)
	if err != nil {
		return err
	}
	volume, err := decimal.NewFromString(replayVolume)
	if err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	stop, err := parseOffset(replayStop)
	if err != nil {
		return fmt.Errorf("sl: %w", err)
	}
	target, err := parseOffset(replayTarget)
	if err != nil {
		return fmt.Errorf("tp: %w", err)
	}
	from, err := parseBound(replayFrom)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	to, err := parseBound(replayTo)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	src, err := feed.OpenCSVTicks(replayTicksPath, from, to)
	if err != nil {
		return err
	}
	defer src.Close()

	j, err := newJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	mem := feed.NewMemory(logger)
	a, err := newApp(cfg, mem, j, logger, nil)
	if err != nil {
		_ = j.Close()
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Replaying ticks from: %s\n", replayTicksPath)

	opened := make(map[string]bool)
	ticks := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if !ok {
			break
		}
		if _, accepted := mem.Publish(t); !accepted {
			continue
		}
		ticks++

		sym := market.Normalize(t.Symbol)
		if opened[sym] || !a.store.Registry().Tradable(sym) {
			continue
		}
		opened[sym] = true

		req := broker.OpenRequest{AccountID: replayAccount, Symbol: sym, OrderType: side, Volume: volume}
		entry := cfg.Convention().EntryPrice(side, t)
		if stop != nil {
			v := entry.Sub(side.Sign().Mul(*stop))
			req.StopLoss = &v
		}
		if target != nil {
			v := entry.Add(side.Sign().Mul(*target))
			req.TakeProfit = &v
		}
		pos, err := a.ledger.OpenPosition(ctx, req)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", sym, err)
			continue
		}
		fmt.Fprintf(out, "✓ Opened %s %s %s at %s\n", pos.OrderType, pos.Volume, pos.Symbol, pos.OpenPrice)
	}

	if replayCloseEnd {
		if _, err := a.ledger.CloseAll(ctx, replayAccount); err != nil && broker.Kind(err) != broker.KindState {
			return fmt.Errorf("close all: %w", err)
		}
	}

	fmt.Fprintf(out, "\nReplayed %d ticks\n", ticks)
	snap, err := a.ledger.Snapshot(ctx, replayAccount)
	if err != nil {
		if broker.Kind(err) == broker.KindState {
			fmt.Fprintln(out, "No positions were opened")
			return nil
		}
		return err
	}
	fmt.Fprintln(out, "\nFinal account:")
	printSnapshot(out, snap)

	history, err := a.ledger.History(ctx, replayAccount)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printHistory(out, history)
	return nil
}
