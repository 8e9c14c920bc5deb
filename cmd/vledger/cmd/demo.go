package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/config"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/internal/logging"
	"github.com/rustyeddy/vledger/journal"
	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the worked examples against an in-memory feed",
	Long: `Open a position of 0.01 on symbol X at 100.00, move the price to 105.00
and close it, once as a BUY and once as a SELL, printing the account after
every step.

Shows the basic workflow of:
  1. Publishing a first price
  2. Opening a position (the account is created with the default balance)
  3. Revaluing it on a price tick
  4. Closing it and crediting the realized P&L

Examples:
  vledger demo
  vledger demo --history demo-history.csv --equity demo-equity.csv`,
	RunE: runDemo,
}

var (
	demoHistoryPath string
	demoEquityPath  string
)

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().StringVar(&demoHistoryPath, "history", "", "write the history journal to this CSV file")
	demoCmd.Flags().StringVar(&demoEquityPath, "equity", "", "write equity snapshots to this CSV file")
}

func demoConfig() *config.Config {
	cfg := config.Default()
	cfg.Instruments.Classes = append(cfg.Instruments.Classes, config.ClassConfig{
		Name:               "demo",
		ContractMultiplier: 100,
		MarginRate:         0.01,
	})
	cfg.Instruments.Symbols["X"] = "demo"
	return cfg
}

func runDemo(cmd *cobra.Command, args []string) error {
	var j journal.Journal = journal.Nop{}
	if demoHistoryPath != "" || demoEquityPath != "" {
		if demoHistoryPath == "" || demoEquityPath == "" {
			return fmt.Errorf("--history and --equity must be given together")
		}
		csvj, err := journal.NewCSV(demoHistoryPath, demoEquityPath)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		j = csvj
	}

	mem := feed.NewMemory(logging.Discard())
	a, err := newApp(demoConfig(), mem, j, logging.Discard(), nil)
	if err != nil {
		_ = j.Close()
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Fprintln(out, "=== Ledger Demo ===")
	at := time.Now().UTC()
	for i, side := range []market.Side{market.Buy, market.Sell} {
		account := fmt.Sprintf("DEMO-%s", side)
		if err := demoScenario(ctx, out, a, mem, account, side, at.Add(time.Duration(i)*time.Minute)); err != nil {
			return err
		}
	}
	return nil
}

func demoScenario(ctx context.Context, out io.Writer, a *app, mem *feed.Memory, account string, side market.Side, at time.Time) error {
	quote := func(price string, t time.Time) {
		p := decimal.RequireFromString(price)
		mem.Publish(market.Tick{Symbol: "X", Time: t, BA: market.BA{Bid: p, Ask: p}})
	}

	fmt.Fprintf(out, "\n--- %s 0.01 X ---\n", side)
	quote("100.00", at)

	pos, err := a.ledger.OpenPosition(ctx, broker.OpenRequest{
		AccountID: account,
		Symbol:    "X",
		OrderType: side,
		Volume:    decimal.RequireFromString("0.01"),
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	fmt.Fprintf(out, "✓ Opened %s at %s\n", pos.ID, pos.OpenPrice.StringFixed(2))
	if err := demoPrint(ctx, out, a, account); err != nil {
		return err
	}

	quote("105.00", at.Add(time.Second))
	fmt.Fprintln(out, "\nPrice moved to 105.00")
	if err := demoPrint(ctx, out, a, account); err != nil {
		return err
	}

	res, err := a.ledger.ClosePosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	fmt.Fprintf(out, "\n✓ Closed at %s, realized %s\n", res.ClosePrice.StringFixed(2), res.RealizedPnL.StringFixed(2))
	if err := demoPrint(ctx, out, a, account); err != nil {
		return err
	}

	history, err := a.ledger.History(ctx, account)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	fmt.Fprintln(out)
	printHistory(out, history)
	return nil
}

func demoPrint(ctx context.Context, out io.Writer, a *app, account string) error {
	snap, err := a.ledger.Snapshot(ctx, account)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	printSnapshot(out, snap)
	return nil
}
