package cmd

import (
	"fmt"
	"time"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/journal"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the SQLite journal",
	Long: `Print history entries and equity snapshots recorded in a SQLite journal.

Examples:
  vledger history --account acct-1
  vledger history --day 2024-01-15
  vledger history --entry 01HV6Z...
  vledger history --account acct-1 --equity`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyDBPath  string
	historyAccount string
	historyDay     string
	historyEntry   string
	historyEquity  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyDBPath, "db", "d", "./vledger.sqlite", "path to SQLite journal DB")
	historyCmd.Flags().StringVarP(&historyAccount, "account", "a", "", "account to list")
	historyCmd.Flags().StringVar(&historyDay, "day", "", "list positions closed on this day (YYYY-MM-DD, local time)")
	historyCmd.Flags().StringVar(&historyEntry, "entry", "", "show one history entry by id")
	historyCmd.Flags().BoolVar(&historyEquity, "equity", false, "list equity snapshots instead of history")
}

func runHistory(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(historyDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	switch {
	case historyEntry != "":
		e, err := j.Entry(historyEntry)
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}
		printHistory(out, []broker.HistoryEntry{e})

	case historyDay != "":
		start, end, err := dayBounds(time.Local, historyDay)
		if err != nil {
			return fmt.Errorf("date: %w", err)
		}
		entries, err := j.ListClosedBetween(start, end)
		if err != nil {
			return fmt.Errorf("query history: %w", err)
		}
		printHistory(out, entries)

	case historyAccount == "":
		return fmt.Errorf("one of --account, --day or --entry is required")

	case historyEquity:
		snaps, err := j.ListEquity(historyAccount)
		if err != nil {
			return fmt.Errorf("query equity: %w", err)
		}
		printEquity(out, snaps)

	default:
		entries, err := j.ListHistory(historyAccount)
		if err != nil {
			return fmt.Errorf("query history: %w", err)
		}
		printHistory(out, entries)
	}
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
