package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/journal"
)

func printSnapshot(w io.Writer, s broker.Snapshot) {
	fmt.Fprintf(w, "  Account:      %s (%s)\n", s.AccountID, s.Currency)
	fmt.Fprintf(w, "  Balance:      %s\n", s.Balance.StringFixed(2))
	fmt.Fprintf(w, "  Equity:       %s\n", s.Equity.StringFixed(2))
	fmt.Fprintf(w, "  Floating P&L: %s\n", s.FloatingPnL.StringFixed(2))
	fmt.Fprintf(w, "  Margin:       %s\n", s.Margin.StringFixed(2))
	fmt.Fprintf(w, "  Free margin:  %s\n", s.FreeMargin.StringFixed(2))
	if len(s.Positions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSYMBOL\tSIDE\tVOLUME\tOPEN\tCURRENT\tP&L")
	for _, p := range s.Positions {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Symbol, p.OrderType, p.Volume, p.OpenPrice, p.CurrentPrice, p.ProfitLoss.StringFixed(2))
	}
	tw.Flush()
}

func printHistory(w io.Writer, entries []broker.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACCOUNT\tPOSITION\tTYPE\tSYMBOL\tSIDE\tVOLUME\tPRICE\tREALIZED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.AccountID, e.PositionID, e.Type, e.Symbol,
			e.OrderType, e.Volume, e.Price, e.RealizedPnL.StringFixed(2), e.Reason)
	}
	tw.Flush()
}

func printEquity(w io.Writer, snaps []journal.EquitySnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no equity snapshots")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tBALANCE\tEQUITY\tMARGIN\tFREE MARGIN")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.Time.Format("2006-01-02 15:04:05"), s.Balance.StringFixed(2), s.Equity.StringFixed(2),
			s.Margin.StringFixed(2), s.FreeMargin.StringFixed(2))
	}
	tw.Flush()
}
