package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vledger",
	Short: "A virtual trading ledger",
	Long: `vledger keeps simulated trading accounts: it opens and closes positions
at live prices, revalues them on every tick and keeps balance, equity and
margin consistent.

It provides tools for:
  - Serving the ledger over HTTP, fed by Redis or an in-memory feed
  - Running the worked examples against an in-memory feed
  - Replaying historical ticks from CSV
  - Reading the trade journal`,
	SilenceUsage: true,
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "f", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log.format (text|json)")
}
