package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix starts the name of every environment override.
const EnvPrefix = "VLEDGER_"

// LoadDotEnv copies variables from the given files (".env" when none) into
// the process environment. Missing files are skipped and variables that are
// already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from VLEDGER_* variables, e.g.
// VLEDGER_REDIS_ADDR or VLEDGER_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"ACCOUNT_CURRENCY":          &c.Account.Currency,
		"LEDGER_PRICE_TIMEOUT":      &c.Ledger.PriceTimeout,
		"LEDGER_CONVENTION":         &c.Ledger.Convention,
		"LEDGER_RECONCILE_INTERVAL": &c.Ledger.ReconcileInterval,
		"FEED_TYPE":                 &c.Feed.Type,
		"REDIS_ADDR":                &c.Feed.Redis.Addr,
		"REDIS_PASSWORD":            &c.Feed.Redis.Password,
		"REDIS_PREFIX":              &c.Feed.Redis.Prefix,
		"REDIS_RESUBSCRIBE_TIMEOUT": &c.Feed.Redis.ResubscribeTimeout,
		"JOURNAL_TYPE":              &c.Journal.Type,
		"JOURNAL_HISTORY_FILE":      &c.Journal.HistoryFile,
		"JOURNAL_EQUITY_FILE":       &c.Journal.EquityFile,
		"JOURNAL_DB_PATH":           &c.Journal.DBPath,
		"HTTP_ADDR":                 &c.HTTP.Addr,
		"LOG_LEVEL":                 &c.Log.Level,
		"LOG_FORMAT":                &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "ACCOUNT_BALANCE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sACCOUNT_BALANCE: %w", EnvPrefix, err)
		}
		c.Account.Balance = f
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Feed.Redis.DB = n
	}
	return nil
}
