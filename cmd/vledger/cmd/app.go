package cmd

import (
	"fmt"
	"log/slog"

	"github.com/rustyeddy/vledger/config"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/internal/logging"
	"github.com/rustyeddy/vledger/journal"
	"github.com/rustyeddy/vledger/ledger"
	"github.com/rustyeddy/vledger/store"
)

// loadConfig reads --config (the defaults when it is not set) with
// overrides from the environment and a local .env file.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, format := cfg.Log.Level, cfg.Log.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	return logging.New(level, format, nil)
}

func newJournal(cfg config.JournalConfig) (journal.Journal, error) {
	switch cfg.Type {
	case "csv":
		return journal.NewCSV(cfg.HistoryFile, cfg.EquityFile)
	case "sqlite":
		return journal.NewSQLite(cfg.DBPath)
	case "none", "":
		return journal.Nop{}, nil
	}
	return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
}

// app is a fully wired ledger.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	journal journal.Journal
	store   *store.Store
	ledger  *ledger.Service
}

func newApp(cfg *config.Config, f feed.Feed, j journal.Journal, logger *slog.Logger, metrics *ledger.Metrics) (*app, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	timeout, err := cfg.PriceTimeout()
	if err != nil {
		return nil, fmt.Errorf("price timeout: %w", err)
	}

	st := store.New(reg, j, store.WithCurrency(cfg.Account.Currency))
	svc := ledger.New(st, f, ledger.Options{
		DefaultBalance: cfg.DefaultBalance(),
		PriceTimeout:   timeout,
		Convention:     cfg.Convention(),
	}, logger, metrics)

	return &app{cfg: cfg, log: logger, journal: j, store: st, ledger: svc}, nil
}

// close checkpoints every account's equity and closes the journal.
func (a *app) close() {
	for _, id := range a.store.Accounts() {
		if _, err := a.store.Checkpoint(id); err != nil {
			a.log.Error("final equity checkpoint", "account_id", id, "error", err)
		}
	}
	if err := a.journal.Close(); err != nil {
		a.log.Error("close journal", "error", err)
	}
}
