package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/vledger/market"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete ledger server configuration.
type Config struct {
	Account     AccountConfig     `json:"account" yaml:"account"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Instruments InstrumentsConfig `json:"instruments" yaml:"instruments"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
	Journal     JournalConfig     `json:"journal" yaml:"journal"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

// AccountConfig funds accounts created on their first open.
type AccountConfig struct {
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

type LedgerConfig struct {
	PriceTimeout      string `json:"price_timeout" yaml:"price_timeout"`           // e.g. "5s"
	Convention        string `json:"convention" yaml:"convention"`                 // close-side | open-side
	ReconcileInterval string `json:"reconcile_interval" yaml:"reconcile_interval"` // "0" disables
}

type InstrumentsConfig struct {
	Classes []ClassConfig `json:"classes" yaml:"classes"`
	// Symbols maps each tradable symbol to its class name.
	Symbols map[string]string `json:"symbols" yaml:"symbols"`
}

type ClassConfig struct {
	Name               string  `json:"name" yaml:"name"`
	ContractMultiplier float64 `json:"contract_multiplier" yaml:"contract_multiplier"`
	MarginRate         float64 `json:"margin_rate" yaml:"margin_rate"`
}

type FeedConfig struct {
	Type  string      `json:"type" yaml:"type"` // "memory" or "redis"
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Addr               string `json:"addr" yaml:"addr"`
	Password           string `json:"password,omitempty" yaml:"password,omitempty"`
	DB                 int    `json:"db" yaml:"db"`
	Prefix             string `json:"prefix" yaml:"prefix"`
	ResubscribeTimeout string `json:"resubscribe_timeout" yaml:"resubscribe_timeout"`
}

type JournalConfig struct {
	Type        string `json:"type" yaml:"type"` // "none", "csv" or "sqlite"
	HistoryFile string `json:"history_file,omitempty" yaml:"history_file,omitempty"`
	EquityFile  string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath      string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// LoadFromFile loads configuration from a YAML or JSON file. Sections left
// out of the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads path (the defaults when path is empty), applies VLEDGER_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	cfg.fill(Default())
	return cfg, nil
}

// fill copies every empty setting from def.
func (c *Config) fill(def *Config) {
	if c.Account.Currency == "" {
		c.Account.Currency = def.Account.Currency
	}
	if c.Account.Balance == 0 {
		c.Account.Balance = def.Account.Balance
	}
	if c.Ledger.PriceTimeout == "" {
		c.Ledger.PriceTimeout = def.Ledger.PriceTimeout
	}
	if c.Ledger.Convention == "" {
		c.Ledger.Convention = def.Ledger.Convention
	}
	if c.Ledger.ReconcileInterval == "" {
		c.Ledger.ReconcileInterval = def.Ledger.ReconcileInterval
	}
	if len(c.Instruments.Classes) == 0 && len(c.Instruments.Symbols) == 0 {
		c.Instruments = def.Instruments
	}
	if c.Feed.Type == "" {
		c.Feed.Type = def.Feed.Type
	}
	if c.Feed.Redis.Prefix == "" {
		c.Feed.Redis.Prefix = def.Feed.Redis.Prefix
	}
	if c.Feed.Redis.ResubscribeTimeout == "" {
		c.Feed.Redis.ResubscribeTimeout = def.Feed.Redis.ResubscribeTimeout
	}
	if c.Journal.Type == "" {
		c.Journal.Type = def.Journal.Type
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// SaveToFile saves configuration as YAML for .yaml/.yml paths, JSON
// otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if d, err := c.PriceTimeout(); err != nil || d <= 0 {
		return fmt.Errorf("ledger.price_timeout must be a positive duration")
	}
	if d, err := c.ReconcileInterval(); err != nil || d < 0 {
		return fmt.Errorf("ledger.reconcile_interval must be a duration, 0 to disable")
	}
	if _, err := market.ParseConvention(c.Ledger.Convention); err != nil {
		return fmt.Errorf("ledger.convention: %w", err)
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("instruments: %w", err)
	}
	switch c.Feed.Type {
	case "memory":
	case "redis":
		if c.Feed.Redis.Addr == "" {
			return fmt.Errorf("feed.redis.addr required for redis feed")
		}
		if d, err := c.ResubscribeTimeout(); err != nil || d <= 0 {
			return fmt.Errorf("feed.redis.resubscribe_timeout must be a positive duration")
		}
	default:
		return fmt.Errorf("feed.type must be 'memory' or 'redis'")
	}
	switch c.Journal.Type {
	case "none":
	case "csv":
		if c.Journal.HistoryFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal history_file and equity_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'none', 'csv' or 'sqlite'")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

func (c *Config) PriceTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Ledger.PriceTimeout)
}

func (c *Config) ReconcileInterval() (time.Duration, error) {
	return time.ParseDuration(c.Ledger.ReconcileInterval)
}

func (c *Config) ResubscribeTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Feed.Redis.ResubscribeTimeout)
}

func (c *Config) Convention() market.QuoteConvention {
	qc, err := market.ParseConvention(c.Ledger.Convention)
	if err != nil {
		return market.CloseSide
	}
	return qc
}

// DefaultBalance is the starting balance as an exact decimal.
func (c *Config) DefaultBalance() decimal.Decimal {
	return decimal.NewFromFloat(c.Account.Balance)
}

// Registry builds the instrument registry described by the instruments
// section.
func (c *Config) Registry() (*market.Registry, error) {
	if len(c.Instruments.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required")
	}
	r := market.NewRegistry()
	for _, cc := range c.Instruments.Classes {
		if cc.MarginRate >= 1 {
			return nil, fmt.Errorf("instrument class %q: margin rate must be below 1", cc.Name)
		}
		err := r.AddClass(market.Class{
			Name:               cc.Name,
			ContractMultiplier: decimal.NewFromFloat(cc.ContractMultiplier),
			MarginRate:         decimal.NewFromFloat(cc.MarginRate),
		})
		if err != nil {
			return nil, err
		}
	}

	symbols := make([]string, 0, len(c.Instruments.Symbols))
	for s := range c.Instruments.Symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		if err := r.AddSymbol(s, c.Instruments.Symbols[s]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a configuration with sensible defaults: an in-memory
// feed, no journal and the FX majors at 100 units per lot and 1% margin.
func Default() *Config {
	symbols := make(map[string]string, len(market.FXMajors))
	for _, s := range market.FXMajors {
		symbols[s] = "fx"
	}
	return &Config{
		Account: AccountConfig{
			Currency: "USD",
			Balance:  1000,
		},
		Ledger: LedgerConfig{
			PriceTimeout:      "5s",
			Convention:        string(market.CloseSide),
			ReconcileInterval: "10s",
		},
		Instruments: InstrumentsConfig{
			Classes: []ClassConfig{{Name: "fx", ContractMultiplier: 100, MarginRate: 0.01}},
			Symbols: symbols,
		},
		Feed: FeedConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:               "localhost:6379",
				Prefix:             "prices",
				ResubscribeTimeout: "30s",
			},
		},
		Journal: JournalConfig{
			Type: "none",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
