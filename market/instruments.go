// market/instruments.go
package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Class groups instruments that share a contract size and margin policy.
type Class struct {
	Name               string
	ContractMultiplier decimal.Decimal
	MarginRate         decimal.Decimal
}

type Instrument struct {
	Symbol string
	Class
}

// Registry maps tradable symbols to their instrument class.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
	symbols map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		classes: make(map[string]Class),
		symbols: make(map[string]string),
	}
}

func (r *Registry) AddClass(c Class) error {
	if c.Name == "" {
		return fmt.Errorf("instrument class: name is required")
	}
	if !c.ContractMultiplier.IsPositive() {
		return fmt.Errorf("instrument class %q: contract multiplier must be positive", c.Name)
	}
	if c.MarginRate.IsNegative() {
		return fmt.Errorf("instrument class %q: margin rate must not be negative", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Name] = c
	return nil
}

func (r *Registry) AddSymbol(symbol, class string) error {
	symbol = Normalize(symbol)
	if symbol == "" {
		return fmt.Errorf("instrument: symbol is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[class]; !ok {
		return fmt.Errorf("instrument %s: unknown class %q", symbol, class)
	}
	r.symbols[symbol] = class
	return nil
}

func (r *Registry) Lookup(symbol string) (Instrument, bool) {
	symbol = Normalize(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.symbols[symbol]
	if !ok {
		return Instrument{}, false
	}
	return Instrument{Symbol: symbol, Class: r.classes[class]}, true
}

func (r *Registry) Tradable(symbol string) bool {
	_, ok := r.Lookup(symbol)
	return ok
}

// Symbols returns every tradable symbol in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FXMajors are the pairs the simulated account can trade out of the box.
var FXMajors = []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "USDCHF", "NZDUSD"}

// DefaultRegistry returns the FX majors in class "fx": a contract multiplier
// of 100 per lot and 1% margin on notional.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.AddClass(Class{
		Name:               "fx",
		ContractMultiplier: decimal.NewFromInt(100),
		MarginRate:         decimal.RequireFromString("0.01"),
	})
	for _, s := range FXMajors {
		_ = r.AddSymbol(s, "fx")
	}
	return r
}

// Normalize upper-cases a symbol and strips separators, so "eur/usd",
// "EUR_USD" and "EURUSD" name the same instrument.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
