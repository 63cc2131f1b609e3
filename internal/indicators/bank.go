// Package indicators evaluates the entry and exit indicator sets over a
// market window. Every indicator is a pure function of the window and its
// structural constants.
package indicators

import (
	"fmt"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/market"
)

// Reading is the outcome of one indicator on one window.
type Reading struct {
	Fired         bool    `json:"fired"`
	TriggerPrice  float64 `json:"trigger_price,omitempty"` // 0 when not fired
	Indeterminate bool    `json:"indeterminate,omitempty"` // window shorter than the indicator lookback
}

// Indicator is a single boolean structure check.
type Indicator interface {
	Name() string
	Lookback() int
	Evaluate(window []market.Sample) Reading
}

// NamedReading pairs a reading with the indicator that produced it.
type NamedReading struct {
	Name string `json:"name"`
	Reading
}

// State holds the readings for one window, in bank order.
type State struct {
	Entry []NamedReading `json:"entry"`
	Exit  []NamedReading `json:"exit"`
}

// FiredEntry lists the entry indicators that fired.
func (s State) FiredEntry() []string { return fired(s.Entry) }

// FiredExit lists the exit indicators that fired.
func (s State) FiredExit() []string { return fired(s.Exit) }

// Indeterminate lists every indicator, entry or exit, that could not be evaluated.
func (s State) Indeterminate() []string {
	var out []string
	for _, r := range s.Entry {
		if r.Indeterminate {
			out = append(out, r.Name)
		}
	}
	for _, r := range s.Exit {
		if r.Indeterminate {
			out = append(out, r.Name)
		}
	}
	return out
}

// TriggerPrice returns the trigger price reported by the named indicator.
func (s State) TriggerPrice(name string) (float64, bool) {
	for _, set := range [][]NamedReading{s.Entry, s.Exit} {
		for _, r := range set {
			if r.Name == name && r.Fired {
				return r.TriggerPrice, true
			}
		}
	}
	return 0, false
}

func fired(readings []NamedReading) []string {
	var out []string
	for _, r := range readings {
		if r.Fired {
			out = append(out, r.Name)
		}
	}
	return out
}

// Bank evaluates a fixed entry set and a fixed exit set.
type Bank struct {
	entry []Indicator
	exit  []Indicator
}

// NewBank builds a bank from explicit indicator sets. Names must be unique
// across both sets.
func NewBank(entry, exit []Indicator) (*Bank, error) {
	seen := make(map[string]bool, len(entry)+len(exit))
	for _, ind := range append(append([]Indicator{}, entry...), exit...) {
		if seen[ind.Name()] {
			return nil, fmt.Errorf("duplicate indicator %q", ind.Name())
		}
		seen[ind.Name()] = true
	}
	return &Bank{entry: entry, exit: exit}, nil
}

// NewBankFromConfig resolves indicator names against the built-in registry.
func NewBankFromConfig(cfg config.IndicatorConfig, entryNames, exitNames []string) (*Bank, error) {
	entry, err := resolve(cfg, entryNames)
	if err != nil {
		return nil, fmt.Errorf("entry indicators: %w", err)
	}
	exit, err := resolve(cfg, exitNames)
	if err != nil {
		return nil, fmt.Errorf("exit indicators: %w", err)
	}
	return NewBank(entry, exit)
}

func resolve(cfg config.IndicatorConfig, names []string) ([]Indicator, error) {
	out := make([]Indicator, 0, len(names))
	for _, name := range names {
		build, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown indicator %q", name)
		}
		out = append(out, build(cfg))
	}
	return out, nil
}

// Compute evaluates every indicator against the window. A window shorter
// than an indicator's lookback produces an indeterminate reading for it and
// never stops the others from being evaluated.
func (b *Bank) Compute(window []market.Sample) State {
	return State{
		Entry: evaluate(b.entry, window),
		Exit:  evaluate(b.exit, window),
	}
}

// EntryCount is the number of entry indicators in the bank.
func (b *Bank) EntryCount() int { return len(b.entry) }

// ExitCount is the number of exit indicators in the bank.
func (b *Bank) ExitCount() int { return len(b.exit) }

// MaxLookback is the longest lookback across the bank.
func (b *Bank) MaxLookback() int {
	m := 0
	for _, ind := range append(append([]Indicator{}, b.entry...), b.exit...) {
		if ind.Lookback() > m {
			m = ind.Lookback()
		}
	}
	return m
}

func evaluate(set []Indicator, window []market.Sample) []NamedReading {
	out := make([]NamedReading, len(set))
	for i, ind := range set {
		out[i].Name = ind.Name()
		if len(window) < ind.Lookback() {
			out[i].Indeterminate = true
			continue
		}
		out[i].Reading = ind.Evaluate(window)
		if !out[i].Fired {
			out[i].TriggerPrice = 0
		}
	}
	return out
}
