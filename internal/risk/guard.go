package risk

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DataError marks a price that failed a sanity check. The sample should be
// discarded; it never halts trading by itself.
type DataError struct {
	Price  float64
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("invalid price %v: %s", e.Price, e.Reason)
}

// Config holds the technical sanity limits
type Config struct {
	MinPrice        float64 // Prices below this are rejected
	MaxSpikePercent float64 // Max single-step change vs the last accepted price
}

// Guard filters prices and holds the trading halt latch. It never looks at
// P&L, drawdown or position size.
type Guard struct {
	config         *Config
	lastValidPrice float64
	lastValidAt    time.Time
	rejected       int
	halted         bool
	haltReason     string
	haltedAt       time.Time
	mu             sync.RWMutex
	onHalt         func(reason string)
	onClear        func()
}

// NewGuard creates a new guard
func NewGuard(config *Config) *Guard {
	return &Guard{config: config}
}

// OnHalt sets callback for when the latch is set
func (g *Guard) OnHalt(handler func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onHalt = handler
}

// OnClear sets callback for when the latch is cleared
func (g *Guard) OnClear(handler func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onClear = handler
}

// CheckPrice validates a price against the minimum and the spike limit.
// The last valid price only moves when a price is accepted.
func (g *Guard) CheckPrice(price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(price, g.lastValidPrice); err != nil {
		g.rejected++
		return err
	}

	g.lastValidPrice = price
	g.lastValidAt = time.Now()
	return nil
}

// CheckSeries validates a time ordered price series, comparing each price
// with the previous accepted one in the series. The result has one entry per
// price, nil when accepted. The last valid price is not touched and the halt
// latch is never set.
func (g *Guard) CheckSeries(prices []float64) []error {
	g.mu.Lock()
	defer g.mu.Unlock()

	errs := make([]error, len(prices))
	var reference float64
	for i, price := range prices {
		if err := g.check(price, reference); err != nil {
			g.rejected++
			errs[i] = err
			continue
		}
		reference = price
	}
	return errs
}

// check applies the limits to price; reference 0 skips the spike test.
func (g *Guard) check(price, reference float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return &DataError{Price: price, Reason: "not a positive finite number"}
	}

	if price < g.config.MinPrice {
		return &DataError{Price: price, Reason: fmt.Sprintf("below minimum %v", g.config.MinPrice)}
	}

	if reference > 0 && g.config.MaxSpikePercent > 0 {
		changePercent := math.Abs(price-reference) / reference * 100
		if changePercent > g.config.MaxSpikePercent {
			return &DataError{
				Price:  price,
				Reason: fmt.Sprintf("%.2f%% change from %v exceeds %.2f%%", changePercent, reference, g.config.MaxSpikePercent),
			}
		}
	}
	return nil
}

// CanTrade reports whether the halt latch is clear
func (g *Guard) CanTrade() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.halted {
		return false, fmt.Sprintf("trading halted since %s: %s", g.haltedAt.Format(time.RFC3339), g.haltReason)
	}
	return true, ""
}

// Halt sets the latch. Repeated calls keep the first reason.
func (g *Guard) Halt(reason string) {
	g.mu.Lock()
	if g.halted {
		g.mu.Unlock()
		return
	}
	g.halted = true
	g.haltReason = reason
	g.haltedAt = time.Now()
	handler := g.onHalt
	g.mu.Unlock()

	if handler != nil {
		handler(reason)
	}
}

// ClearHalt releases the latch. It is the only way to resume after a halt.
func (g *Guard) ClearHalt() {
	g.mu.Lock()
	wasHalted := g.halted
	g.halted = false
	g.haltReason = ""
	g.haltedAt = time.Time{}
	handler := g.onClear
	g.mu.Unlock()

	if wasHalted && handler != nil {
		handler()
	}
}

// IsHalted returns the latch state
func (g *Guard) IsHalted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// LastValidPrice returns the last accepted price, 0 before any was accepted
func (g *Guard) LastValidPrice() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastValidPrice
}

// GetRiskMetrics returns current guard metrics
func (g *Guard) GetRiskMetrics() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]interface{}{
		"last_valid_price":  g.lastValidPrice,
		"last_valid_at":     g.lastValidAt,
		"rejected_prices":   g.rejected,
		"halted":            g.halted,
		"halt_reason":       g.haltReason,
		"halted_at":         g.haltedAt,
		"min_price":         g.config.MinPrice,
		"max_spike_percent": g.config.MaxSpikePercent,
		"can_trade":         !g.halted,
	}
}
