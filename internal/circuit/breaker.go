package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Too many consecutive API errors
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled              bool `json:"enabled"`
	MaxConsecutiveErrors int  `json:"max_consecutive_errors"` // Trips once this many calls fail in a row
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:              true,
		MaxConsecutiveErrors: 5,
	}
}

// CircuitBreaker counts consecutive connectivity failures and trips once the
// configured threshold is reached. It does not reopen on its own; a trip
// stays until ForceReset.
type CircuitBreaker struct {
	config            *Config
	state             BreakerState
	consecutiveErrors int
	totalErrors       int
	lastError         string
	lastErrorTime     time.Time
	lastTripTime      time.Time
	tripReason        string
	mu                sync.RWMutex
	onTrip            func(reason string)
	onReset           func()
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// RecordFailure counts a failed external call. It returns true when this
// failure tripped the breaker.
func (cb *CircuitBreaker) RecordFailure(err error) bool {
	cb.mu.Lock()

	cb.consecutiveErrors++
	cb.totalErrors++
	cb.lastErrorTime = time.Now()
	if err != nil {
		cb.lastError = err.Error()
	}

	if !cb.config.Enabled || cb.state == StateOpen || cb.consecutiveErrors < cb.config.MaxConsecutiveErrors {
		cb.mu.Unlock()
		return false
	}

	reason := fmt.Sprintf("consecutive API errors: %d (last: %s)", cb.consecutiveErrors, cb.lastError)
	handler := cb.trip(reason)
	cb.mu.Unlock()

	if handler != nil {
		handler(reason)
	}
	return true
}

// RecordSuccess resets the consecutive error count. An open breaker stays
// open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveErrors = 0
}

// Restore seeds the consecutive error count, e.g. from a recovery snapshot.
// Restoring never trips the breaker; the next failure is what counts.
func (cb *CircuitBreaker) Restore(consecutiveErrors int) {
	if consecutiveErrors < 0 {
		consecutiveErrors = 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveErrors = consecutiveErrors
}

// trip opens the circuit breaker. Caller holds the lock and invokes the
// returned handler after releasing it.
func (cb *CircuitBreaker) trip(reason string) func(string) {
	cb.state = StateOpen
	cb.lastTripTime = time.Now()
	cb.tripReason = reason
	return cb.onTrip
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveErrors = 0
	cb.tripReason = ""
	handler := cb.onReset
	cb.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// ConsecutiveErrors returns the current streak of failed calls
func (cb *CircuitBreaker) ConsecutiveErrors() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveErrors
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":                  string(cb.state),
		"consecutive_errors":     cb.consecutiveErrors,
		"max_consecutive_errors": cb.config.MaxConsecutiveErrors,
		"total_errors":           cb.totalErrors,
		"last_error":             cb.lastError,
		"last_error_time":        cb.lastErrorTime,
		"trip_reason":            cb.tripReason,
		"last_trip_time":         cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
