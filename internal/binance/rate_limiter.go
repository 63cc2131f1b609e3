package binance

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"convergence-trading-bot/internal/logging"
)

// RequestPriority defines priority levels for API requests.
// Higher priority requests get more of the weight budget.
type RequestPriority int

const (
	// PriorityCritical - order placement and cancellation
	PriorityCritical RequestPriority = iota
	// PriorityHigh - order status, fills, balances
	PriorityHigh
	// PriorityNormal - prices and klines
	PriorityNormal
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// AcquireResult represents the result of a non-blocking TryAcquire attempt
type AcquireResult struct {
	Acquired     bool
	WaitTime     time.Duration
	Reason       string
	CurrentUsage float64 // percent of the minute's weight
}

// RateLimitError is returned without touching the network when the local
// budget is spent or the API has banned us.
type RateLimitError struct {
	Endpoint string
	Reason   string
	WaitTime time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: %s (retry in %s)", e.Endpoint, e.Reason, e.WaitTime.Round(time.Millisecond))
}

// Spot API limit: 6000 request weight per minute per IP.
const defaultMaxWeight = 6000

// Endpoint weights for the spot API
var endpointWeights = map[string]int{
	"/api/v3/order":        1,
	"/api/v3/ticker/price": 2,
	"/api/v3/klines":       2,
	"/api/v3/myTrades":     20,
	"/api/v3/account":      20,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// RateLimiter tracks the rolling minute of request weight and backs off
// completely after a 429/418 from the API.
type RateLimiter struct {
	mu     sync.Mutex
	logger *logging.Logger
	now    func() time.Time

	circuitOpen bool
	banUntil    time.Time

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	consecutiveErrors int
}

// NewRateLimiter creates a limiter for maxWeight per minute. A non-positive
// maxWeight uses the spot default.
func NewRateLimiter(maxWeight int, logger *logging.Logger) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = defaultMaxWeight
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RateLimiter{
		logger:    logger.WithComponent("RateLimiter"),
		now:       time.Now,
		maxWeight: maxWeight,
	}
}

// TryAcquire reserves the endpoint's weight if the priority's share of the
// budget allows it. It never blocks.
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return AcquireResult{
				WaitTime:     r.banUntil.Sub(now),
				Reason:       "circuit_breaker_open",
				CurrentUsage: 100,
			}
		}
		r.circuitOpen = false
		r.logger.Info("Rate limit ban expired, resuming requests")
	}

	weight := getEndpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * thresholdForPriority(priority))
	if r.currentWeight+weight > threshold {
		wait := r.weightResetAt.Sub(now)
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		return AcquireResult{
			WaitTime:     wait,
			Reason:       fmt.Sprintf("weight_limit_exceeded_for_%s_priority", priority),
			CurrentUsage: r.usage(),
		}
	}

	r.currentWeight += weight
	return AcquireResult{Acquired: true, CurrentUsage: r.usage()}
}

// RecordSuccess clears the ban backoff after a request went through.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// RecordRateLimitError opens the circuit after a 429 or 418. retryAfter is
// the Retry-After header value in seconds; when absent the ban doubles with
// every consecutive error, capped at 30 minutes.
func (r *RateLimiter) RecordRateLimitError(retryAfter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	now := r.now()

	var ban time.Duration
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		ban = time.Duration(secs) * time.Second
	} else {
		ban = time.Duration(1<<uint(r.consecutiveErrors-1)) * time.Minute
		if ban > 30*time.Minute {
			ban = 30 * time.Minute
		}
	}

	r.circuitOpen = true
	r.banUntil = now.Add(ban)
	r.logger.Warn("Rate limit circuit open",
		"ban_until", r.banUntil.Format(time.RFC3339),
		"consecutive_errors", r.consecutiveErrors)
}

// IsCircuitOpen reports whether requests are currently being refused.
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.now().Before(r.banUntil)
}

// GetStatus returns the limiter state for diagnostics
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"circuit_open":     r.circuitOpen && r.now().Before(r.banUntil),
		"current_weight":   r.currentWeight,
		"max_weight":       r.maxWeight,
		"weight_usage_pct": r.usage(),
	}
}

func (r *RateLimiter) usage() float64 {
	return float64(r.currentWeight) / float64(r.maxWeight) * 100
}

// Orders keep 95% of the budget, status checks 80%, market data 60%.
func thresholdForPriority(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	case PriorityNormal:
		return 0.60
	default:
		return 0.50
	}
}
