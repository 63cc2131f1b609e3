// Package autopilot runs the convergence trading loop: one cooperative
// goroutine that reconciles the position, evaluates indicators and drives
// the four-state trading machine once per tick.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convergence-trading-bot/internal/circuit"
	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/indicators"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"
	"convergence-trading-bot/internal/metrics"
	"convergence-trading-bot/internal/reconcile"
	"convergence-trading-bot/internal/risk"
	"convergence-trading-bot/internal/snapshot"

	"github.com/shopspring/decimal"
)

// Tick outcomes, also used as metric labels.
const (
	OutcomeOK       = "ok"
	OutcomeHalted   = "halted"
	OutcomeAPIError = "api_error"
	OutcomeStopped  = "stopped"
)

// Settings are the loop timings and window shape.
type Settings struct {
	Symbol       string
	Interval     string
	WindowSize   int
	TickInterval time.Duration
	HaltBackoff  time.Duration
	Stats        market.StatsConfig
}

// Dependencies are the collaborators the controller drives.
type Dependencies struct {
	Exchange   exchange.Exchange
	Bank       *indicators.Bank
	Machine    *StateMachine
	Reconciler *reconcile.Reconciler
	Guard      *risk.Guard
	Breaker    *circuit.CircuitBreaker
	Retrier    *circuit.Retrier
	Snapshots  snapshot.Store
	Bus        *events.EventBus
	Metrics    *metrics.Recorder // optional
	Logger     *logging.Logger   // optional
}

// Status is a point-in-time view of the loop for the admin API.
type Status struct {
	Symbol            string         `json:"symbol"`
	Running           bool           `json:"running"`
	Initialized       bool           `json:"initialized"`
	Halted            bool           `json:"halted"`
	HaltReason        string         `json:"halt_reason,omitempty"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastOutcome       string         `json:"last_outcome,omitempty"`
	LastTimestamp     time.Time      `json:"last_timestamp"`
	Portfolio         PortfolioState `json:"portfolio"`

	Risk    map[string]interface{} `json:"risk,omitempty"`
	Breaker map[string]interface{} `json:"breaker,omitempty"`
}

// Controller owns the PortfolioState and runs the tick loop.
type Controller struct {
	settings   Settings
	interval   time.Duration
	exchange   exchange.Exchange
	bank       *indicators.Bank
	machine    *StateMachine
	reconciler *reconcile.Reconciler
	guard      *risk.Guard
	breaker    *circuit.CircuitBreaker
	retrier    *circuit.Retrier
	snapshots  snapshot.Store
	bus        *events.EventBus
	metrics    *metrics.Recorder
	logger     *logging.Logger
	now        func() time.Time

	// Loop-owned.
	portfolio     PortfolioState
	initialized   bool
	lastTimestamp time.Time

	mu      sync.RWMutex
	status  Status
	running bool
}

// NewController wires the loop. The breaker's trip latches the guard.
func NewController(settings Settings, deps Dependencies) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	c := &Controller{
		settings:   settings,
		interval:   market.IntervalDuration(settings.Interval),
		exchange:   deps.Exchange,
		bank:       deps.Bank,
		machine:    deps.Machine,
		reconciler: deps.Reconciler,
		guard:      deps.Guard,
		breaker:    deps.Breaker,
		retrier:    deps.Retrier,
		snapshots:  deps.Snapshots,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     logger.WithComponent("Autopilot").WithField("symbol", settings.Symbol),
		now:        time.Now,
	}

	c.breaker.OnTrip(func(reason string) {
		c.guard.Halt(reason)
	})
	c.guard.OnHalt(func(reason string) {
		c.logger.Error("Trading halted", "reason", reason)
		c.metrics.RecordHalted(c.settings.Symbol, true)
		c.bus.PublishHalt(reason)
	})
	c.guard.OnClear(func() {
		c.logger.Info("Trading halt cleared")
		c.metrics.RecordHalted(c.settings.Symbol, false)
		c.bus.PublishHaltCleared()
	})

	c.status = Status{Symbol: settings.Symbol}
	return c
}

// Run restores the snapshot and ticks until ctx is cancelled. It never
// returns an error for trading or connectivity problems; those degrade the
// loop to halted-but-alive.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("autopilot already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.status.Running = false
		c.mu.Unlock()
		c.bus.Publish(events.Event{Type: events.EventBotStopped})
		c.logger.Info("Autopilot stopped")
	}()

	c.Restore(ctx)
	c.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{
		"interval":      c.settings.Interval,
		"tick_interval": c.settings.TickInterval.String(),
	}})
	c.logger.Info("Autopilot started",
		"interval", c.settings.Interval,
		"tick_interval", c.settings.TickInterval.String(),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		delay := c.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Restore loads the recovery snapshot and rebuilds the portfolio from the
// ledger. A missing or corrupt snapshot starts from zero. A failed initial
// reconcile is retried at the start of every tick.
func (c *Controller) Restore(ctx context.Context) {
	summary := c.snapshots.Load(ctx)
	if !summary.IsZero() {
		c.breaker.Restore(summary.ConsecutiveErrors)
		c.lastTimestamp = summary.LastTimestamp
		c.logger.Info("Recovery snapshot loaded",
			"consecutive_errors", summary.ConsecutiveErrors,
			"last_timestamp", summary.LastTimestamp,
			"last_update", summary.LastUpdate,
		)
	}

	if err := c.initialize(ctx); err != nil {
		c.logger.Warn("Initial reconcile failed, will retry", "error", err)
	}
	c.publishStatus("")
}

func (c *Controller) initialize(ctx context.Context) error {
	position, err := circuit.Call(ctx, c.retrier, "reconcile", c.reconciler.Reconcile)
	if err != nil {
		c.recordFailure("reconcile", err)
		return err
	}

	c.portfolio = NewPortfolioState(position)
	c.initialized = true
	c.logger.Info("Portfolio rebuilt from ledger",
		"position", position.String(),
		"state", string(c.portfolio.State),
	)
	c.metrics.RecordPosition(c.settings.Symbol, position.InexactFloat64())
	c.metrics.RecordState(c.settings.Symbol, string(c.portfolio.State))
	return nil
}

// Tick runs one iteration and returns how long to wait before the next.
func (c *Controller) Tick(ctx context.Context) time.Duration {
	start := c.now()
	ctx, log := logging.WithTickContext(ctx, c.logger)

	outcome := c.tick(ctx, log)

	c.metrics.RecordTick(c.settings.Symbol, outcome, c.now().Sub(start).Seconds())
	c.saveSnapshot(ctx)
	c.publishStatus(outcome)

	if outcome == OutcomeHalted {
		return c.settings.HaltBackoff
	}
	return c.settings.TickInterval
}

func (c *Controller) tick(ctx context.Context, log *logging.Logger) string {
	if ctx.Err() != nil {
		return OutcomeStopped
	}

	if ok, reason := c.guard.CanTrade(); !ok {
		log.Warn("Trading halted, skipping evaluation", "reason", reason)
		return OutcomeHalted
	}

	now := c.now()

	price, err := circuit.Call(ctx, c.retrier, "current_price", c.exchange.CurrentPrice)
	if err != nil {
		return c.apiFailure(ctx, "current_price", err)
	}
	priceHint := c.checkPrice(log, price)

	if !c.initialized {
		if err := c.initialize(ctx); err != nil {
			return c.apiFailureRecorded(ctx)
		}
	} else {
		position, err := circuit.Call(ctx, c.retrier, "reconcile", c.reconciler.Reconcile)
		if err != nil {
			return c.apiFailure(ctx, "reconcile", err)
		}
		c.applyPosition(position)
	}

	p := &c.portfolio
	c.deriveState(log, p)

	since := now.Add(-time.Duration(c.settings.WindowSize) * c.interval)
	raw, err := circuit.Call(ctx, c.retrier, "fetch_window", func(ctx context.Context) ([]market.Sample, error) {
		return c.exchange.FetchWindow(ctx, since)
	})
	if err != nil {
		return c.apiFailure(ctx, "fetch_window", err)
	}
	window := c.filterBars(log, market.BuildWindow(raw, c.interval, c.settings.Stats))
	if market.HasGap(window) {
		log.Warn("Market window has gaps", "samples", len(window))
	}
	state := c.bank.Compute(window)

	if priceHint == 0 {
		if last, ok := market.Latest(window); ok {
			priceHint = last.Close
		}
	}

	if err := c.machine.Step(ctx, now, p, window, state, priceHint); err != nil {
		return c.apiFailure(ctx, "execution", err)
	}

	if last, ok := market.Latest(window); ok {
		c.lastTimestamp = last.Time
	}
	p.LastTick = now
	c.breaker.RecordSuccess()
	c.metrics.RecordState(c.settings.Symbol, string(p.State))
	c.metrics.RecordPosition(c.settings.Symbol, p.Position.InexactFloat64())
	return OutcomeOK
}

// checkPrice runs the sanity check and returns the price to hint orders
// with. A rejected sample is discarded and the last accepted price is used.
func (c *Controller) checkPrice(log *logging.Logger, price float64) float64 {
	err := c.guard.CheckPrice(price)
	if err == nil {
		c.portfolio.LastPrice = price
		c.metrics.RecordLastPrice(c.settings.Symbol, price)
		return price
	}

	var dataErr *risk.DataError
	if errors.As(err, &dataErr) {
		log.Warn("Price sample rejected", "price", dataErr.Price, "reason", dataErr.Reason)
		c.metrics.RecordError(c.settings.Symbol, "data")
		c.bus.PublishDataError(dataErr.Price, dataErr.Reason)
	}
	return c.guard.LastValidPrice()
}

// filterBars drops bars whose close fails the sanity check, so indicators
// only see vetted samples. Stats and gap flags are rebuilt without them.
func (c *Controller) filterBars(log *logging.Logger, window []market.Sample) []market.Sample {
	errs := c.guard.CheckSeries(market.Closes(window))

	kept := make([]market.Sample, 0, len(window))
	for i, err := range errs {
		if err == nil {
			kept = append(kept, window[i])
			continue
		}
		var dataErr *risk.DataError
		if errors.As(err, &dataErr) {
			log.Warn("Market bar rejected",
				"bar_time", window[i].Time,
				"close", dataErr.Price,
				"reason", dataErr.Reason,
			)
			c.metrics.RecordError(c.settings.Symbol, "data")
			c.bus.PublishDataError(dataErr.Price, dataErr.Reason)
		}
	}

	if len(kept) == len(window) {
		return window
	}
	return market.BuildWindow(kept, c.interval, c.settings.Stats)
}

// applyPosition overwrites the believed position with the ledger value.
func (c *Controller) applyPosition(position decimal.Decimal) {
	believed := c.portfolio.Position
	c.portfolio.Position = c.reconciler.Correct(believed, position)
	if !believed.Equal(position) {
		c.bus.PublishPositionReconciled(believed.String(), position.String())
	}
}

// deriveState refreshes the state tag and applies the post-exit debounce:
// right after an exit the ledger can still show a remainder, which would
// otherwise read as an incomplete entry.
func (c *Controller) deriveState(log *logging.Logger, p *PortfolioState) {
	fresh := DeriveState(p)
	reason := "derived from ledger"

	if p.LastAction == ActionExit && fresh == StateIncompleteEntry {
		log.Info("Debouncing post-exit state",
			"derived", string(fresh),
			"position", p.Position.String(),
		)
		fresh = StateReadyToEnter
		p.LastAction = ActionNone
		reason = "post-exit debounce"
	}

	if fresh != p.State {
		log.Info("State transition", "from", string(p.State), "to", string(fresh), "reason", reason)
		c.bus.PublishStateTransition(string(p.State), string(fresh), reason)
		p.State = fresh
	}
}

func (c *Controller) apiFailure(ctx context.Context, op string, err error) string {
	if ctx.Err() != nil {
		return OutcomeStopped
	}
	c.recordFailure(op, err)
	return OutcomeAPIError
}

// apiFailureRecorded is apiFailure for errors already counted.
func (c *Controller) apiFailureRecorded(ctx context.Context) string {
	if ctx.Err() != nil {
		return OutcomeStopped
	}
	return OutcomeAPIError
}

func (c *Controller) recordFailure(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	logging.ExchangeAPIContext(c.logger, op, nil).Warn("Exchange call failed", "error", err)
	c.metrics.RecordError(c.settings.Symbol, "connectivity")
	c.bus.PublishError(op, "exchange call failed", err)
	c.breaker.RecordFailure(err)
}

func (c *Controller) saveSnapshot(ctx context.Context) {
	summary := snapshot.Summary{
		LastTimestamp:     c.lastTimestamp,
		ConsecutiveErrors: c.breaker.ConsecutiveErrors(),
		LastUpdate:        c.now(),
	}
	// The snapshot is written even while stopping.
	if err := c.snapshots.Save(context.WithoutCancel(ctx), summary); err != nil {
		c.logger.Warn("Failed to save recovery snapshot", "error", err)
	}
}

func (c *Controller) publishStatus(outcome string) {
	halted, reason := c.guard.IsHalted(), ""
	if halted {
		_, reason = c.guard.CanTrade()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Status{
		Symbol:            c.settings.Symbol,
		Running:           c.running,
		Initialized:       c.initialized,
		Halted:            halted,
		HaltReason:        reason,
		ConsecutiveErrors: c.breaker.ConsecutiveErrors(),
		LastOutcome:       outcome,
		LastTimestamp:     c.lastTimestamp,
		Portfolio:         c.portfolio.Clone(),
	}
}

// Status returns the state as of the last completed tick.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.status
	s.Halted = c.guard.IsHalted()
	if s.Halted {
		_, s.HaltReason = c.guard.CanTrade()
	} else {
		s.HaltReason = ""
	}
	s.Risk = c.guard.GetRiskMetrics()
	s.Breaker = c.breaker.GetStats()
	return s
}

// Halt latches the guard from outside the loop.
func (c *Controller) Halt(reason string) {
	c.guard.Halt(reason)
}

// ClearHalt releases the halt latch and resets the error counter. It is the
// only way out of a halt.
func (c *Controller) ClearHalt() {
	c.breaker.ForceReset()
	c.guard.ClearHalt()
}

// IsRunning reports whether Run is active.
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}
