package autopilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convergence-trading-bot/internal/circuit"
	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/indicators"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"
	"convergence-trading-bot/internal/metrics"
	"convergence-trading-bot/internal/signal"

	"github.com/shopspring/decimal"
)

// MachineConfig holds the order parameters of the state machine.
type MachineConfig struct {
	Symbol       string
	OrderSize    decimal.Decimal
	OrderTimeout time.Duration // 0 never cancels
	DryRun       bool
}

// StateMachine applies one tick of the convergence rules to a
// PortfolioState. It never reads the position itself; the controller
// reconciles before calling Step.
type StateMachine struct {
	config     MachineConfig
	aggregator *signal.Aggregator
	gateway    exchange.ExecutionGateway
	retrier    *circuit.Retrier
	bus        *events.EventBus
	metrics    *metrics.Recorder
	logger     *logging.Logger
}

// NewStateMachine creates a state machine. recorder may be nil.
func NewStateMachine(
	config MachineConfig,
	aggregator *signal.Aggregator,
	gateway exchange.ExecutionGateway,
	retrier *circuit.Retrier,
	bus *events.EventBus,
	recorder *metrics.Recorder,
	logger *logging.Logger,
) *StateMachine {
	if logger == nil {
		logger = logging.Default()
	}
	return &StateMachine{
		config:     config,
		aggregator: aggregator,
		gateway:    gateway,
		retrier:    retrier,
		bus:        bus,
		metrics:    recorder,
		logger:     logger.WithComponent("StateMachine"),
	}
}

// Step runs the handler for p.State. The returned error is a gateway
// failure the caller should count against the circuit breaker; p is left
// consistent either way.
func (m *StateMachine) Step(ctx context.Context, now time.Time, p *PortfolioState, window []market.Sample, state indicators.State, priceHint float64) error {
	switch p.State {
	case StateReadyToEnter:
		return m.readyToEnter(ctx, now, p, window, state, priceHint)
	case StateIncompleteEntry:
		return m.incompleteEntry(ctx, now, p, window, state, priceHint)
	case StateReadyToExit:
		return m.readyToExit(ctx, now, p, window, state, priceHint)
	case StateIncompleteExit:
		return m.incompleteExit(ctx, now, p, window, state, priceHint)
	default:
		return fmt.Errorf("unknown trading state %q", p.State)
	}
}

func (m *StateMachine) readyToEnter(ctx context.Context, now time.Time, p *PortfolioState, window []market.Sample, state indicators.State, priceHint float64) error {
	sig := m.aggregator.EvaluateEntry(now, window, state, &p.EntryHistory)
	if sig == nil {
		return nil
	}

	logging.SignalContext(m.logger, m.config.Symbol, "entry", sig.FiredCount, sig.Required).
		Info("Entry quorum met", "indicators", sig.Indicators, "price", sig.Price)
	m.metrics.RecordSignal(m.config.Symbol, "entry")
	m.bus.PublishEntrySignal(sig.Price, sig.Indicators, sig.FiredCount, sig.Required)

	if m.config.DryRun {
		m.logger.Info("[DRY RUN] Would submit entry order",
			"size", m.config.OrderSize.String(),
			"price_hint", priceHint,
		)
		return nil
	}

	p.PendingEntry = sig
	m.transition(p, StateIncompleteEntry, "entry quorum met")

	// Submissions run to completion even when the loop is stopping.
	id, err := circuit.Call(context.WithoutCancel(ctx), m.retrier, "submit_entry", func(ctx context.Context) (string, error) {
		return m.gateway.SubmitEntry(ctx, m.config.OrderSize, priceHint)
	})
	if err != nil {
		p.clearEntry()
		m.transition(p, DeriveState(p), "entry submission failed")
		m.metrics.RecordOrder(m.config.Symbol, string(exchange.SideBuy), "submit_failed")
		return err
	}

	p.EntryOrder = &OrderRef{
		ID:          id,
		Side:        exchange.SideBuy,
		Size:        m.config.OrderSize,
		PriceHint:   priceHint,
		SubmittedAt: now,
		Status:      exchange.OrderPending,
	}
	p.TargetSize = p.Position.Add(m.config.OrderSize)
	p.LastAction = ActionEntry

	logging.OrderContext(m.logger, id, m.config.Symbol, string(exchange.SideBuy), m.config.OrderSize.InexactFloat64()).
		Info("Entry order submitted", "target", p.TargetSize.String())
	m.metrics.RecordOrder(m.config.Symbol, string(exchange.SideBuy), "submitted")
	m.bus.PublishOrder(events.EventOrderSubmitted, id, string(exchange.SideBuy), m.config.OrderSize.String(), priceHint)
	return nil
}

func (m *StateMachine) incompleteEntry(ctx context.Context, now time.Time, p *PortfolioState, window []market.Sample, state indicators.State, priceHint float64) error {
	if p.EntryOrder == nil {
		return m.readyToEnter(ctx, now, p, window, state, priceHint)
	}

	order := p.EntryOrder
	status, err := m.pollOrder(ctx, order)
	if err != nil {
		return err
	}
	order.Status = status

	switch status {
	case exchange.OrderFilled:
		if p.Position.GreaterThanOrEqual(p.TargetSize) {
			m.confirmEntry(p, order)
			return nil
		}
		if m.timedOut(now, order) {
			// The ledger never caught up; keep what it shows.
			m.logger.Warn("Entry fill not visible in ledger, accepting reconciled position",
				"order_id", order.ID,
				"position", p.Position.String(),
				"target", p.TargetSize.String(),
			)
			p.TargetSize = p.Position
			m.confirmEntry(p, order)
			return nil
		}
		m.logger.Debug("Entry filled, waiting for ledger",
			"order_id", order.ID,
			"position", p.Position.String(),
			"target", p.TargetSize.String(),
		)
		return nil

	case exchange.OrderRejected:
		m.abandonEntry(p, order, events.EventOrderRejected, "rejected")
		return nil

	default:
		if !m.timedOut(now, order) {
			return nil
		}
		if err := m.cancelOrder(ctx, order); err != nil {
			return err
		}
		m.abandonEntry(p, order, events.EventOrderCancelled, "cancelled")
		return nil
	}
}

func (m *StateMachine) confirmEntry(p *PortfolioState, order *OrderRef) {
	logging.OrderContext(m.logger, order.ID, m.config.Symbol, string(order.Side), order.Size.InexactFloat64()).
		Info("Entry confirmed by ledger", "position", p.Position.String())
	m.metrics.RecordOrder(m.config.Symbol, string(order.Side), string(exchange.OrderFilled))
	m.bus.PublishOrder(events.EventOrderFilled, order.ID, string(order.Side), order.Size.String(), order.PriceHint)

	p.clearEntry()
	p.Divergence.Reset()
	p.EntryHistory.Reset()
	m.transition(p, StateReadyToExit, "entry confirmed")
}

// abandonEntry clears an entry that ended without a full fill. Whatever the
// ledger shows is accepted as the new target so a partial fill is managed
// as a position rather than topped up.
func (m *StateMachine) abandonEntry(p *PortfolioState, order *OrderRef, eventType events.EventType, status string) {
	m.logger.Warn("Entry order ended without fill",
		"order_id", order.ID,
		"status", status,
		"position", p.Position.String(),
	)
	m.metrics.RecordOrder(m.config.Symbol, string(order.Side), status)
	m.bus.PublishOrder(eventType, order.ID, string(order.Side), order.Size.String(), order.PriceHint)

	p.clearEntry()
	p.TargetSize = p.Position
	m.transition(p, DeriveState(p), "entry "+status)
}

func (m *StateMachine) readyToExit(ctx context.Context, now time.Time, p *PortfolioState, window []market.Sample, state indicators.State, priceHint float64) error {
	sig, progress := m.aggregator.EvaluateExit(now, window, state, &p.Divergence)
	m.metrics.RecordDivergence(m.config.Symbol, progress.DivergenceCount)
	if sig == nil {
		return nil
	}

	logging.SignalContext(m.logger, m.config.Symbol, "exit", progress.DivergenceCount, progress.Required).Info("Exit divergence confirmed",
		"buckets", sig.Buckets,
		"indicators", sig.Indicators,
		"momentum", string(sig.MomentumCategory),
		"delay", sig.Delay.String(),
		"origin", sig.OriginTime,
	)
	m.metrics.RecordSignal(m.config.Symbol, "exit")
	m.bus.PublishExitSignal(sig.Price, sig.Indicators, sig.Buckets, string(sig.MomentumCategory), sig.Delay)

	if m.config.DryRun {
		m.logger.Info("[DRY RUN] Would submit exit order",
			"size", p.Position.String(),
			"price_hint", priceHint,
		)
		p.Divergence.Reset()
		return nil
	}

	p.PendingExit = sig
	m.transition(p, StateIncompleteExit, "exit divergence confirmed")
	return m.submitExit(ctx, now, p, priceHint)
}

func (m *StateMachine) incompleteExit(ctx context.Context, now time.Time, p *PortfolioState, _ []market.Sample, _ indicators.State, priceHint float64) error {
	// A confirmed exit whose order failed, was rejected or timed out is
	// resubmitted for the current ledger position.
	if p.ExitOrder == nil {
		return m.submitExit(ctx, now, p, priceHint)
	}

	order := p.ExitOrder
	status, err := m.pollOrder(ctx, order)
	if err != nil {
		return err
	}
	order.Status = status

	switch status {
	case exchange.OrderFilled:
		if !p.Position.IsPositive() {
			m.confirmExit(p, order)
			return nil
		}
		m.logger.Debug("Exit filled, waiting for ledger",
			"order_id", order.ID,
			"position", p.Position.String(),
		)
		return nil

	case exchange.OrderRejected:
		m.logger.Warn("Exit order rejected, retrying next tick", "order_id", order.ID)
		m.metrics.RecordOrder(m.config.Symbol, string(order.Side), "rejected")
		m.bus.PublishOrder(events.EventOrderRejected, order.ID, string(order.Side), order.Size.String(), order.PriceHint)
		p.ExitOrder = nil
		return nil

	default:
		if !m.timedOut(now, order) {
			return nil
		}
		if err := m.cancelOrder(ctx, order); err != nil {
			return err
		}
		m.logger.Warn("Exit order timed out, resubmitting next tick", "order_id", order.ID)
		m.metrics.RecordOrder(m.config.Symbol, string(order.Side), "cancelled")
		m.bus.PublishOrder(events.EventOrderCancelled, order.ID, string(order.Side), order.Size.String(), order.PriceHint)
		p.ExitOrder = nil
		return nil
	}
}

// submitExit sells the whole reconciled position.
func (m *StateMachine) submitExit(ctx context.Context, now time.Time, p *PortfolioState, priceHint float64) error {
	size := p.Position
	if !size.IsPositive() {
		m.logger.Info("Nothing to exit, position already flat", "position", size.String())
		p.clearExit()
		p.TargetSize = decimal.Zero
		p.LastAction = ActionExit
		m.transition(p, DeriveState(p), "position flat")
		return nil
	}

	id, err := circuit.Call(context.WithoutCancel(ctx), m.retrier, "submit_exit", func(ctx context.Context) (string, error) {
		return m.gateway.SubmitExit(ctx, size, priceHint)
	})
	if err != nil {
		// PendingExit stays set; the next tick retries the submission.
		m.metrics.RecordOrder(m.config.Symbol, string(exchange.SideSell), "submit_failed")
		return err
	}

	p.ExitOrder = &OrderRef{
		ID:          id,
		Side:        exchange.SideSell,
		Size:        size,
		PriceHint:   priceHint,
		SubmittedAt: now,
		Status:      exchange.OrderPending,
	}

	logging.OrderContext(m.logger, id, m.config.Symbol, string(exchange.SideSell), size.InexactFloat64()).
		Info("Exit order submitted")
	m.metrics.RecordOrder(m.config.Symbol, string(exchange.SideSell), "submitted")
	m.bus.PublishOrder(events.EventOrderSubmitted, id, string(exchange.SideSell), size.String(), priceHint)
	return nil
}

func (m *StateMachine) confirmExit(p *PortfolioState, order *OrderRef) {
	logging.OrderContext(m.logger, order.ID, m.config.Symbol, string(order.Side), order.Size.InexactFloat64()).
		Info("Exit confirmed by ledger")
	m.metrics.RecordOrder(m.config.Symbol, string(order.Side), string(exchange.OrderFilled))
	m.bus.PublishOrder(events.EventOrderFilled, order.ID, string(order.Side), order.Size.String(), order.PriceHint)

	p.clearExit()
	p.TargetSize = decimal.Zero
	p.LastAction = ActionExit
	m.transition(p, StateReadyToEnter, "exit confirmed")
}

// pollOrder fetches the order status. An order the venue does not know is
// reported as rejected.
func (m *StateMachine) pollOrder(ctx context.Context, order *OrderRef) (exchange.OrderStatus, error) {
	status, err := circuit.Call(ctx, m.retrier, "order_status", func(ctx context.Context) (exchange.OrderStatus, error) {
		return m.gateway.OrderStatus(ctx, order.ID)
	})
	if errors.Is(err, exchange.ErrOrderNotFound) {
		m.logger.Warn("Order unknown to venue", "order_id", order.ID)
		return exchange.OrderRejected, nil
	}
	return status, err
}

func (m *StateMachine) cancelOrder(ctx context.Context, order *OrderRef) error {
	m.logger.Info("Cancelling stale order",
		"order_id", order.ID,
		"side", string(order.Side),
		"submitted_at", order.SubmittedAt,
	)
	err := m.retrier.Do(context.WithoutCancel(ctx), "cancel_order", func(ctx context.Context) error {
		return m.gateway.Cancel(ctx, order.ID)
	})
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (m *StateMachine) timedOut(now time.Time, order *OrderRef) bool {
	return m.config.OrderTimeout > 0 && now.Sub(order.SubmittedAt) > m.config.OrderTimeout
}

func (m *StateMachine) transition(p *PortfolioState, to TradingState, reason string) {
	if p.State == to {
		return
	}
	m.logger.Info("State transition", "from", string(p.State), "to", string(to), "reason", reason)
	m.bus.PublishStateTransition(string(p.State), string(to), reason)
	p.State = to
}
