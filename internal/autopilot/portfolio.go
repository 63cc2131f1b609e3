package autopilot

import (
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/signal"

	"github.com/shopspring/decimal"
)

// TradingState is the state machine tag.
type TradingState string

const (
	StateReadyToEnter    TradingState = "READY_TO_ENTER"
	StateIncompleteEntry TradingState = "INCOMPLETE_ENTRY"
	StateReadyToExit     TradingState = "READY_TO_EXIT"
	StateIncompleteExit  TradingState = "INCOMPLETE_EXIT"
)

// AllStates lists every state tag, used for the one-hot state gauge.
func AllStates() []string {
	return []string{
		string(StateReadyToEnter),
		string(StateIncompleteEntry),
		string(StateReadyToExit),
		string(StateIncompleteExit),
	}
}

// Action is the last completed trading action.
type Action string

const (
	ActionNone  Action = ""
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

// OrderRef tracks an order submitted through the execution gateway.
type OrderRef struct {
	ID          string               `json:"id"`
	Side        exchange.Side        `json:"side"`
	Size        decimal.Decimal      `json:"size"`
	PriceHint   float64              `json:"price_hint"`
	SubmittedAt time.Time            `json:"submitted_at"`
	Status      exchange.OrderStatus `json:"status"`
}

// PortfolioState is everything the loop knows about the position. It is
// owned by the control loop; anything handed out is a Clone.
type PortfolioState struct {
	State    TradingState    `json:"state"`
	Position decimal.Decimal `json:"position"`
	// TargetSize is the position the current entry is expected to reach.
	// Zero means no confirmed target.
	TargetSize   decimal.Decimal     `json:"target_size"`
	PendingEntry *signal.EntrySignal `json:"pending_entry,omitempty"`
	PendingExit  *signal.ExitSignal  `json:"pending_exit,omitempty"`
	EntryOrder   *OrderRef           `json:"entry_order,omitempty"`
	ExitOrder    *OrderRef           `json:"exit_order,omitempty"`
	Divergence   signal.Divergence   `json:"divergence"`
	EntryHistory signal.EntryHistory `json:"-"`
	LastAction   Action              `json:"last_action,omitempty"`
	LastPrice    float64             `json:"last_price"`
	LastTick     time.Time           `json:"last_tick"`
}

// NewPortfolioState builds the starting state from a reconciled position.
// A nonzero position is treated as a completed entry.
func NewPortfolioState(position decimal.Decimal) PortfolioState {
	p := PortfolioState{Position: position}
	if !position.IsZero() {
		p.TargetSize = position
	}
	p.State = DeriveState(&p)
	return p
}

// DeriveState computes the state tag from the reconciled position and the
// in-flight bookkeeping. Order matters: open orders win over the position.
func DeriveState(p *PortfolioState) TradingState {
	switch {
	case p.EntryOrder != nil:
		return StateIncompleteEntry
	case p.PendingExit != nil || p.ExitOrder != nil:
		return StateIncompleteExit
	case p.Position.IsZero():
		return StateReadyToEnter
	case p.TargetSize.IsZero() || p.Position.LessThan(p.TargetSize):
		return StateIncompleteEntry
	default:
		return StateReadyToExit
	}
}

// Clone returns a copy that shares nothing mutable with p.
func (p *PortfolioState) Clone() PortfolioState {
	c := *p
	if p.PendingEntry != nil {
		e := *p.PendingEntry
		e.Indicators = append([]string(nil), e.Indicators...)
		c.PendingEntry = &e
	}
	if p.PendingExit != nil {
		x := *p.PendingExit
		x.Indicators = append([]string(nil), x.Indicators...)
		x.Buckets = append([]string(nil), x.Buckets...)
		c.PendingExit = &x
	}
	if p.EntryOrder != nil {
		o := *p.EntryOrder
		c.EntryOrder = &o
	}
	if p.ExitOrder != nil {
		o := *p.ExitOrder
		c.ExitOrder = &o
	}
	c.Divergence.Buckets = append([]string(nil), p.Divergence.Buckets...)
	c.Divergence.Indicators = append([]string(nil), p.Divergence.Indicators...)
	c.EntryHistory.Ticks = nil
	for _, tick := range p.EntryHistory.Ticks {
		c.EntryHistory.Ticks = append(c.EntryHistory.Ticks, append([]string(nil), tick...))
	}
	return c
}

// clearEntry drops the entry bookkeeping after the order reached an end.
func (p *PortfolioState) clearEntry() {
	p.PendingEntry = nil
	p.EntryOrder = nil
}

// clearExit drops the exit bookkeeping and the divergence that produced it.
func (p *PortfolioState) clearExit() {
	p.PendingExit = nil
	p.ExitOrder = nil
	p.Divergence.Reset()
}
