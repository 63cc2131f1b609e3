package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventEntrySignal        EventType = "ENTRY_SIGNAL"
	EventExitSignal         EventType = "EXIT_SIGNAL"
	EventStateTransition    EventType = "STATE_TRANSITION"
	EventOrderSubmitted     EventType = "ORDER_SUBMITTED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventOrderRejected      EventType = "ORDER_REJECTED"
	EventPositionReconciled EventType = "POSITION_RECONCILED"
	EventTradingHalted      EventType = "TRADING_HALTED"
	EventHaltCleared        EventType = "HALT_CLEARED"
	EventDataError          EventType = "DATA_ERROR"
	EventBotStarted         EventType = "BOT_STARTED"
	EventBotStopped         EventType = "BOT_STOPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Subscribers run on
// their own goroutines and must not block the publisher.
type EventBus struct {
	mu          sync.RWMutex
	symbol      string
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus. symbol is stamped on every event.
func NewEventBus(symbol string) *EventBus {
	return &EventBus{
		symbol:      symbol,
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Symbol == "" {
		event.Symbol = eb.symbol
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			eb.dispatch(sub, event)
		}
	}

	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		sub(event)
	}()
}

// Drain waits for in-flight subscriber calls, e.g. before closing sinks.
func (eb *EventBus) Drain() {
	eb.wg.Wait()
}

// PublishEntrySignal publishes a convergence entry signal
func (eb *EventBus) PublishEntrySignal(price float64, indicators []string, fired, required int) {
	eb.Publish(Event{
		Type: EventEntrySignal,
		Data: map[string]interface{}{
			"price":      price,
			"indicators": indicators,
			"fired":      fired,
			"required":   required,
		},
	})
}

// PublishExitSignal publishes a divergence exit signal
func (eb *EventBus) PublishExitSignal(price float64, indicators, buckets []string, momentum string, delay time.Duration) {
	eb.Publish(Event{
		Type: EventExitSignal,
		Data: map[string]interface{}{
			"price":      price,
			"indicators": indicators,
			"buckets":    buckets,
			"momentum":   momentum,
			"delay_secs": delay.Seconds(),
		},
	})
}

// PublishStateTransition publishes a trading state change
func (eb *EventBus) PublishStateTransition(from, to, reason string) {
	eb.Publish(Event{
		Type: EventStateTransition,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishOrder publishes an order lifecycle event
func (eb *EventBus) PublishOrder(eventType EventType, orderID, side, size string, price float64) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"order_id": orderID,
			"side":     side,
			"size":     size,
			"price":    price,
		},
	})
}

// PublishPositionReconciled publishes a ledger correction
func (eb *EventBus) PublishPositionReconciled(believed, ledger string) {
	eb.Publish(Event{
		Type: EventPositionReconciled,
		Data: map[string]interface{}{
			"believed": believed,
			"ledger":   ledger,
		},
	})
}

// PublishHalt publishes the halt latch being set
func (eb *EventBus) PublishHalt(reason string) {
	eb.Publish(Event{
		Type: EventTradingHalted,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishHaltCleared publishes the halt latch being released
func (eb *EventBus) PublishHaltCleared() {
	eb.Publish(Event{Type: EventHaltCleared, Data: map[string]interface{}{}})
}

// PublishDataError publishes a rejected price sample. The price is sent as
// text since rejected values may be NaN or infinite.
func (eb *EventBus) PublishDataError(price float64, reason string) {
	eb.Publish(Event{
		Type: EventDataError,
		Data: map[string]interface{}{
			"price":  strconv.FormatFloat(price, 'f', -1, 64),
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
