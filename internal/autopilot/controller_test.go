package autopilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"convergence-trading-bot/internal/circuit"
	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/indicators"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"
	"convergence-trading-bot/internal/reconcile"
	"convergence-trading-bot/internal/risk"
	"convergence-trading-bot/internal/signal"
	"convergence-trading-bot/internal/snapshot"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// fakeExchange is an in-memory venue. Orders fill immediately when
// fillOnSubmit is set; otherwise they stay pending.
type fakeExchange struct {
	mu           sync.Mutex
	prices       []float64
	priceErr     error
	priceCalls   int
	bars         []market.Sample
	trades       []exchange.Trade
	fillOnSubmit bool
	orders       map[string]exchange.OrderStatus
	cancelled    []string
	submitted    []exchange.Side
	nextID       int
}

func newFakeExchange() *fakeExchange {
	bars := make([]market.Sample, 20)
	for i := range bars {
		bars[i] = market.Sample{
			Time:   t0.Add(time.Duration(i-20) * time.Minute),
			Open:   100,
			High:   101,
			Low:    99,
			Close:  100,
			Volume: 10,
		}
	}
	return &fakeExchange{
		prices: []float64{100},
		bars:   bars,
		orders: make(map[string]exchange.OrderStatus),
	}
}

func (f *fakeExchange) FetchWindow(context.Context, time.Time) ([]market.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]market.Sample(nil), f.bars...), nil
}

func (f *fakeExchange) CurrentPrice(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	p := f.prices[0]
	if len(f.prices) > 1 {
		f.prices = f.prices[1:]
	}
	return p, nil
}

func (f *fakeExchange) submit(side exchange.Side, size decimal.Decimal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("o%d", f.nextID)
	f.submitted = append(f.submitted, side)
	if f.fillOnSubmit {
		f.orders[id] = exchange.OrderFilled
		f.trades = append(f.trades, exchange.Trade{
			ID: "t-" + id, Time: t0.Add(time.Duration(f.nextID) * time.Second), Side: side, Volume: size,
		})
	} else {
		f.orders[id] = exchange.OrderPending
	}
	return id
}

func (f *fakeExchange) SubmitEntry(_ context.Context, size decimal.Decimal, _ float64) (string, error) {
	return f.submit(exchange.SideBuy, size), nil
}

func (f *fakeExchange) SubmitExit(_ context.Context, size decimal.Decimal, _ float64) (string, error) {
	return f.submit(exchange.SideSell, size), nil
}

func (f *fakeExchange) OrderStatus(_ context.Context, id string) (exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orders[id]
	if !ok {
		return "", exchange.ErrOrderNotFound
	}
	return status, nil
}

func (f *fakeExchange) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	f.orders[id] = exchange.OrderRejected
	return nil
}

func (f *fakeExchange) GetTradesHistory(context.Context, time.Time) ([]exchange.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Trade(nil), f.trades...), nil
}

func (f *fakeExchange) GetBalance(context.Context) (exchange.Holdings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return exchange.Holdings{Asset: "BTC", Free: reconcile.NetPosition(f.trades)}, nil
}

func (f *fakeExchange) setTrades(trades ...exchange.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = trades
}

// switchboard drives the test indicators.
type switchboard struct {
	mu    sync.Mutex
	entry bool
	exit  bool
}

func (s *switchboard) set(entry, exit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry, s.exit = entry, exit
}

func (s *switchboard) indicator(name string, exit bool) indicators.Indicator {
	return indicators.New(name, 1, func([]market.Sample) indicators.Reading {
		s.mu.Lock()
		defer s.mu.Unlock()
		if exit {
			return indicators.Reading{Fired: s.exit}
		}
		return indicators.Reading{Fired: s.entry}
	})
}

type harness struct {
	ctrl   *Controller
	ex     *fakeExchange
	sw     *switchboard
	bus    *events.EventBus
	store  *snapshot.FileStore
	clock  time.Time
	mu     sync.Mutex
	events []events.Event
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"})
}

func newHarness(t *testing.T, ex *fakeExchange) *harness {
	t.Helper()

	sw := &switchboard{}
	var entry []indicators.Indicator
	for i := 0; i < 8; i++ {
		entry = append(entry, sw.indicator(fmt.Sprintf("entry_%d", i), false))
	}
	exit := []indicators.Indicator{
		sw.indicator("exit_fast", true),
		sw.indicator("exit_medium", true),
		sw.indicator("exit_slow", true),
	}
	bank, err := indicators.NewBank(entry, exit)
	if err != nil {
		t.Fatal(err)
	}

	agg := signal.NewAggregator(
		signal.Config{EntryQuorum: 7, EntryLookbackTicks: 1, MinDivergence: 3},
		signal.StaticBuckets{"exit_fast": "fast", "exit_medium": "medium", "exit_slow": "slow"},
		signal.DelayTable{},
		signal.PercentMomentum{Lookback: 3, ThresholdPct: 1},
	).WithLogger(quietLogger())

	bus := events.NewEventBus("BTCUSDT")
	retrier := circuit.NewRetrier(&circuit.RetryConfig{MaxRetries: 0}, quietLogger())
	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "recovery.json"), zerolog.Nop())

	machine := NewStateMachine(MachineConfig{
		Symbol:       "BTCUSDT",
		OrderSize:    decimal.RequireFromString("0.5"),
		OrderTimeout: 2 * time.Minute,
	}, agg, ex, retrier, bus, nil, quietLogger())

	ctrl := NewController(Settings{
		Symbol:       "BTCUSDT",
		Interval:     "1m",
		WindowSize:   20,
		TickInterval: 30 * time.Second,
		HaltBackoff:  5 * time.Minute,
		Stats:        market.StatsConfig{SMAFast: 2, SMASlow: 3, BandPeriod: 3, BandStdDev: 2},
	}, Dependencies{
		Exchange:   ex,
		Bank:       bank,
		Machine:    machine,
		Reconciler: reconcile.NewReconciler(ex, 24*time.Hour, quietLogger()),
		Guard:      risk.NewGuard(&risk.Config{MinPrice: 0.1, MaxSpikePercent: 100}),
		Breaker:    circuit.NewCircuitBreaker(&circuit.Config{Enabled: true, MaxConsecutiveErrors: 3}),
		Retrier:    retrier,
		Snapshots:  store,
		Bus:        bus,
		Logger:     quietLogger(),
	})

	h := &harness{ctrl: ctrl, ex: ex, sw: sw, bus: bus, store: store, clock: t0}
	ctrl.now = func() time.Time { return h.clock }
	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	return h
}

func (h *harness) tick() time.Duration {
	d := h.ctrl.Tick(context.Background())
	h.clock = h.clock.Add(30 * time.Second)
	return d
}

func (h *harness) count(eventType events.EventType) int {
	h.bus.Drain()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (h *harness) state() TradingState {
	return h.ctrl.Status().Portfolio.State
}

func buy(id string, volume string) exchange.Trade {
	return exchange.Trade{ID: id, Time: t0.Add(-time.Hour), Side: exchange.SideBuy, Volume: decimal.RequireFromString(volume)}
}

func TestRestoreRebuildsFromLedgerWithCorruptSnapshot(t *testing.T) {
	ex := newFakeExchange()
	ex.setTrades(buy("a", "0.2"), buy("b", "0.1"))
	h := newHarness(t, ex)

	if err := os.WriteFile(h.store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	h.ctrl.Restore(context.Background())

	status := h.ctrl.Status()
	if !status.Initialized {
		t.Fatal("controller not initialized after restore")
	}
	if !status.Portfolio.Position.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("position = %s, want 0.3", status.Portfolio.Position)
	}
	if status.Portfolio.State != StateReadyToExit {
		t.Errorf("state = %s, want READY_TO_EXIT", status.Portfolio.State)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, want 0", status.ConsecutiveErrors)
	}
}

func TestRestoreFlatLedgerStartsReadyToEnter(t *testing.T) {
	h := newHarness(t, newFakeExchange())
	h.ctrl.Restore(context.Background())

	if got := h.state(); got != StateReadyToEnter {
		t.Errorf("state = %s, want READY_TO_ENTER", got)
	}
}

func TestFullEntryExitCycle(t *testing.T) {
	ex := newFakeExchange()
	ex.fillOnSubmit = true
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	h.sw.set(true, false)
	h.tick()
	if got := h.state(); got != StateIncompleteEntry {
		t.Fatalf("after entry signal state = %s, want INCOMPLETE_ENTRY", got)
	}

	h.sw.set(false, false)
	h.tick()
	status := h.ctrl.Status()
	if status.Portfolio.State != StateReadyToExit {
		t.Fatalf("after fill state = %s, want READY_TO_EXIT", status.Portfolio.State)
	}
	if !status.Portfolio.Position.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("position = %s, want 0.5", status.Portfolio.Position)
	}

	h.sw.set(false, true)
	h.tick()
	if got := h.state(); got != StateIncompleteExit {
		t.Fatalf("after exit signal state = %s, want INCOMPLETE_EXIT", got)
	}

	h.sw.set(false, false)
	h.tick()
	status = h.ctrl.Status()
	if status.Portfolio.State != StateReadyToEnter {
		t.Fatalf("after exit fill state = %s, want READY_TO_ENTER", status.Portfolio.State)
	}
	if !status.Portfolio.Position.IsZero() {
		t.Errorf("position = %s, want 0", status.Portfolio.Position)
	}
	if status.Portfolio.LastAction != ActionExit {
		t.Errorf("last action = %q, want exit", status.Portfolio.LastAction)
	}
	if status.Portfolio.Divergence.Count() != 0 {
		t.Error("divergence not reset after exit")
	}

	if len(ex.submitted) != 2 || ex.submitted[0] != exchange.SideBuy || ex.submitted[1] != exchange.SideSell {
		t.Errorf("submitted = %v, want [BUY SELL]", ex.submitted)
	}
	if n := h.count(events.EventOrderFilled); n != 2 {
		t.Errorf("filled events = %d, want 2", n)
	}
	if n := h.count(events.EventEntrySignal); n != 1 {
		t.Errorf("entry signal events = %d, want 1", n)
	}
}

func TestEntryBelowQuorumDoesNothing(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	h.tick()
	if got := h.state(); got != StateReadyToEnter {
		t.Errorf("state = %s, want READY_TO_ENTER", got)
	}
	if len(ex.submitted) != 0 {
		t.Errorf("submitted %d orders, want 0", len(ex.submitted))
	}
}

func TestPostExitDebounceAppliesOnce(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	// The exit just completed but the ledger still shows a remainder.
	h.ctrl.portfolio.LastAction = ActionExit
	ex.setTrades(buy("late", "0.1"))

	h.tick()
	status := h.ctrl.Status()
	if status.Portfolio.State != StateReadyToEnter {
		t.Fatalf("first tick state = %s, want READY_TO_ENTER", status.Portfolio.State)
	}
	if status.Portfolio.LastAction != ActionNone {
		t.Errorf("last action = %q, want cleared", status.Portfolio.LastAction)
	}

	h.tick()
	if got := h.state(); got != StateIncompleteEntry {
		t.Errorf("second tick state = %s, want INCOMPLETE_ENTRY", got)
	}
}

func TestHaltSkipsEvaluationUntilCleared(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	h.ctrl.Halt("operator")
	if d := h.tick(); d != 5*time.Minute {
		t.Errorf("halted tick delay = %v, want halt backoff", d)
	}
	if ex.priceCalls != 0 {
		t.Errorf("halted tick fetched price %d times", ex.priceCalls)
	}
	if !h.ctrl.Status().Halted {
		t.Error("status not halted")
	}

	h.ctrl.ClearHalt()
	if d := h.tick(); d != 30*time.Second {
		t.Errorf("tick delay after clear = %v, want tick interval", d)
	}
	if ex.priceCalls != 1 {
		t.Errorf("price calls = %d, want 1", ex.priceCalls)
	}
	if n := h.count(events.EventHaltCleared); n != 1 {
		t.Errorf("halt cleared events = %d, want 1", n)
	}
}

func TestConnectivityErrorsLatchHalt(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	ex.priceErr = errors.New("dial tcp: connection refused")
	for i := 0; i < 3; i++ {
		h.tick()
	}

	status := h.ctrl.Status()
	if !status.Halted {
		t.Fatal("three consecutive failures did not halt trading")
	}
	if n := h.count(events.EventTradingHalted); n != 1 {
		t.Errorf("halt events = %d, want 1", n)
	}

	saved := h.store.Load(context.Background())
	if saved.ConsecutiveErrors != 3 {
		t.Errorf("snapshot consecutive errors = %d, want 3", saved.ConsecutiveErrors)
	}

	// Recovery of the venue alone does not resume trading.
	ex.priceErr = nil
	if d := h.tick(); d != 5*time.Minute {
		t.Errorf("delay = %v, want halt backoff", d)
	}
	if !h.ctrl.Status().Halted {
		t.Error("halt cleared without ClearHalt")
	}
}

func TestSuccessfulTickResetsErrorCount(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	ex.priceErr = errors.New("503 service unavailable")
	h.tick()
	h.tick()
	ex.priceErr = nil
	h.tick()

	if got := h.ctrl.Status().ConsecutiveErrors; got != 0 {
		t.Errorf("consecutive errors = %d, want 0", got)
	}
}

func TestRestoredErrorCountCarriesOver(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	if err := h.store.Save(context.Background(), snapshot.Summary{ConsecutiveErrors: 2, LastUpdate: t0}); err != nil {
		t.Fatal(err)
	}

	h.ctrl.Restore(context.Background())
	if h.ctrl.Status().Halted {
		t.Fatal("restoring the error count alone halted trading")
	}

	ex.priceErr = errors.New("connection reset by peer")
	h.tick()
	if !h.ctrl.Status().Halted {
		t.Error("one more failure after restore did not halt trading")
	}
}

func TestRejectedPriceIsDiscarded(t *testing.T) {
	ex := newFakeExchange()
	ex.prices = []float64{100, 250, 150}
	h := newHarness(t, ex)
	h.ctrl.Restore(context.Background())

	h.tick()
	h.tick()
	status := h.ctrl.Status()
	if status.Portfolio.LastPrice != 100 {
		t.Errorf("last price = %v, want 100 after spike rejection", status.Portfolio.LastPrice)
	}
	if status.LastOutcome != OutcomeOK {
		t.Errorf("outcome = %q, want ok", status.LastOutcome)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("data error counted as connectivity failure")
	}
	if n := h.count(events.EventDataError); n != 1 {
		t.Errorf("data error events = %d, want 1", n)
	}

	h.tick()
	if got := h.ctrl.Status().Portfolio.LastPrice; got != 150 {
		t.Errorf("last price = %v, want 150", got)
	}
}

func TestRejectedBarsNeverReachIndicators(t *testing.T) {
	ex := newFakeExchange()
	ex.bars[18].Close = 900
	ex.bars[19].Close = 0.01
	h := newHarness(t, ex)

	var mu sync.Mutex
	var seen []float64
	closes := indicators.New("closes", 1, func(w []market.Sample) indicators.Reading {
		mu.Lock()
		defer mu.Unlock()
		seen = market.Closes(w)
		return indicators.Reading{}
	})
	idle := indicators.New("idle_exit", 1, func([]market.Sample) indicators.Reading {
		return indicators.Reading{}
	})
	bank, err := indicators.NewBank([]indicators.Indicator{closes}, []indicators.Indicator{idle})
	if err != nil {
		t.Fatal(err)
	}
	h.ctrl.bank = bank
	h.ctrl.Restore(context.Background())

	h.tick()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 18 {
		t.Fatalf("indicators saw %d bars, want 18", len(seen))
	}
	for i, c := range seen {
		if c != 100 {
			t.Errorf("bar %d close = %v reached indicators", i, c)
		}
	}
	if n := h.count(events.EventDataError); n != 2 {
		t.Errorf("data error events = %d, want 2", n)
	}

	status := h.ctrl.Status()
	if status.LastOutcome != OutcomeOK || status.Halted {
		t.Errorf("outcome = %q halted = %v, want ok and running", status.LastOutcome, status.Halted)
	}
	if got := h.ctrl.guard.LastValidPrice(); got != 100 {
		t.Errorf("last valid price = %v, want 100 from the ticker", got)
	}
	if got := status.Risk["rejected_prices"]; got != 2 {
		t.Errorf("status risk rejected_prices = %v, want 2", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, newFakeExchange())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !h.ctrl.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if h.ctrl.IsRunning() {
		t.Error("controller still reports running")
	}
}
