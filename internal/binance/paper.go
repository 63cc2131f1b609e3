package binance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperExchange fills orders instantly at the current price of an underlying
// market data source and keeps its own trade ledger. Market data passes
// through untouched, so it can run against live prices without an account.
type PaperExchange struct {
	market    exchange.MarketDataSource
	baseAsset string

	mu     sync.RWMutex
	trades []exchange.Trade
	orders map[string]exchange.OrderStatus
	held   decimal.Decimal
	now    func() time.Time
}

var _ exchange.Exchange = (*PaperExchange)(nil)

// NewPaperExchange wraps a market data source
func NewPaperExchange(source exchange.MarketDataSource, baseAsset string) *PaperExchange {
	return &PaperExchange{
		market:    source,
		baseAsset: baseAsset,
		orders:    make(map[string]exchange.OrderStatus),
		now:       time.Now,
	}
}

func (p *PaperExchange) FetchWindow(ctx context.Context, since time.Time) ([]market.Sample, error) {
	return p.market.FetchWindow(ctx, since)
}

func (p *PaperExchange) CurrentPrice(ctx context.Context) (float64, error) {
	return p.market.CurrentPrice(ctx)
}

func (p *PaperExchange) SubmitEntry(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error) {
	return p.fill(ctx, exchange.SideBuy, size, priceHint)
}

func (p *PaperExchange) SubmitExit(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error) {
	return p.fill(ctx, exchange.SideSell, size, priceHint)
}

func (p *PaperExchange) fill(ctx context.Context, side exchange.Side, size decimal.Decimal, priceHint float64) (string, error) {
	if !size.IsPositive() {
		return "", fmt.Errorf("order size must be positive, got %s", size)
	}

	price, err := p.market.CurrentPrice(ctx)
	if err != nil || price <= 0 {
		price = priceHint
	}

	orderID := NewClientOrderID()

	p.mu.Lock()
	defer p.mu.Unlock()

	if side == exchange.SideSell && size.GreaterThan(p.held) {
		p.orders[orderID] = exchange.OrderRejected
		return orderID, nil
	}

	fillPrice := decimal.NewFromFloat(price)
	p.trades = append(p.trades, exchange.Trade{
		ID:     uuid.NewString(),
		Time:   p.now().UTC(),
		Side:   side,
		Volume: size,
		Price:  fillPrice,
		Cost:   fillPrice.Mul(size),
		Fee:    decimal.Zero,
	})
	if side == exchange.SideBuy {
		p.held = p.held.Add(size)
	} else {
		p.held = p.held.Sub(size)
	}
	p.orders[orderID] = exchange.OrderFilled
	return orderID, nil
}

func (p *PaperExchange) OrderStatus(_ context.Context, orderID string) (exchange.OrderStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
	}
	return status, nil
}

// Cancel is a no-op for filled orders; paper orders never rest.
func (p *PaperExchange) Cancel(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
	}
	if !status.Terminal() {
		p.orders[orderID] = exchange.OrderRejected
	}
	return nil
}

func (p *PaperExchange) GetTradesHistory(_ context.Context, start time.Time) ([]exchange.Trade, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]exchange.Trade, 0, len(p.trades))
	for _, t := range p.trades {
		if !t.Time.Before(start) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *PaperExchange) GetBalance(_ context.Context) (exchange.Holdings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return exchange.Holdings{Asset: p.baseAsset, Free: p.held}, nil
}

// SimulatedMarket generates a random-walk bar series for offline runs.
// Bars are appended as wall-clock time passes, so the history stays
// consistent between calls.
type SimulatedMarket struct {
	interval   time.Duration
	volatility float64
	rng        *rand.Rand
	now        func() time.Time

	mu   sync.Mutex
	bars []market.Sample
}

// NewSimulatedMarket seeds history bars ending at the current interval.
func NewSimulatedMarket(startPrice float64, interval time.Duration, history int, seed int64) *SimulatedMarket {
	m := &SimulatedMarket{
		interval:   interval,
		volatility: 0.02,
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
	}

	end := m.now().Truncate(interval)
	price := startPrice
	for i := history; i > 0; i-- {
		bar := m.nextBar(end.Add(-time.Duration(i)*interval), price)
		m.bars = append(m.bars, bar)
		price = bar.Close
	}
	return m
}

func (m *SimulatedMarket) nextBar(openTime time.Time, open float64) market.Sample {
	change := (m.rng.Float64() - 0.5) * m.volatility * 2
	closePrice := open * (1 + change)
	high := math.Max(open, closePrice) * (1 + m.rng.Float64()*m.volatility*0.5)
	low := math.Min(open, closePrice) * (1 - m.rng.Float64()*m.volatility*0.5)

	return market.Sample{
		Time:   openTime.UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
		Volume: 1000 + m.rng.Float64()*5000,
	}
}

// advance appends bars for every interval closed since the last one.
func (m *SimulatedMarket) advance() {
	if len(m.bars) == 0 {
		return
	}
	current := m.now().Truncate(m.interval)
	last := m.bars[len(m.bars)-1]
	for next := last.Time.Add(m.interval); next.Before(current); next = next.Add(m.interval) {
		bar := m.nextBar(next, last.Close)
		m.bars = append(m.bars, bar)
		last = bar
	}
}

func (m *SimulatedMarket) FetchWindow(_ context.Context, since time.Time) ([]market.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance()
	out := make([]market.Sample, 0, len(m.bars))
	for _, b := range m.bars {
		if !b.Time.Before(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

// CurrentPrice returns the last close with a small jitter.
func (m *SimulatedMarket) CurrentPrice(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advance()
	if len(m.bars) == 0 {
		return 0, fmt.Errorf("simulated market has no bars")
	}
	last := m.bars[len(m.bars)-1].Close
	return last * (1 + (m.rng.Float64()-0.5)*0.001), nil
}
