package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxKlineLimit = 1000
	maxTradeLimit = 1000
)

// ExchangeConfig binds the adapter to one spot symbol
type ExchangeConfig struct {
	Symbol       string
	BaseAsset    string
	Interval     string
	WindowSize   int
	StreamMaxAge time.Duration // Stream price older than this falls back to REST
}

// Exchange adapts the spot REST client (and optional trade stream) to the
// venue interfaces the trading loop uses.
type Exchange struct {
	client *Client
	stream *PriceStream
	config ExchangeConfig
	logger *logging.Logger
	now    func() time.Time
}

var _ exchange.Exchange = (*Exchange)(nil)

// NewExchange creates the adapter. stream may be nil.
func NewExchange(client *Client, stream *PriceStream, cfg ExchangeConfig, logger *logging.Logger) *Exchange {
	if cfg.StreamMaxAge <= 0 {
		cfg.StreamMaxAge = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Exchange{
		client: client,
		stream: stream,
		config: cfg,
		logger: logger.WithComponent("BinanceExchange"),
		now:    time.Now,
	}
}

// FetchWindow returns closed bars opened at or after since, oldest first.
func (e *Exchange) FetchWindow(ctx context.Context, since time.Time) ([]market.Sample, error) {
	limit := e.config.WindowSize
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	klines, err := e.client.GetKlines(ctx, e.config.Symbol, e.config.Interval, since, limit)
	if err != nil {
		return nil, err
	}
	return klinesToSamples(klines, e.now()), nil
}

func klinesToSamples(klines []Kline, now time.Time) []market.Sample {
	samples := make([]market.Sample, 0, len(klines))
	nowMs := now.UnixMilli()
	for _, k := range klines {
		// The newest bar is still forming until its close time passes.
		if k.CloseTime >= nowMs {
			continue
		}
		samples = append(samples, market.Sample{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	return samples
}

// CurrentPrice prefers a fresh stream price and falls back to the ticker.
func (e *Exchange) CurrentPrice(ctx context.Context) (float64, error) {
	if e.stream != nil {
		if price, ok := e.stream.Fresh(e.config.StreamMaxAge); ok {
			return price, nil
		}
	}
	return e.client.GetCurrentPrice(ctx, e.config.Symbol)
}

// SubmitEntry places a market buy and returns its client order id.
func (e *Exchange) SubmitEntry(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error) {
	return e.submit(ctx, exchange.SideBuy, size, priceHint)
}

// SubmitExit places a market sell and returns its client order id.
func (e *Exchange) SubmitExit(ctx context.Context, size decimal.Decimal, priceHint float64) (string, error) {
	return e.submit(ctx, exchange.SideSell, size, priceHint)
}

func (e *Exchange) submit(ctx context.Context, side exchange.Side, size decimal.Decimal, priceHint float64) (string, error) {
	if !size.IsPositive() {
		return "", fmt.Errorf("order size must be positive, got %s", size)
	}

	clientOrderID := NewClientOrderID()
	params := map[string]string{
		"symbol":           e.config.Symbol,
		"side":             string(side),
		"type":             "MARKET",
		"quantity":         size.String(),
		"newClientOrderId": clientOrderID,
		"newOrderRespType": "RESULT",
	}

	resp, err := e.client.PlaceOrder(ctx, params)
	if err != nil {
		return "", err
	}

	e.logger.Info("Order placed",
		"client_order_id", clientOrderID,
		"order_id", resp.OrderId,
		"side", string(side),
		"quantity", size.String(),
		"price_hint", priceHint,
		"status", resp.Status)
	return clientOrderID, nil
}

// OrderStatus maps the venue status onto the normalized lifecycle.
func (e *Exchange) OrderStatus(ctx context.Context, orderID string) (exchange.OrderStatus, error) {
	resp, err := e.client.GetOrder(ctx, e.config.Symbol, orderID)
	if err != nil {
		if isOrderNotFound(err) {
			return "", fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
		}
		return "", err
	}
	return MapOrderStatus(resp.Status), nil
}

// Cancel cancels an open order. Unknown orders are reported as
// ErrOrderNotFound so the caller can treat them as already closed.
func (e *Exchange) Cancel(ctx context.Context, orderID string) error {
	if err := e.client.CancelOrder(ctx, e.config.Symbol, orderID); err != nil {
		if isOrderNotFound(err) {
			return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
		}
		return err
	}
	return nil
}

// GetTradesHistory pages through account fills since start.
func (e *Exchange) GetTradesHistory(ctx context.Context, start time.Time) ([]exchange.Trade, error) {
	var out []exchange.Trade
	var fromID int64

	for {
		page, err := e.client.GetMyTrades(ctx, e.config.Symbol, start, fromID, maxTradeLimit)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			out = append(out, toTrade(t))
		}
		if len(page) < maxTradeLimit {
			return out, nil
		}
		fromID = page[len(page)-1].Id + 1
	}
}

func toTrade(t AccountTrade) exchange.Trade {
	side := exchange.SideSell
	if t.IsBuyer {
		side = exchange.SideBuy
	}
	return exchange.Trade{
		ID:     strconv.FormatInt(t.Id, 10),
		Time:   time.UnixMilli(t.Time).UTC(),
		Side:   side,
		Volume: t.Qty,
		Price:  t.Price,
		Cost:   t.QuoteQty,
		Fee:    t.Commission,
	}
}

// GetBalance returns the base asset balance.
func (e *Exchange) GetBalance(ctx context.Context) (exchange.Holdings, error) {
	info, err := e.client.GetAccountInfo(ctx)
	if err != nil {
		return exchange.Holdings{}, err
	}
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, e.config.BaseAsset) {
			return exchange.Holdings{Asset: b.Asset, Free: b.Free, Locked: b.Locked}, nil
		}
	}
	return exchange.Holdings{Asset: e.config.BaseAsset}, nil
}

// MapOrderStatus normalizes a Binance order status.
func MapOrderStatus(status string) exchange.OrderStatus {
	switch status {
	case "FILLED":
		return exchange.OrderFilled
	case "PARTIALLY_FILLED":
		return exchange.OrderPartial
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.OrderRejected
	default: // NEW, PENDING_NEW, PENDING_CANCEL
		return exchange.OrderPending
	}
}

// NewClientOrderID returns a unique id within the venue's 36 character limit.
func NewClientOrderID() string {
	return "cv" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isOrderNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound
}
