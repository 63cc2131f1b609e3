package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Binance error code for an unknown order id.
const codeOrderNotFound = -2013

type Client struct {
	apiKey    string
	secretKey string
	http      *resty.Client
	limiter   *RateLimiter
}

func NewClient(apiKey, secretKey, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	return &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		http:      client,
		limiter:   NewRateLimiter(defaultMaxWeight, nil),
	}
}

// RateLimiter exposes the client's weight limiter
func (c *Client) RateLimiter() *RateLimiter {
	return c.limiter
}

// APIError is a non-2xx response from the REST API
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Kline represents a candlestick
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// OrderResponse represents a response from placing or querying an order
type OrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderId             int64           `json:"orderId"`
	ClientOrderId       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
}

// AccountTrade is one fill from /api/v3/myTrades
type AccountTrade struct {
	Symbol          string          `json:"symbol"`
	Id              int64           `json:"id"`
	OrderId         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	IsBuyer         bool            `json:"isBuyer"`
	IsMaker         bool            `json:"isMaker"`
}

// AccountInfo represents spot account information
type AccountInfo struct {
	CanTrade    bool           `json:"canTrade"`
	UpdateTime  int64          `json:"updateTime"`
	AccountType string         `json:"accountType"`
	Balances    []AssetBalance `json:"balances"`
}

// AssetBalance represents a single asset balance
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// GetKlines fetches candlestick data. A zero startTime returns the most
// recent bars.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startTime time.Time, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if !startTime.IsZero() {
		params["startTime"] = strconv.FormatInt(startTime.UnixMilli(), 10)
	}

	var rawKlines [][]interface{}
	if err := c.public(ctx, "/api/v3/klines", PriorityNormal, params, &rawKlines); err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  int64(parseFloat(raw[0])),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(parseFloat(raw[6])),
		})
	}
	return klines, nil
}

// GetCurrentPrice fetches the current price for a symbol
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var priceResp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.public(ctx, "/api/v3/ticker/price", PriorityNormal, map[string]string{"symbol": symbol}, &priceResp); err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	price, err := strconv.ParseFloat(priceResp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing price %q: %w", priceResp.Price, err)
	}
	return price, nil
}

// PlaceOrder places a new order
func (c *Client) PlaceOrder(ctx context.Context, params map[string]string) (*OrderResponse, error) {
	var orderResp OrderResponse
	if err := c.signed(ctx, resty.MethodPost, "/api/v3/order", PriorityCritical, params, &orderResp); err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	return &orderResp, nil
}

// GetOrder queries an order by client order id
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}
	var orderResp OrderResponse
	if err := c.signed(ctx, resty.MethodGet, "/api/v3/order", PriorityHigh, params, &orderResp); err != nil {
		return nil, fmt.Errorf("error querying order: %w", err)
	}
	return &orderResp, nil
}

// CancelOrder cancels an existing order by client order id
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}
	if err := c.signed(ctx, resty.MethodDelete, "/api/v3/order", PriorityCritical, params, nil); err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// GetMyTrades returns account fills. Pass startTime for the first page and
// fromID (with a zero startTime) to page forward.
func (c *Client) GetMyTrades(ctx context.Context, symbol string, startTime time.Time, fromID int64, limit int) ([]AccountTrade, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	if fromID > 0 {
		params["fromId"] = strconv.FormatInt(fromID, 10)
	} else if !startTime.IsZero() {
		params["startTime"] = strconv.FormatInt(startTime.UnixMilli(), 10)
	}

	var trades []AccountTrade
	if err := c.signed(ctx, resty.MethodGet, "/api/v3/myTrades", PriorityHigh, params, &trades); err != nil {
		return nil, fmt.Errorf("error fetching trades: %w", err)
	}
	return trades, nil
}

// GetAccountInfo fetches spot balances
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.signed(ctx, resty.MethodGet, "/api/v3/account", PriorityHigh, map[string]string{}, &info); err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}
	return &info, nil
}

func (c *Client) public(ctx context.Context, path string, priority RequestPriority, params map[string]string, out interface{}) error {
	if err := c.acquire(path, priority); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return err
	}
	return c.decodeResponse(resp, out)
}

func (c *Client) signed(ctx context.Context, method, path string, priority RequestPriority, params map[string]string, out interface{}) error {
	if err := c.acquire(path, priority); err != nil {
		return err
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := values.Encode()
	query += "&signature=" + c.sign(query)

	// Raw query keeps signature last; resty re-sorts parameters it manages.
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		Execute(method, path+"?"+query)
	if err != nil {
		return err
	}
	return c.decodeResponse(resp, out)
}

func (c *Client) acquire(path string, priority RequestPriority) error {
	res := c.limiter.TryAcquire(path, priority)
	if !res.Acquired {
		return &RateLimitError{Endpoint: path, Reason: res.Reason, WaitTime: res.WaitTime}
	}
	return nil
}

func (c *Client) decodeResponse(resp *resty.Response, out interface{}) error {
	switch resp.StatusCode() {
	case http.StatusTooManyRequests, http.StatusTeapot:
		c.limiter.RecordRateLimitError(resp.Header().Get("Retry-After"))
	default:
		if !resp.IsError() {
			c.limiter.RecordSuccess()
		}
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.String()
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	return nil
}

// sign creates a signature for authenticated requests
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
