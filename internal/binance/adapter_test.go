package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/logging"

	"github.com/shopspring/decimal"
)

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
)

func validSignature(rawQuery string) bool {
	idx := strings.LastIndex(rawQuery, "&signature=")
	if idx < 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(rawQuery[:idx]))
	return hex.EncodeToString(mac.Sum(nil)) == rawQuery[idx+len("&signature="):]
}

func newTestExchange(t *testing.T, handler http.HandlerFunc) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(testAPIKey, testSecret, srv.URL, 5*time.Second)
	logger := logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"})
	return NewExchange(client, nil, ExchangeConfig{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		Interval:   "1m",
		WindowSize: 50,
	}, logger)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestFetchWindowDropsFormingBar(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			[0, "100.0", "101.0", "99.0", "100.5", "12.5", 59999],
			[60000, "100.5", "102.0", "100.0", "101.5", "8.0", 119999],
			[120000, "101.5", "101.6", "101.0", "101.2", "1.0", 179999]
		]`)
	})
	ex.now = func() time.Time { return time.UnixMilli(150000) }

	samples, err := ex.FetchWindow(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2 closed bars", len(samples))
	}
	if samples[1].Close != 101.5 || samples[1].Volume != 8.0 {
		t.Errorf("second sample = %+v", samples[1])
	}
	if !samples[1].Time.Equal(time.UnixMilli(60000)) {
		t.Errorf("second sample time = %v", samples[1].Time)
	}
}

func TestSubmitEntrySignsRequest(t *testing.T) {
	var gotSide, gotQty, gotClientID string
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != testAPIKey {
			t.Error("missing API key header")
		}
		if !validSignature(r.URL.RawQuery) {
			t.Errorf("bad signature on %s", r.URL.RawQuery)
		}
		q := r.URL.Query()
		gotSide, gotQty, gotClientID = q.Get("side"), q.Get("quantity"), q.Get("newClientOrderId")
		writeJSON(w, http.StatusOK, map[string]interface{}{"orderId": 7, "status": "FILLED", "clientOrderId": gotClientID})
	})

	id, err := ex.SubmitEntry(context.Background(), decimal.RequireFromString("0.015"), 100)
	if err != nil {
		t.Fatalf("SubmitEntry: %v", err)
	}
	if gotSide != "BUY" || gotQty != "0.015" {
		t.Errorf("side=%q quantity=%q", gotSide, gotQty)
	}
	if id != gotClientID || len(id) > 36 {
		t.Errorf("order id %q (sent %q)", id, gotClientID)
	}
}

func TestSubmitRejectsNonPositiveSize(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := ex.SubmitExit(context.Background(), decimal.Zero, 100); err == nil {
		t.Error("SubmitExit(0) succeeded")
	}
}

func TestOrderStatus(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("origClientOrderId") {
		case "missing":
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": -2013, "msg": "Order does not exist."})
		case "broken":
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"code": -1001, "msg": "Internal error"})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "PARTIALLY_FILLED"})
		}
	})
	ctx := context.Background()

	status, err := ex.OrderStatus(ctx, "abc")
	if err != nil || status != exchange.OrderPartial {
		t.Errorf("OrderStatus(abc) = %q, %v", status, err)
	}

	if _, err := ex.OrderStatus(ctx, "missing"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("OrderStatus(missing) error = %v, want ErrOrderNotFound", err)
	}

	_, err = ex.OrderStatus(ctx, "broken")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("OrderStatus(broken) error = %v, want APIError 503", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	testCases := map[string]exchange.OrderStatus{
		"NEW":              exchange.OrderPending,
		"PENDING_CANCEL":   exchange.OrderPending,
		"PARTIALLY_FILLED": exchange.OrderPartial,
		"FILLED":           exchange.OrderFilled,
		"CANCELED":         exchange.OrderRejected,
		"REJECTED":         exchange.OrderRejected,
		"EXPIRED":          exchange.OrderRejected,
	}
	for in, want := range testCases {
		if got := MapOrderStatus(in); got != want {
			t.Errorf("MapOrderStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetTradesHistoryPages(t *testing.T) {
	var calls int
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		var trades []map[string]interface{}
		if q.Get("fromId") == "" {
			if q.Get("startTime") == "" {
				t.Error("first page without startTime")
			}
			for i := 1; i <= maxTradeLimit; i++ {
				trades = append(trades, map[string]interface{}{
					"id": i, "qty": "1", "price": "10", "quoteQty": "10", "commission": "0",
					"time": 1000 + i, "isBuyer": true,
				})
			}
		} else {
			if q.Get("fromId") != strconv.Itoa(maxTradeLimit+1) {
				t.Errorf("fromId = %s", q.Get("fromId"))
			}
			trades = append(trades, map[string]interface{}{
				"id": maxTradeLimit + 1, "qty": "400", "price": "10", "quoteQty": "4000", "commission": "0",
				"time": 5000, "isBuyer": false,
			})
		}
		writeJSON(w, http.StatusOK, trades)
	})

	trades, err := ex.GetTradesHistory(context.Background(), time.UnixMilli(1000))
	if err != nil {
		t.Fatalf("GetTradesHistory: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(trades) != maxTradeLimit+1 {
		t.Fatalf("got %d trades", len(trades))
	}
	last := trades[len(trades)-1]
	if last.Side != exchange.SideSell || !last.Volume.Equal(decimal.NewFromInt(400)) {
		t.Errorf("last trade = %+v", last)
	}
}

func TestGetBalance(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"canTrade": true,
			"balances": []map[string]string{
				{"asset": "USDT", "free": "100", "locked": "0"},
				{"asset": "BTC", "free": "0.5", "locked": "0.25"},
			},
		})
	})

	h, err := ex.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !h.Total().Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("total = %s, want 0.75", h.Total())
	}
}

func TestPriceStreamHandleMessage(t *testing.T) {
	s := NewPriceStream("wss://example.invalid/ws", "BTCUSDT", logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"}))
	if !strings.HasSuffix(s.url, "/btcusdt@trade") {
		t.Errorf("stream url = %s", s.url)
	}

	now := time.Now().UnixMilli()
	s.handleMessage([]byte(fmt.Sprintf(`{"e":"trade","s":"BTCUSDT","p":"64000.50","T":%d}`, now)))
	s.handleMessage([]byte(`{"e":"aggTrade","p":"1"}`))
	s.handleMessage([]byte(`not json`))

	price, ok := s.Fresh(time.Minute)
	if !ok || price != 64000.50 {
		t.Errorf("Fresh() = %v, %v", price, ok)
	}
}
