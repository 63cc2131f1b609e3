package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"convergence-trading-bot/internal/logging"

	"github.com/gorilla/websocket"
)

// PriceStream keeps the latest trade price for one symbol from the public
// <symbol>@trade websocket stream.
type PriceStream struct {
	url            string
	reconnectDelay time.Duration
	logger         *logging.Logger

	mu         sync.RWMutex
	lastPrice  float64
	lastAt     time.Time
	connected  bool
	reconnects int
}

// NewPriceStream creates a stream for symbol on the given websocket base URL
func NewPriceStream(baseURL, symbol string, logger *logging.Logger) *PriceStream {
	if logger == nil {
		logger = logging.Default()
	}
	return &PriceStream{
		url:            strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(symbol) + "@trade",
		reconnectDelay: 3 * time.Second,
		logger:         logger.WithComponent("PriceStream"),
	}
}

type tradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// Run connects and reads until ctx is done, reconnecting after failures.
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Warn("Stream connection failed", "url", s.url, "error", err)
			if !sleepCtx(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		s.setConnected(true)
		s.logger.Info("Stream connected", "url", s.url)

		// Unblock ReadMessage on shutdown.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		s.readLoop(conn)
		close(done)
		conn.Close()
		s.setConnected(false)

		if !sleepCtx(ctx, s.reconnectDelay) {
			return
		}
		s.logger.Info("Stream lost, reconnecting")
	}
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Stream closed normally")
			} else {
				s.logger.Debug("Stream read error", "error", err)
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var ev tradeEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Debug("Unparseable stream message", "error", err)
		return
	}
	if ev.EventType != "trade" {
		return
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return
	}

	at := time.UnixMilli(ev.TradeTime)
	if ev.TradeTime == 0 {
		at = time.Now()
	}

	s.mu.Lock()
	s.lastPrice = price
	s.lastAt = at
	s.mu.Unlock()
}

// Last returns the latest trade price and when it printed
func (s *PriceStream) Last() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrice, s.lastAt
}

// Fresh returns the latest price if it is younger than maxAge
func (s *PriceStream) Fresh(maxAge time.Duration) (float64, bool) {
	price, at := s.Last()
	if price <= 0 || time.Since(at) > maxAge {
		return 0, false
	}
	return price, true
}

// GetStats returns stream status
func (s *PriceStream) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"url":        s.url,
		"connected":  s.connected,
		"reconnects": s.reconnects,
		"last_price": s.lastPrice,
		"last_at":    s.lastAt,
	}
}

func (s *PriceStream) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
	if v {
		s.reconnects = 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
