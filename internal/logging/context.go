package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	tickIDKey contextKey = "tick_id"
)

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTickContext tags the context and its logger with a fresh tick id so
// every line written during one loop iteration can be correlated.
func WithTickContext(ctx context.Context, l *Logger) (context.Context, *Logger) {
	tickID := uuid.NewString()
	tl := l.WithField("tick_id", tickID)
	newCtx := context.WithValue(ctx, tickIDKey, tickID)
	newCtx = context.WithValue(newCtx, loggerKey, tl)
	return newCtx, tl
}

// TickID returns the tick id stored by WithTickContext, if any.
func TickID(ctx context.Context) string {
	id, _ := ctx.Value(tickIDKey).(string)
	return id
}

// orDefault returns l, or the default logger when l is nil
func orDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// SignalContext creates a logger context for convergence signals
func SignalContext(l *Logger, symbol, kind string, count, required int) *Logger {
	return orDefault(l).WithFields(map[string]interface{}{
		"symbol":   symbol,
		"kind":     kind,
		"count":    count,
		"required": required,
	}).WithComponent("signal")
}

// OrderContext creates a logger context for order operations
func OrderContext(l *Logger, orderID, symbol, side string, size float64) *Logger {
	return orDefault(l).WithFields(map[string]interface{}{
		"order_id": orderID,
		"symbol":   symbol,
		"side":     side,
		"size":     size,
	}).WithComponent("order")
}

// ReconcileContext creates a logger context for ledger reconciliation
func ReconcileContext(l *Logger, since time.Time, lookback time.Duration) *Logger {
	return orDefault(l).WithFields(map[string]interface{}{
		"since":    since.UTC().Format(time.RFC3339),
		"lookback": lookback.String(),
	}).WithComponent("reconcile")
}

// ExchangeAPIContext creates a logger context for exchange API calls
func ExchangeAPIContext(l *Logger, endpoint string, params map[string]string) *Logger {
	fields := map[string]interface{}{"endpoint": endpoint}

	// Add safe params (exclude sensitive data)
	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			fields[k] = v
		}
	}

	return orDefault(l).WithFields(fields).WithComponent("exchange")
}

// APIContext creates a logger context for admin API requests
func APIContext(l *Logger, method, path string, statusCode int) *Logger {
	return orDefault(l).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}
