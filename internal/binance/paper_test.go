package binance

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/reconcile"

	"github.com/shopspring/decimal"
)

func TestPaperExchangeFillsAndReconciles(t *testing.T) {
	sim := NewSimulatedMarket(100, time.Minute, 60, 42)
	paper := NewPaperExchange(sim, "BTC")
	ctx := context.Background()

	entryID, err := paper.SubmitEntry(ctx, decimal.RequireFromString("0.3"), 100)
	if err != nil {
		t.Fatalf("SubmitEntry: %v", err)
	}
	if status, _ := paper.OrderStatus(ctx, entryID); status != exchange.OrderFilled {
		t.Errorf("entry status = %q, want filled", status)
	}

	if _, err := paper.SubmitExit(ctx, decimal.RequireFromString("0.1"), 100); err != nil {
		t.Fatalf("SubmitExit: %v", err)
	}

	// Selling more than held is rejected by the venue, not an error.
	oversold, err := paper.SubmitExit(ctx, decimal.NewFromInt(5), 100)
	if err != nil {
		t.Fatalf("SubmitExit oversize: %v", err)
	}
	if status, _ := paper.OrderStatus(ctx, oversold); status != exchange.OrderRejected {
		t.Errorf("oversize exit status = %q, want rejected", status)
	}

	r := reconcile.NewReconciler(paper, time.Hour, logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"}))
	pos, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !pos.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("reconciled position = %s, want 0.2", pos)
	}

	h, _ := paper.GetBalance(ctx)
	if !h.Free.Equal(pos) {
		t.Errorf("balance %s disagrees with ledger %s", h.Free, pos)
	}
}

func TestPaperExchangeUnknownOrder(t *testing.T) {
	paper := NewPaperExchange(NewSimulatedMarket(100, time.Minute, 10, 1), "BTC")
	if _, err := paper.OrderStatus(context.Background(), "nope"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("OrderStatus error = %v, want ErrOrderNotFound", err)
	}
	if err := paper.Cancel(context.Background(), "nope"); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("Cancel error = %v, want ErrOrderNotFound", err)
	}
}

func TestSimulatedMarketHistory(t *testing.T) {
	sim := NewSimulatedMarket(100, time.Minute, 30, 7)
	ctx := context.Background()

	bars, err := sim.FetchWindow(ctx, time.Time{})
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(bars) < 30 {
		t.Fatalf("got %d bars, want at least 30", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Time.After(bars[i-1].Time) {
			t.Fatalf("bars not ascending at %d", i)
		}
		if bars[i].Open != bars[i-1].Close {
			t.Errorf("bar %d opens at %v, previous closed at %v", i, bars[i].Open, bars[i-1].Close)
		}
		if bars[i].Low > bars[i].High {
			t.Errorf("bar %d low above high", i)
		}
	}

	price, err := sim.CurrentPrice(ctx)
	if err != nil || price <= 0 {
		t.Errorf("CurrentPrice() = %v, %v", price, err)
	}

	since := bars[len(bars)-5].Time
	recent, _ := sim.FetchWindow(ctx, since)
	if len(recent) < 5 {
		t.Fatalf("FetchWindow(since) returned %d bars, want at least 5", len(recent))
	}
	if recent[0].Time.Before(since) {
		t.Errorf("FetchWindow(since) starts at %v, before %v", recent[0].Time, since)
	}
}
