// Package reconcile derives the held position from the exchange trade ledger.
// The ledger is the only source of truth; local beliefs are overwritten.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/logging"

	"github.com/shopspring/decimal"
)

// NetPosition replays trades into a signed position: buys add volume, sells
// subtract it. Duplicate trade ids are counted once and order is fixed by
// time, then id, so any permutation of the same trades yields the same value.
func NetPosition(trades []exchange.Trade) decimal.Decimal {
	unique := make([]exchange.Trade, 0, len(trades))
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		unique = append(unique, t)
	}

	sort.Slice(unique, func(i, j int) bool {
		if !unique[i].Time.Equal(unique[j].Time) {
			return unique[i].Time.Before(unique[j].Time)
		}
		return unique[i].ID < unique[j].ID
	})

	position := decimal.Zero
	for _, t := range unique {
		switch t.Side {
		case exchange.SideBuy:
			position = position.Add(t.Volume)
		case exchange.SideSell:
			position = position.Sub(t.Volume)
		}
	}
	return position
}

// Reconciler fetches the ledger and computes the position over a lookback.
type Reconciler struct {
	ledger   exchange.Ledger
	lookback time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler reading trades newer than lookback.
func NewReconciler(ledger exchange.Ledger, lookback time.Duration, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		ledger:   ledger,
		lookback: lookback,
		logger:   logger.WithComponent("Reconciler"),
		now:      time.Now,
	}
}

// Reconcile returns the ledger-derived position.
func (r *Reconciler) Reconcile(ctx context.Context) (decimal.Decimal, error) {
	since := r.now().Add(-r.lookback)

	trades, err := r.ledger.GetTradesHistory(ctx, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch trade history: %w", err)
	}

	position := NetPosition(trades)
	logging.ReconcileContext(r.logger, since, r.lookback).
		Debug("Ledger replayed", "trades", len(trades), "position", position.String())
	return position, nil
}

// Correct returns the ledger position and logs at info level when it differs
// from what the caller believed.
func (r *Reconciler) Correct(believed, actual decimal.Decimal) decimal.Decimal {
	if !believed.Equal(actual) {
		r.logger.Info("Position diverged from ledger, overwriting",
			"believed", believed.String(),
			"ledger", actual.String(),
		)
	}
	return actual
}
