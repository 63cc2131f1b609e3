// Package signal turns indicator readings into entry and exit decisions.
//
// Entry requires a quorum of distinct entry indicators. Exit requires
// divergence across a minimum number of distinct timeframe buckets that has
// persisted for a momentum dependent delay.
package signal

import (
	"time"

	"convergence-trading-bot/internal/indicators"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"
)

// DefaultSupportIndicator supplies EntrySignal.Support unless configured otherwise.
const DefaultSupportIndicator = "support_hold"

// Config holds the convergence thresholds.
type Config struct {
	EntryQuorum        int
	EntryLookbackTicks int
	MinDivergence      int
	MaxDivergenceAge   time.Duration // 0 keeps divergence until reset
	SupportIndicator   string        // trigger price source for EntrySignal.Support
}

// ExitProgress describes where the exit evaluation stands, whether or not a
// signal was produced.
type ExitProgress struct {
	DivergenceCount int
	Required        int
	Category        Momentum
	ExitAt          time.Time
	Expired         bool
}

// Sufficient reports whether the divergence floor is met.
func (p ExitProgress) Sufficient() bool {
	return p.DivergenceCount >= p.Required
}

// Aggregator applies the convergence rules. It holds no per-position state;
// callers own the history and divergence accumulators.
type Aggregator struct {
	config   Config
	buckets  BucketPolicy
	delays   DelayPolicy
	momentum MomentumClassifier
	logger   *logging.Logger
}

// NewAggregator creates an aggregator with the given policies.
func NewAggregator(cfg Config, buckets BucketPolicy, delays DelayPolicy, momentum MomentumClassifier) *Aggregator {
	if cfg.EntryLookbackTicks < 1 {
		cfg.EntryLookbackTicks = 1
	}
	if cfg.SupportIndicator == "" {
		cfg.SupportIndicator = DefaultSupportIndicator
	}
	return &Aggregator{
		config:   cfg,
		buckets:  buckets,
		delays:   delays,
		momentum: momentum,
		logger:   logging.WithComponent("signal"),
	}
}

// WithLogger replaces the aggregator logger.
func (a *Aggregator) WithLogger(l *logging.Logger) *Aggregator {
	a.logger = l
	return a
}

// Config returns the thresholds in use.
func (a *Aggregator) Config() Config {
	return a.config
}

// EvaluateEntry records the fired entry indicators of this tick and emits an
// EntrySignal when the distinct count across the lookback reaches the quorum.
// Indeterminate indicators count as not fired.
func (a *Aggregator) EvaluateEntry(now time.Time, window []market.Sample, state indicators.State, history *EntryHistory) *EntrySignal {
	a.logIndeterminate(state)

	history.Push(state.FiredEntry(), a.config.EntryLookbackTicks)
	distinct := history.Distinct()
	if len(distinct) < a.config.EntryQuorum {
		a.logger.Debug("entry quorum not met",
			"fired", len(distinct),
			"required", a.config.EntryQuorum,
		)
		return nil
	}

	last, _ := market.Latest(window)
	low, high := market.Range(window)
	_, mom := a.momentum.Classify(window)
	support, _ := state.TriggerPrice(a.config.SupportIndicator)

	history.Reset()
	return &EntrySignal{
		Time:       now,
		Price:      last.Close,
		Indicators: distinct,
		FiredCount: len(distinct),
		Required:   a.config.EntryQuorum,
		RangeLow:   low,
		RangeHigh:  high,
		Momentum:   mom,
		Support:    support,
	}
}

// EvaluateExit folds the fired exit indicators into div and emits an
// ExitSignal once the bucket count reaches the minimum and the delay for the
// current momentum category has elapsed since the first observation.
func (a *Aggregator) EvaluateExit(now time.Time, window []market.Sample, state indicators.State, div *Divergence) (*ExitSignal, ExitProgress) {
	a.logIndeterminate(state)

	progress := ExitProgress{Required: a.config.MinDivergence}

	if a.config.MaxDivergenceAge > 0 && !div.Empty() && now.Sub(div.LastObserved) > a.config.MaxDivergenceAge {
		a.logger.Info("divergence expired",
			"first_observed", div.FirstObserved,
			"buckets", div.Count(),
		)
		div.Reset()
		progress.Expired = true
	}

	for _, name := range state.FiredExit() {
		bucket, ok := a.buckets.Bucket(name)
		if !ok {
			a.logger.Warn("exit indicator has no timeframe bucket", "indicator", name)
			continue
		}
		div.Observe(now, name, bucket)
	}

	progress.DivergenceCount = div.Count()
	if !progress.Sufficient() {
		return nil, progress
	}

	category, _ := a.momentum.Classify(window)
	delay := a.delays.Delay(category)
	progress.Category = category
	progress.ExitAt = div.FirstObserved.Add(delay)

	if now.Before(progress.ExitAt) {
		a.logger.Debug("divergence waiting for delay",
			"buckets", progress.DivergenceCount,
			"category", string(category),
			"exit_at", progress.ExitAt,
		)
		return nil, progress
	}

	last, _ := market.Latest(window)
	return &ExitSignal{
		Time:             now,
		OriginTime:       div.FirstObserved,
		ExitAt:           progress.ExitAt,
		Price:            last.Close,
		Indicators:       append([]string(nil), div.Indicators...),
		Buckets:          append([]string(nil), div.Buckets...),
		DivergenceCount:  progress.DivergenceCount,
		Delay:            delay,
		MomentumCategory: category,
		ExitType:         ExitTypeDivergence,
	}, progress
}

func (a *Aggregator) logIndeterminate(state indicators.State) {
	if names := state.Indeterminate(); len(names) > 0 {
		a.logger.Warn("indicators indeterminate, treated as not fired", "indicators", names)
	}
}
