package signal

import (
	"math"
	"time"

	"convergence-trading-bot/internal/market"
)

// BucketPolicy maps an exit indicator to its timeframe bucket.
type BucketPolicy interface {
	Bucket(indicator string) (string, bool)
}

// DelayPolicy returns how long divergence must persist before an exit.
type DelayPolicy interface {
	Delay(category Momentum) time.Duration
}

// MomentumClassifier labels the current window trending or ranging. The
// returned value is the raw momentum it based the decision on.
type MomentumClassifier interface {
	Classify(window []market.Sample) (Momentum, float64)
}

// StaticBuckets is a fixed indicator to bucket table.
type StaticBuckets map[string]string

func (b StaticBuckets) Bucket(indicator string) (string, bool) {
	bucket, ok := b[indicator]
	return bucket, ok
}

// DelayTable holds one delay per momentum category.
type DelayTable struct {
	Trending time.Duration
	Ranging  time.Duration
}

func (t DelayTable) Delay(category Momentum) time.Duration {
	if category == MomentumTrending {
		return t.Trending
	}
	return t.Ranging
}

// PercentMomentum classifies by the absolute percent move over Lookback bars.
type PercentMomentum struct {
	Lookback     int
	ThresholdPct float64
}

func (p PercentMomentum) Classify(window []market.Sample) (Momentum, float64) {
	m := market.Momentum(market.Closes(window), p.Lookback)
	if math.Abs(m) >= p.ThresholdPct {
		return MomentumTrending, m
	}
	return MomentumRanging, m
}
