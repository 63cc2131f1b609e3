package signal

import (
	"sort"
	"time"
)

// Momentum is the market regime used to pick the exit delay.
type Momentum string

const (
	MomentumTrending Momentum = "trending"
	MomentumRanging  Momentum = "ranging"
)

const ExitTypeDivergence = "divergence"

// EntrySignal is emitted once the entry quorum is met. It is consumed by the
// state machine exactly once.
type EntrySignal struct {
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Indicators []string  `json:"indicators"`
	FiredCount int       `json:"fired_count"`
	Required   int       `json:"required"`
	RangeLow   float64   `json:"range_low"`
	RangeHigh  float64   `json:"range_high"`
	Momentum   float64   `json:"momentum"` // percent change over the momentum lookback
	Support    float64   `json:"support,omitempty"`
}

// ExitSignal is emitted once divergence across enough timeframe buckets has
// persisted for the delay of the current momentum category.
type ExitSignal struct {
	Time             time.Time     `json:"time"`
	OriginTime       time.Time     `json:"origin_time"` // first divergence observation
	ExitAt           time.Time     `json:"exit_at"`
	Price            float64       `json:"price"`
	Indicators       []string      `json:"indicators"`
	Buckets          []string      `json:"buckets"`
	DivergenceCount  int           `json:"divergence_count"`
	Delay            time.Duration `json:"delay"`
	MomentumCategory Momentum      `json:"momentum_category"`
	ExitType         string        `json:"exit_type"`
}

// Divergence accumulates exit indicator observations across ticks. It lives
// in the portfolio state so it survives between evaluations.
type Divergence struct {
	FirstObserved time.Time `json:"first_observed"`
	LastObserved  time.Time `json:"last_observed"`
	Buckets       []string  `json:"buckets"`
	Indicators    []string  `json:"indicators"`
}

// Empty reports whether nothing has been observed yet.
func (d *Divergence) Empty() bool {
	return d.FirstObserved.IsZero()
}

// Count is the number of distinct timeframe buckets observed.
func (d *Divergence) Count() int {
	return len(d.Buckets)
}

// Observe folds one tick worth of fired exit indicators into the accumulator.
func (d *Divergence) Observe(now time.Time, indicator, bucket string) {
	if d.FirstObserved.IsZero() {
		d.FirstObserved = now
	}
	d.LastObserved = now
	d.Buckets = addUnique(d.Buckets, bucket)
	d.Indicators = addUnique(d.Indicators, indicator)
}

// Reset clears the accumulator.
func (d *Divergence) Reset() {
	*d = Divergence{}
}

// EntryHistory keeps the fired entry sets of the most recent ticks so the
// quorum can be met across a bounded lookback.
type EntryHistory struct {
	Ticks [][]string `json:"ticks"`
}

// Push records one tick, keeping at most max ticks.
func (h *EntryHistory) Push(fired []string, max int) {
	if max < 1 {
		max = 1
	}
	h.Ticks = append(h.Ticks, append([]string(nil), fired...))
	if len(h.Ticks) > max {
		h.Ticks = h.Ticks[len(h.Ticks)-max:]
	}
}

// Distinct is the sorted union of indicators across the kept ticks.
func (h *EntryHistory) Distinct() []string {
	var out []string
	for _, tick := range h.Ticks {
		for _, name := range tick {
			out = addUnique(out, name)
		}
	}
	return out
}

// Reset drops all kept ticks.
func (h *EntryHistory) Reset() {
	h.Ticks = nil
}

// addUnique inserts v into the sorted set s.
func addUnique(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
