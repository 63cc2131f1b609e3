package market

import (
	"sort"
	"time"
)

// Sample is one OHLCV bar plus the rolling statistics derived for it when
// the window was built. Samples are treated as immutable once built.
type Sample struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Stats  Stats     `json:"stats"`
	Gap    bool      `json:"gap,omitempty"` // one or more bars are missing before this one
}

// Stats are rolling values computed over the samples up to and including
// this one. Ready is false until the longest configured period is covered.
type Stats struct {
	SMAFast    float64 `json:"sma_fast"`
	SMASlow    float64 `json:"sma_slow"`
	BandUpper  float64 `json:"band_upper"`
	BandMiddle float64 `json:"band_middle"`
	BandLower  float64 `json:"band_lower"`
	Ready      bool    `json:"ready"`
}

// StatsConfig holds the periods used for the derived stats.
type StatsConfig struct {
	SMAFast    int
	SMASlow    int
	BandPeriod int
	BandStdDev float64
}

// BuildWindow normalizes raw samples into an ascending window with unique
// timestamps, flags gaps larger than interval, and fills in Stats. When a
// timestamp repeats the later sample wins, since exchanges re-send the still
// open bar with updated values. The input slice is not modified.
func BuildWindow(raw []Sample, interval time.Duration, cfg StatsConfig) []Sample {
	if len(raw) == 0 {
		return nil
	}

	sorted := make([]Sample, len(raw))
	copy(sorted, raw)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	window := make([]Sample, 0, len(sorted))
	for _, s := range sorted {
		if n := len(window); n > 0 && window[n-1].Time.Equal(s.Time) {
			window[n-1] = s
			continue
		}
		window = append(window, s)
	}

	closes := make([]float64, 0, len(window))
	longest := maxInt(cfg.SMAFast, cfg.SMASlow, cfg.BandPeriod)
	for i := range window {
		window[i].Gap = false
		if i > 0 && interval > 0 {
			window[i].Gap = window[i].Time.Sub(window[i-1].Time) > interval+interval/2
		}

		closes = append(closes, window[i].Close)
		st := Stats{
			SMAFast: SMA(closes, cfg.SMAFast),
			SMASlow: SMA(closes, cfg.SMASlow),
			Ready:   longest > 0 && len(closes) >= longest,
		}
		st.BandUpper, st.BandMiddle, st.BandLower = BollingerBands(closes, cfg.BandPeriod, cfg.BandStdDev)
		window[i].Stats = st
	}

	return window
}

// Latest returns the newest sample of a window.
func Latest(window []Sample) (Sample, bool) {
	if len(window) == 0 {
		return Sample{}, false
	}
	return window[len(window)-1], true
}

// Closes extracts the close prices of a window.
func Closes(window []Sample) []float64 {
	out := make([]float64, len(window))
	for i, s := range window {
		out[i] = s.Close
	}
	return out
}

// HasGap reports whether any sample in the window follows a missing bar.
func HasGap(window []Sample) bool {
	for _, s := range window {
		if s.Gap {
			return true
		}
	}
	return false
}

func maxInt(values ...int) int {
	m := 0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

// IntervalDuration converts an exchange kline interval ("1m", "4h", ...) to
// a duration. Unknown intervals map to one minute.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
