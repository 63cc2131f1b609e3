package indicators

import (
	"math"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/market"
)

// funcIndicator adapts a closure to the Indicator interface.
type funcIndicator struct {
	name     string
	lookback int
	eval     func(window []market.Sample) Reading
}

func (f funcIndicator) Name() string  { return f.name }
func (f funcIndicator) Lookback() int { return f.lookback }

func (f funcIndicator) Evaluate(window []market.Sample) Reading {
	return f.eval(window)
}

// New wraps an evaluation function as an Indicator.
func New(name string, lookback int, eval func(window []market.Sample) Reading) Indicator {
	return funcIndicator{name: name, lookback: lookback, eval: eval}
}

// StatsConfigFrom returns the window stats configuration matching the
// periods the built-in indicators expect.
func StatsConfigFrom(cfg config.IndicatorConfig) market.StatsConfig {
	return market.StatsConfig{
		SMAFast:    cfg.SMAFast,
		SMASlow:    cfg.SMASlow,
		BandPeriod: cfg.BollingerPeriod,
		BandStdDev: cfg.BollingerStdDev,
	}
}

var registry = map[string]func(cfg config.IndicatorConfig) Indicator{
	// entry set
	"sma_cross_up":            smaCrossUp,
	"bollinger_lower_reclaim": bollingerLowerReclaim,
	"rsi_oversold_exit":       rsiOversoldExit,
	"macd_histogram_up":       macdHistogramUp,
	"higher_low":              higherLow,
	"volume_surge_up":         volumeSurgeUp,
	"support_hold":            supportHold,
	"stochastic_cross_up":     stochasticCrossUp,

	// exit set
	"rsi_overbought":         rsiOverbought,
	"bollinger_upper_reject": bollingerUpperReject,
	"stochastic_cross_down":  stochasticCrossDown,
	"sma_cross_down":         smaCrossDown,
	"macd_histogram_down":    macdHistogramDown,
	"lower_high":             lowerHigh,
	"ema_trend_break":        emaTrendBreak,
	"volume_climax":          volumeClimax,
}

// Registered reports whether a built-in indicator exists under name.
func Registered(name string) bool {
	_, ok := registry[name]
	return ok
}

func fire(price float64) Reading { return Reading{Fired: true, TriggerPrice: price} }

// recentlyNot reports whether cond was false on at least one ready bar among
// the lookback bars before the last one.
func recentlyNot(window []market.Sample, lookback int, cond func(s market.Sample) bool) bool {
	n := len(window)
	for i := n - 1 - lookback; i < n-1; i++ {
		if i < 0 || !window[i].Stats.Ready {
			continue
		}
		if !cond(window[i]) {
			return true
		}
	}
	return false
}

func lowestLow(window []market.Sample) float64 {
	low := math.Inf(1)
	for _, s := range window {
		low = math.Min(low, s.Low)
	}
	return low
}

func highestHigh(window []market.Sample) float64 {
	high := math.Inf(-1)
	for _, s := range window {
		high = math.Max(high, s.High)
	}
	return high
}

// ============================================================================
// ENTRY INDICATORS
// ============================================================================

func smaCrossUp(cfg config.IndicatorConfig) Indicator {
	above := func(s market.Sample) bool { return s.Stats.SMAFast > s.Stats.SMASlow }
	return New("sma_cross_up", cfg.SMASlow+cfg.SwingLookback, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		if last.Stats.Ready && above(last) && recentlyNot(w, cfg.SwingLookback, above) {
			return fire(last.Close)
		}
		return Reading{}
	})
}

func bollingerLowerReclaim(cfg config.IndicatorConfig) Indicator {
	inside := func(s market.Sample) bool { return s.Close >= s.Stats.BandLower }
	return New("bollinger_lower_reclaim", cfg.BollingerPeriod+cfg.SwingLookback, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		if last.Stats.Ready && last.Close > last.Stats.BandLower && recentlyNot(w, cfg.SwingLookback, inside) {
			return fire(last.Stats.BandLower)
		}
		return Reading{}
	})
}

func rsiOversoldExit(cfg config.IndicatorConfig) Indicator {
	return New("rsi_oversold_exit", cfg.RSIPeriod+cfg.SwingLookback+1, func(w []market.Sample) Reading {
		closes := market.Closes(w)
		n := len(closes)
		if market.RSI(closes, cfg.RSIPeriod) < cfg.RSIOversold {
			return Reading{}
		}
		for end := n - 1 - cfg.SwingLookback; end < n-1; end++ {
			if end < cfg.RSIPeriod {
				continue
			}
			if market.RSI(closes[:end+1], cfg.RSIPeriod) < cfg.RSIOversold {
				return fire(closes[n-1])
			}
		}
		return Reading{}
	})
}

func macdHistogramUp(cfg config.IndicatorConfig) Indicator {
	return New("macd_histogram_up", cfg.MACDSlow+cfg.MACDSignal+1, func(w []market.Sample) Reading {
		hist := market.MACDHistogram(market.Closes(w), cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		if len(hist) >= 2 && hist[len(hist)-1] > hist[len(hist)-2] {
			return fire(w[len(w)-1].Close)
		}
		return Reading{}
	})
}

func higherLow(cfg config.IndicatorConfig) Indicator {
	span := cfg.SwingLookback
	return New("higher_low", 2*span, func(w []market.Sample) Reading {
		recent := w[len(w)-2*span:]
		earlier := lowestLow(recent[:span])
		later := lowestLow(recent[span:])
		if later > earlier {
			return fire(later)
		}
		return Reading{}
	})
}

func volumeSurgeUp(cfg config.IndicatorConfig) Indicator {
	return New("volume_surge_up", cfg.VolumePeriod+1, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		avg := market.AverageVolume(w, cfg.VolumePeriod)
		if avg > 0 && last.Volume >= avg*cfg.VolumeMultiplier && last.Close > last.Open {
			return fire(last.Close)
		}
		return Reading{}
	})
}

func supportHold(cfg config.IndicatorConfig) Indicator {
	return New("support_hold", cfg.SupportLookback+cfg.SwingLookback, func(w []market.Sample) Reading {
		n := len(w)
		support := lowestLow(w[n-cfg.SwingLookback-cfg.SupportLookback : n-cfg.SwingLookback])
		recentLow := lowestLow(w[n-cfg.SwingLookback:])
		floor := support * (1 - cfg.SupportTolerance/100)
		if recentLow >= floor && w[n-1].Close > support {
			return fire(support)
		}
		return Reading{}
	})
}

func stochasticCrossUp(cfg config.IndicatorConfig) Indicator {
	return New("stochastic_cross_up", cfg.StochK+cfg.StochD, func(w []market.Sample) Reading {
		n := len(w)
		k, d := market.Stochastic(w, n-1, cfg.StochK, cfg.StochD)
		pk, pd := market.Stochastic(w, n-2, cfg.StochK, cfg.StochD)
		if pk <= pd && k > d {
			return fire(w[n-1].Close)
		}
		return Reading{}
	})
}

// ============================================================================
// EXIT INDICATORS
// ============================================================================

func rsiOverbought(cfg config.IndicatorConfig) Indicator {
	return New("rsi_overbought", cfg.RSIPeriod+1, func(w []market.Sample) Reading {
		if market.RSI(market.Closes(w), cfg.RSIPeriod) > cfg.RSIOverbought {
			return fire(w[len(w)-1].Close)
		}
		return Reading{}
	})
}

func bollingerUpperReject(cfg config.IndicatorConfig) Indicator {
	inside := func(s market.Sample) bool { return s.High <= s.Stats.BandUpper }
	return New("bollinger_upper_reject", cfg.BollingerPeriod+cfg.SwingLookback, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		if last.Stats.Ready && last.Close < last.Stats.BandUpper && recentlyNot(w, cfg.SwingLookback, inside) {
			return fire(last.Stats.BandUpper)
		}
		return Reading{}
	})
}

func stochasticCrossDown(cfg config.IndicatorConfig) Indicator {
	return New("stochastic_cross_down", cfg.StochK+cfg.StochD, func(w []market.Sample) Reading {
		n := len(w)
		k, d := market.Stochastic(w, n-1, cfg.StochK, cfg.StochD)
		pk, pd := market.Stochastic(w, n-2, cfg.StochK, cfg.StochD)
		if pk >= pd && k < d {
			return fire(w[n-1].Close)
		}
		return Reading{}
	})
}

func smaCrossDown(cfg config.IndicatorConfig) Indicator {
	below := func(s market.Sample) bool { return s.Stats.SMAFast < s.Stats.SMASlow }
	return New("sma_cross_down", cfg.SMASlow+cfg.SwingLookback, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		if last.Stats.Ready && below(last) && recentlyNot(w, cfg.SwingLookback, below) {
			return fire(last.Close)
		}
		return Reading{}
	})
}

func macdHistogramDown(cfg config.IndicatorConfig) Indicator {
	return New("macd_histogram_down", cfg.MACDSlow+cfg.MACDSignal+1, func(w []market.Sample) Reading {
		hist := market.MACDHistogram(market.Closes(w), cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		if len(hist) >= 2 && hist[len(hist)-1] < hist[len(hist)-2] {
			return fire(w[len(w)-1].Close)
		}
		return Reading{}
	})
}

func lowerHigh(cfg config.IndicatorConfig) Indicator {
	span := cfg.SwingLookback
	return New("lower_high", 2*span, func(w []market.Sample) Reading {
		recent := w[len(w)-2*span:]
		earlier := highestHigh(recent[:span])
		later := highestHigh(recent[span:])
		if later < earlier {
			return fire(later)
		}
		return Reading{}
	})
}

func emaTrendBreak(cfg config.IndicatorConfig) Indicator {
	return New("ema_trend_break", cfg.EMATrend+1, func(w []market.Sample) Reading {
		closes := market.Closes(w)
		ema := market.EMA(closes, cfg.EMATrend)
		if closes[len(closes)-1] < ema {
			return fire(ema)
		}
		return Reading{}
	})
}

func volumeClimax(cfg config.IndicatorConfig) Indicator {
	return New("volume_climax", cfg.VolumePeriod+1, func(w []market.Sample) Reading {
		last := w[len(w)-1]
		avg := market.AverageVolume(w, cfg.VolumePeriod)
		if avg > 0 && last.Volume >= avg*cfg.VolumeMultiplier && last.Close < last.Open {
			return fire(last.Close)
		}
		return Reading{}
	})
}
