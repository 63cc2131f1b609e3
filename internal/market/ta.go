package market

import "math"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA returns the simple moving average of the last period values, or 0 when
// there are fewer than period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}

	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average for every index from
// period-1 onwards, seeded with the SMA of the first period values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)

	ema := SMA(values[:period], period)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = (v * multiplier) + (ema * (1 - multiplier))
		out = append(out, ema)
	}
	return out
}

// EMA returns the latest exponential moving average value.
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI computes the relative strength index over the last period changes.
// It needs period+1 values and returns a neutral 50 otherwise.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDHistogram returns the histogram series (MACD line minus its signal
// line). The series is empty until slow+signal-1 values are available.
func MACDHistogram(values []float64, fastPeriod, slowPeriod, signalPeriod int) []float64 {
	fast := EMASeries(values, fastPeriod)
	slow := EMASeries(values, slowPeriod)
	if len(slow) == 0 || len(fast) < len(slow) {
		return nil
	}

	// Align the fast series with the slow one; both end at the last value.
	offset := len(fast) - len(slow)
	line := make([]float64, len(slow))
	for i := range slow {
		line[i] = fast[i+offset] - slow[i]
	}

	signal := EMASeries(line, signalPeriod)
	if len(signal) == 0 {
		return nil
	}

	offset = len(line) - len(signal)
	hist := make([]float64, len(signal))
	for i := range signal {
		hist[i] = line[i+offset] - signal[i]
	}
	return hist
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands returns upper, middle and lower bands over the last period
// values. All three are 0 when there is not enough data.
func BollingerBands(values []float64, period int, stdDevMultiplier float64) (upper, middle, lower float64) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0
	}

	middle = SMA(values, period)

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		diff := v - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return middle + stdDev*stdDevMultiplier, middle, middle - stdDev*stdDevMultiplier
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticK computes %K for the bar at index end (inclusive) over kPeriod bars.
func StochasticK(window []Sample, end, kPeriod int) float64 {
	start := end - kPeriod + 1
	if kPeriod <= 0 || start < 0 || end >= len(window) {
		return 50
	}

	highest := window[start].High
	lowest := window[start].Low
	for i := start; i <= end; i++ {
		highest = math.Max(highest, window[i].High)
		lowest = math.Min(lowest, window[i].Low)
	}
	if highest == lowest {
		return 50
	}
	return (window[end].Close - lowest) / (highest - lowest) * 100
}

// Stochastic returns %K and %D (the SMA of %K over dPeriod bars) for the bar at end.
func Stochastic(window []Sample, end, kPeriod, dPeriod int) (k, d float64) {
	k = StochasticK(window, end, kPeriod)
	if dPeriod <= 1 {
		return k, k
	}

	sum := 0.0
	for i := 0; i < dPeriod; i++ {
		sum += StochasticK(window, end-i, kPeriod)
	}
	return k, sum / float64(dPeriod)
}

// ============================================================================
// VOLUME AND MOMENTUM
// ============================================================================

// AverageVolume averages volume over the period bars before the last one.
func AverageVolume(window []Sample, period int) float64 {
	if period <= 0 || len(window) < period+1 {
		return 0
	}

	sum := 0.0
	for _, s := range window[len(window)-period-1 : len(window)-1] {
		sum += s.Volume
	}
	return sum / float64(period)
}

// Momentum is the percent change of the last close over period bars.
func Momentum(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	current := values[len(values)-1]
	past := values[len(values)-period-1]
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

// Range is the high-low spread across the window.
func Range(window []Sample) (low, high float64) {
	if len(window) == 0 {
		return 0, 0
	}

	low, high = window[0].Low, window[0].High
	for _, s := range window[1:] {
		low = math.Min(low, s.Low)
		high = math.Max(high, s.High)
	}
	return low, high
}
