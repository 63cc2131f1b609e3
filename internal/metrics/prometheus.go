package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes trading loop metrics to Prometheus.
type Recorder struct {
	ticksTotal   *prometheus.CounterVec
	signalsTotal *prometheus.CounterVec
	ordersTotal  *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	tradingState *prometheus.GaugeVec
	position     *prometheus.GaugeVec
	lastPrice    *prometheus.GaugeVec
	halted       *prometheus.GaugeVec
	divergence   *prometheus.GaugeVec
	tickDuration *prometheus.HistogramVec
	knownStates  []string
}

// New registers the recorder on the default registry. Call it once per
// process.
func New(states []string) *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer, states)
}

// NewWithRegisterer registers on reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer, states []string) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		ticksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convergence_ticks_total",
				Help: "Control loop ticks by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convergence_signals_total",
				Help: "Entry and exit signals emitted",
			},
			[]string{"symbol", "kind"},
		),
		ordersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convergence_orders_total",
				Help: "Orders by side and final status",
			},
			[]string{"symbol", "side", "status"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convergence_errors_total",
				Help: "Errors by kind (data, connectivity)",
			},
			[]string{"symbol", "kind"},
		),
		tradingState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convergence_trading_state",
				Help: "1 for the current trading state, 0 otherwise",
			},
			[]string{"symbol", "state"},
		),
		position: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convergence_position",
				Help: "Ledger-reconciled position in the base asset",
			},
			[]string{"symbol"},
		),
		lastPrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convergence_last_price",
				Help: "Last accepted price",
			},
			[]string{"symbol"},
		),
		halted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convergence_halted",
				Help: "1 while the technical halt latch is set",
			},
			[]string{"symbol"},
		),
		divergence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convergence_divergence_buckets",
				Help: "Distinct exit buckets currently accumulated",
			},
			[]string{"symbol"},
		),
		tickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convergence_tick_duration_seconds",
				Help:    "Duration of one control loop tick",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"symbol"},
		),
		knownStates: states,
	}
}

// Every Record method is a no-op on a nil Recorder.

// RecordTick counts a tick outcome: ok, halted, data_error, api_error.
func (r *Recorder) RecordTick(symbol, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.ticksTotal.WithLabelValues(symbol, outcome).Inc()
	r.tickDuration.WithLabelValues(symbol).Observe(seconds)
}

// RecordSignal counts an entry or exit signal.
func (r *Recorder) RecordSignal(symbol, kind string) {
	if r == nil {
		return
	}
	r.signalsTotal.WithLabelValues(symbol, kind).Inc()
}

// RecordOrder counts an order outcome.
func (r *Recorder) RecordOrder(symbol, side, status string) {
	if r == nil {
		return
	}
	r.ordersTotal.WithLabelValues(symbol, side, status).Inc()
}

// RecordError counts an error occurrence.
func (r *Recorder) RecordError(symbol, kind string) {
	if r == nil {
		return
	}
	r.errorsTotal.WithLabelValues(symbol, kind).Inc()
}

// RecordState sets the one-hot state gauge.
func (r *Recorder) RecordState(symbol, state string) {
	if r == nil {
		return
	}
	for _, s := range r.knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.tradingState.WithLabelValues(symbol, s).Set(v)
	}
}

// RecordPosition records the reconciled position.
func (r *Recorder) RecordPosition(symbol string, position float64) {
	if r == nil {
		return
	}
	r.position.WithLabelValues(symbol).Set(position)
}

// RecordLastPrice records the last accepted price.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	if r == nil {
		return
	}
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordHalted records the halt latch.
func (r *Recorder) RecordHalted(symbol string, halted bool) {
	if r == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	r.halted.WithLabelValues(symbol).Set(v)
}

// RecordDivergence records the accumulated divergence bucket count.
func (r *Recorder) RecordDivergence(symbol string, buckets int) {
	if r == nil {
		return
	}
	r.divergence.WithLabelValues(symbol).Set(float64(buckets))
}
