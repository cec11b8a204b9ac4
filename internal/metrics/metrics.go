package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storetalon"

// Executor holds the collectors updated while plans run. A nil *Executor is
// valid and records nothing.
type Executor struct {
	Steps      *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	InFlight   prometheus.Gauge
	Plans      *prometheus.CounterVec
	Unresolved *prometheus.CounterVec
	Gated      *prometheus.CounterVec
	Tokens     *prometheus.CounterVec
	Spend      *prometheus.CounterVec
}

// NewExecutor creates the collectors and registers them with reg (skipped when reg is nil).
func NewExecutor(reg prometheus.Registerer) *Executor {
	m := &Executor{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Plan steps dispatched, by agent and final status.",
		}, []string{"agent", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Provider call duration per step.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Provider calls currently outstanding.",
		}),
		Plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Executed plans by outcome.",
		}, []string{"outcome"}),
		Unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_references_total",
			Help:      "Parameter references passed through unresolved.",
		}, []string{"agent"}),
		Gated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_gated_total",
			Help:      "Plans held for user confirmation, by kind.",
		}, []string{"kind"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Planner model tokens, by model and direction (input, output).",
		}, []string{"model", "direction"}),
		Spend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Estimated planner model spend from the configured per-million-token costs.",
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(m.Steps, m.Duration, m.InFlight, m.Plans, m.Unresolved, m.Gated, m.Tokens, m.Spend)
	}
	return m
}

// StepStarted marks a provider call as outstanding and returns a func that
// records its outcome.
func (m *Executor) StepStarted(agent string) func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.InFlight.Inc()
	return func(status string) {
		m.InFlight.Dec()
		m.Duration.WithLabelValues(agent).Observe(time.Since(start).Seconds())
		m.Steps.WithLabelValues(agent, status).Inc()
	}
}

func (m *Executor) PlanFinished(outcome string) {
	if m == nil {
		return
	}
	m.Plans.WithLabelValues(outcome).Inc()
}

func (m *Executor) UnresolvedReferences(agent string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Unresolved.WithLabelValues(agent).Add(float64(n))
}

func (m *Executor) PlanGated(kind string) {
	if m == nil {
		return
	}
	m.Gated.WithLabelValues(kind).Inc()
}

// Completion records one model call. Zero cost means the model has no
// configured price and leaves the spend series untouched.
func (m *Executor) Completion(model string, input, output int, cost float64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(model, "input").Add(float64(input))
	m.Tokens.WithLabelValues(model, "output").Add(float64(output))
	if cost > 0 {
		m.Spend.WithLabelValues(model).Add(cost)
	}
}
