// Package metrics exposes Prometheus collectors for qualification and
// dispatch.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the pipeline metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	loadsReceived   prometheus.Counter
	transitions     *prometheus.CounterVec
	extractions     *prometheus.CounterVec
	followUps       *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	carriersScored  prometheus.Histogram
	dispatchResults *prometheus.CounterVec
	tierDuration    *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	backlog         *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		loadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loadblast_loads_received_total",
			Help: "Inbound load requests that created a load",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadblast_load_transitions_total",
			Help: "Load status transitions by target status",
		}, []string{"status"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadblast_extractions_total",
			Help: "Extraction calls by outcome",
		}, []string{"result"}),
		followUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadblast_follow_ups_total",
			Help: "Request-more-info messages by outcome",
		}, []string{"result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadblast_escalations_total",
			Help: "Operator escalations by reason",
		}, []string{"reason"}),
		carriersScored: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loadblast_carriers_scored",
			Help:    "Eligible carriers per scoring run",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		dispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loadblast_dispatch_attempts_total",
			Help: "Dispatch attempts by tier and resulting status",
		}, []string{"tier", "status"}),
		tierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loadblast_tier_duration_seconds",
			Help:    "Time to deliver one outreach tier",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loadblast_circuit_state",
			Help: "Delivery circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		}, []string{"channel"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loadblast_backlog",
			Help: "Open work by queue as of the last monitoring check",
		}, []string{"queue"}),
	}

	var err error
	if c.loadsReceived, err = register(reg, c.loadsReceived); err != nil {
		return nil, err
	}
	if c.transitions, err = register(reg, c.transitions); err != nil {
		return nil, err
	}
	if c.extractions, err = register(reg, c.extractions); err != nil {
		return nil, err
	}
	if c.followUps, err = register(reg, c.followUps); err != nil {
		return nil, err
	}
	if c.escalations, err = register(reg, c.escalations); err != nil {
		return nil, err
	}
	if c.carriersScored, err = register(reg, c.carriersScored); err != nil {
		return nil, err
	}
	if c.dispatchResults, err = register(reg, c.dispatchResults); err != nil {
		return nil, err
	}
	if c.tierDuration, err = register(reg, c.tierDuration); err != nil {
		return nil, err
	}
	if c.circuitState, err = register(reg, c.circuitState); err != nil {
		return nil, err
	}
	if c.backlog, err = register(reg, c.backlog); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

// LoadReceived counts a newly created load.
func (c *Collectors) LoadReceived() {
	if c == nil {
		return
	}
	c.loadsReceived.Inc()
}

// Transition counts a load entering status.
func (c *Collectors) Transition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

// Extraction counts an extraction outcome: "ok" or "failed".
func (c *Collectors) Extraction(ok bool) {
	if c == nil {
		return
	}
	c.extractions.WithLabelValues(result(ok)).Inc()
}

// FollowUp counts a request-more-info send.
func (c *Collectors) FollowUp(ok bool) {
	if c == nil {
		return
	}
	c.followUps.WithLabelValues(result(ok)).Inc()
}

// Escalation counts an operator escalation.
func (c *Collectors) Escalation(reason string) {
	if c == nil {
		return
	}
	c.escalations.WithLabelValues(reason).Inc()
}

// CarriersScored observes the size of one scoring run.
func (c *Collectors) CarriersScored(n int) {
	if c == nil {
		return
	}
	c.carriersScored.Observe(float64(n))
}

// DispatchAttempt counts one delivery attempt outcome.
func (c *Collectors) DispatchAttempt(tier int, status string) {
	if c == nil {
		return
	}
	c.dispatchResults.WithLabelValues(strconv.Itoa(tier), status).Inc()
}

// TierDuration observes how long a tier took to deliver.
func (c *Collectors) TierDuration(tier int, seconds float64) {
	if c == nil {
		return
	}
	c.tierDuration.WithLabelValues(strconv.Itoa(tier)).Observe(seconds)
}

// CircuitState records a breaker state for a channel.
func (c *Collectors) CircuitState(channel string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(channel).Set(float64(state))
}

// Backlog sets the size of one open-work queue.
func (c *Collectors) Backlog(queue string, n int) {
	if c == nil {
		return
	}
	c.backlog.WithLabelValues(queue).Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
