// Package metrics exposes the learning loop to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/learning"
)

// statusOrdinal maps the learning classification onto a gauge value.
var statusOrdinal = map[learning.Status]float64{
	learning.StatusIdle:       0,
	learning.StatusCollecting: 1,
	learning.StatusStable:     2,
	learning.StatusTuned:      3,
	learning.StatusOptimized:  4,
}

// Metrics implements engine.Instruments. All methods are nil-safe so wiring
// without metrics stays possible.
type Metrics struct {
	confidence   *prometheus.GaugeVec
	gainValues   *prometheus.GaugeVec
	status       *prometheus.GaugeVec
	cyclesTotal  *prometheus.CounterVec
	settlingTime *prometheus.HistogramVec
	applies      *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	holds        *prometheus.CounterVec
}

// New registers the collectors on the default registry.
func New() *Metrics {
	m := &Metrics{
		confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zonetune_confidence",
			Help: "Convergence confidence per zone (0-100).",
		}, []string{"zone"}),
		gainValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zonetune_gain",
			Help: "Current control gains per zone and term.",
		}, []string{"zone", "term"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zonetune_learning_status",
			Help: "Learning status ordinal (0 idle .. 4 optimized).",
		}, []string{"zone"}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonetune_cycles_total",
			Help: "Finalized cycles per zone and convergence result.",
		}, []string{"zone", "result"}),
		settlingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zonetune_settling_seconds",
			Help:    "Histogram of cycle settling times.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"zone"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonetune_applies_total",
			Help: "Gain changes committed through the validation gate.",
		}, []string{"zone"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonetune_rollbacks_total",
			Help: "Validation-window rollbacks.",
		}, []string{"zone"}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zonetune_proposals_held_total",
			Help: "Proposals held by the gate check.",
		}, []string{"zone"}),
	}
	prometheus.MustRegister(
		m.confidence, m.gainValues, m.status, m.cyclesTotal,
		m.settlingTime, m.applies, m.rollbacks, m.holds,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler { return promhttp.Handler() }

func (m *Metrics) ObserveCycle(zoneID string, convergent bool, settling time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if convergent {
		result = "convergent"
	}
	m.cyclesTotal.WithLabelValues(zoneID, result).Inc()
	m.settlingTime.WithLabelValues(zoneID).Observe(settling.Seconds())
}

func (m *Metrics) SetConfidence(zoneID string, v float64) {
	if m == nil {
		return
	}
	m.confidence.WithLabelValues(zoneID).Set(v)
}

func (m *Metrics) SetGains(zoneID string, g gains.Gains) {
	if m == nil {
		return
	}
	m.gainValues.WithLabelValues(zoneID, "kp").Set(g.Kp)
	m.gainValues.WithLabelValues(zoneID, "ki").Set(g.Ki)
	m.gainValues.WithLabelValues(zoneID, "kd").Set(g.Kd)
	m.gainValues.WithLabelValues(zoneID, "ke").Set(g.Ke)
}

func (m *Metrics) SetStatus(zoneID string, s learning.Status) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(zoneID).Set(statusOrdinal[s])
}

func (m *Metrics) ApplyCommitted(zoneID string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(zoneID).Inc()
}

func (m *Metrics) RollbackTriggered(zoneID string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(zoneID).Inc()
}

func (m *Metrics) ProposalHeld(zoneID string) {
	if m == nil {
		return
	}
	m.holds.WithLabelValues(zoneID).Inc()
}
