package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pinChallenges  *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	sessionCloses  *prometheus.CounterVec
	closeGap       prometheus.Histogram
	outboxRelayed  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pinChallenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashdesk",
			Name:      "pin_challenges_total",
			Help:      "PIN challenges by outcome.",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashdesk",
			Name:      "authorizations_total",
			Help:      "Sensitive action authorization decisions by action type and decision.",
		}, []string{"action_type", "decision"}),
		sessionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashdesk",
			Name:      "cash_session_closes_total",
			Help:      "Cash session close attempts by result.",
		}, []string{"result"}),
		closeGap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cashdesk",
			Name:      "cash_session_close_gap_abs",
			Help:      "Absolute reconciliation gap of committed closes, in minor currency units.",
			Buckets:   []float64{0, 100, 500, 1000, 5000, 10000, 50000, 100000},
		}),
		outboxRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashdesk",
			Name:      "outbox_messages_total",
			Help:      "Outbox messages handled by the relay, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.pinChallenges, m.authorizations, m.sessionCloses, m.closeGap, m.outboxRelayed)
	}
	return m
}

func (m *Metrics) observePINOutcome(outcome string) {
	if m == nil {
		return
	}
	m.pinChallenges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeAuthorization(actionType, decision string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(actionType, decision).Inc()
}

func (m *Metrics) observeClose(result string, absGap int64) {
	if m == nil {
		return
	}
	m.sessionCloses.WithLabelValues(result).Inc()
	if result == "closed" || result == "closed_with_approval" {
		m.closeGap.Observe(float64(absGap))
	}
}

func (m *Metrics) observeOutbox(result string) {
	if m == nil {
		return
	}
	m.outboxRelayed.WithLabelValues(result).Inc()
}
