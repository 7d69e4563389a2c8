// Package metrics exposes Prometheus collectors for the session gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SessionsOpened counts sessions accepted since start.
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_opened_total",
		Help: "Sessions opened since process start.",
	})

	// SessionsClosed counts finished sessions by exit reason.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sessions_closed_total",
		Help: "Sessions closed since process start, by exit reason.",
	}, []string{"exit_reason"})

	// ActiveSessions tracks currently open sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Currently active sessions.",
	})

	// EnvelopesRelayed counts relayed envelopes by direction and kind.
	EnvelopesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_envelopes_relayed_total",
		Help: "Envelopes relayed between client and runtime.",
	}, []string{"direction", "kind"})

	// MessagesDropped counts messages dropped at the pump boundary.
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_dropped_total",
		Help: "Messages dropped as malformed or unsupported.",
	}, []string{"reason"})

	// PainClassifications counts pain classification outcomes.
	PainClassifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_pain_classifications_total",
		Help: "Pain classification outcomes by category.",
	}, []string{"category"})

	// ConsentDecisions counts consent classification outcomes.
	ConsentDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_consent_decisions_total",
		Help: "Consent classification outcomes.",
	}, []string{"decision"})
)

// Register installs all collectors on the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionsOpened,
		SessionsClosed,
		ActiveSessions,
		EnvelopesRelayed,
		MessagesDropped,
		PainClassifications,
		ConsentDecisions,
	)
}
