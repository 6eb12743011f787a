// Package metrics holds the Prometheus collectors shared by the session,
// scheduling and dispatch code. They are registered on Registry, which the
// status server exposes at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "slotbot"

var (
	// Registry is a private registry so tests and the binary never collide
	// with the global default one.
	Registry = prometheus.NewRegistry()

	SessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "1 for the current lifecycle state of each session, 0 otherwise.",
	}, []string{"identity", "state"})

	SessionReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_reconnects_total",
		Help:      "Reconnects scheduled per session, by kind (transient, relogin).",
	}, []string{"identity", "kind"})

	CredentialSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_saves_total",
		Help:      "Credential bundle writes per session, by result.",
	}, []string{"identity", "result"})

	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Inbound messages per session, by classified intent.",
	}, []string{"identity", "intent"})

	ScheduleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_requests_total",
		Help:      "Availability queries by result (ok, empty, error_<kind>).",
	}, []string{"result"})

	ScheduleFetchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "schedule_fetch_seconds",
		Help:      "Latency of availability sheet fetches.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionState,
		SessionReconnects,
		CredentialSaves,
		Messages,
		ScheduleRequests,
		ScheduleFetchSeconds,
	)
}

// SetSessionState flips the state gauge of identity to state.
func SetSessionState(identity, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(identity, s).Set(v)
	}
}
