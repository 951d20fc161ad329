package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	MessagesMerged    *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	StatusRegressions prometheus.Counter
	StaleFetches      prometheus.Counter
	FetchFailures     prometheus.Counter
	SendFailures      *prometheus.CounterVec
	Reconciliations   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	HeartbeatFailures prometheus.Counter
	Connected         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. Passing a nil
// registerer skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_merged_total",
			Help:      "Messages inserted into a conversation log, by source.",
		}, []string{"source"}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicates_dropped_total",
			Help:      "Messages skipped because their id was already merged, by source.",
		}, []string{"source"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_transitions_total",
			Help:      "Forward status transitions applied, by target status.",
		}, []string{"status"}),
		StatusRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_regressions_ignored_total",
			Help:      "Status events ignored because they would move a message backwards.",
		}),
		StaleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_fetches_discarded_total",
			Help:      "Catch-up results discarded after the active conversation changed.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetch_failures_total",
			Help:      "Catch-up queries that failed.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Failed send attempts, by kind (transport or rejected).",
		}, []string{"kind"}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconciliations_total",
			Help:      "Temporary ids replaced by server ids.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat pings that could not be written.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the push channel is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesMerged, m.DuplicatesDropped, m.StatusTransitions,
			m.StatusRegressions, m.StaleFetches, m.FetchFailures,
			m.SendFailures, m.Reconciliations, m.ReconnectAttempts,
			m.HeartbeatFailures, m.Connected,
		)
	}
	return m
}

func (m *Metrics) merged(source string, inserted, dropped int) {
	if m == nil {
		return
	}
	m.MessagesMerged.WithLabelValues(source).Add(float64(inserted))
	m.DuplicatesDropped.WithLabelValues(source).Add(float64(dropped))
}

func (m *Metrics) transition(s Status) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) regression() {
	if m == nil {
		return
	}
	m.StatusRegressions.Inc()
}

func (m *Metrics) staleFetch() {
	if m == nil {
		return
	}
	m.StaleFetches.Inc()
}

func (m *Metrics) fetchFailure() {
	if m == nil {
		return
	}
	m.FetchFailures.Inc()
}

func (m *Metrics) sendFailure(kind string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) reconciled() {
	if m == nil {
		return
	}
	m.Reconciliations.Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) heartbeatFailure() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
