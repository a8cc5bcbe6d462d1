// Package metrics exposes prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

type Metrics struct {
	EventsReceived       *prometheus.CounterVec
	Reconnects           prometheus.Counter
	Reconciled           prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	StaleResponses       prometheus.Counter
	Sends                *prometheus.CounterVec
	SendFailures         *prometheus.CounterVec
	Refreshes            prometheus.Counter
	UnreadConversations  prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Push events received from the session channel, by event type.",
		}, []string{"type"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful session channel reconnects.",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reconciled_total",
			Help:      "Optimistic messages matched with their server echo.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Deliveries dropped because the message was already in the timeline.",
		}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "History responses discarded because the active conversation changed.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound message events, by route.",
		}, []string{"route"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Messages flagged as failed, by reason.",
		}, []string{"reason"}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_refreshes_total",
			Help:      "Conversation list fetches.",
		}),
		UnreadConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_conversations",
			Help:      "Conversations with unseen activity.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsReceived, m.Reconnects, m.Reconciled, m.DuplicatesSuppressed,
			m.StaleResponses, m.Sends, m.SendFailures, m.Refreshes, m.UnreadConversations,
		)
	}
	return m
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) Reconcile() {
	if m == nil {
		return
	}
	m.Reconciled.Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.Inc()
}

func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleResponses.Inc()
}

func (m *Metrics) Send(route string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(route).Inc()
}

func (m *Metrics) SendFailure(reason string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Refresh() {
	if m == nil {
		return
	}
	m.Refreshes.Inc()
}

func (m *Metrics) Unread(n int) {
	if m == nil {
		return
	}
	m.UnreadConversations.Set(float64(n))
}
