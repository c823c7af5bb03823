package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the hub. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connections       prometheus.Gauge
	MessagesRouted    prometheus.Counter
	Deliveries        *prometheus.CounterVec
	PersistFailures   prometheus.Counter
	SessionsRejected  *prometheus.CounterVec
	PendingEvicted    prometheus.Counter
	CatchUpDelivered  prometheus.Counter
	MembershipChanges prometheus.Counter
	ChannelFill       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hub", Name: "connections",
			Help: "Live connections held by the registry.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "messages_routed_total",
			Help: "Messages persisted and fanned out.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub", Name: "deliveries_total",
			Help: "Per recipient delivery outcomes.",
		}, []string{"state"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "persist_failures_total",
			Help: "Messages rejected because persistence failed.",
		}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub", Name: "sessions_rejected_total",
			Help: "Handshakes closed before becoming active.",
		}, []string{"reason"}),
		PendingEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "pending_evicted_total",
			Help: "Pending messages dropped after their retention expired.",
		}),
		CatchUpDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "catch_up_delivered_total",
			Help: "Pending messages re-offered on reconnect.",
		}),
		MembershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "membership_invalidations_total",
			Help: "Membership cache invalidations received from storage.",
		}),
		ChannelFill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hub", Name: "channel_fill_ratio",
			Help: "Sampled len/cap of internal buffered channels.",
		}, []string{"channel"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.MessagesRouted, m.Deliveries, m.PersistFailures,
			m.SessionsRejected, m.PendingEvicted, m.CatchUpDelivered, m.MembershipChanges, m.ChannelFill)
	}
	return m
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) Routed(delivered, pending, failed int) {
	if m == nil {
		return
	}
	m.MessagesRouted.Inc()
	m.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.Deliveries.WithLabelValues("pending").Add(float64(pending))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PendingDropped(n int) {
	if m == nil {
		return
	}
	m.PendingEvicted.Add(float64(n))
}

func (m *Metrics) CaughtUp(n int) {
	if m == nil {
		return
	}
	m.CatchUpDelivered.Add(float64(n))
}

func (m *Metrics) MembershipInvalidated() {
	if m == nil {
		return
	}
	m.MembershipChanges.Inc()
}

func (m *Metrics) SetChannelFill(name string, ratio float64) {
	if m == nil {
		return
	}
	m.ChannelFill.WithLabelValues(name).Set(ratio)
}
