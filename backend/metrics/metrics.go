package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stateroom"

// Drop reasons.
const (
	DropNoService     = "no_service"
	DropMissingClient = "missing_client"
	DropQuarantined   = "quarantined"
	DropDecode        = "decode"
	DropServiceError  = "service_error"
	DropRateLimited   = "rate_limited"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Metrics struct {
	RoomsActive       prometheus.Gauge
	RoomsCreated      prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Messages          *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	ServiceFailures   prometheus.Counter
	TimersFired       prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of rooms currently running.",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Number of rooms created since start.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of client connections across all rooms.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages routed by rooms, by direction.",
		}, []string{"direction"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded without delivery, by reason.",
		}, []string{"reason"}),
		ServiceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_failures_total",
			Help:      "Fatal service failures (guest traps, panics) that quarantined a service.",
		}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_timers_fired_total",
			Help:      "Service timers delivered.",
		}),
	}
	reg.MustRegister(
		m.RoomsActive,
		m.RoomsCreated,
		m.ConnectionsActive,
		m.Messages,
		m.Dropped,
		m.ServiceFailures,
		m.TimersFired,
	)
	return m
}

// Discard returns collectors registered nowhere, for components built without metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
