package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_online_identities",
		Help: "Identities with a live channel",
	})

	metricSignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_signals_relayed_total",
		Help: "Negotiation messages delivered to their target channel",
	}, []string{"kind"})

	metricSignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_signals_dropped_total",
		Help: "Negotiation messages not delivered",
	}, []string{"reason"})

	metricBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_backpressure_total",
		Help: "Deliveries that hit a full send queue",
	}, []string{"action"})

	metricProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_protocol_violations_total",
		Help: "Inbound events rejected as protocol violations",
	})

	metricSessionJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_session_joins_total",
		Help: "Real-time session joins",
	})
)
