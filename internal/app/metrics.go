package app

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "meshroom"

var (
	promRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "rooms",
	})
	promParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "participants",
	})
	promPresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "presence_events_total",
	}, []string{"kind"})
	promDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "dropped_frames_total",
	})
	promIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "broker",
		Name:      "identities",
	})
	promRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "broker",
		Name:      "relayed_total",
	}, []string{"type"})
	promRelayMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "broker",
		Name:      "relay_misses_total",
	})
)

func init() {
	prometheus.MustRegister(promRooms)
	prometheus.MustRegister(promParticipants)
	prometheus.MustRegister(promPresenceEvents)
	prometheus.MustRegister(promDroppedFrames)
	prometheus.MustRegister(promIdentities)
	prometheus.MustRegister(promRelayed)
	prometheus.MustRegister(promRelayMisses)
}
