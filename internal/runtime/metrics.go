package runtime

import "github.com/prometheus/client_golang/prometheus"

var (
	backendStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "runtime",
		Name:      "backend_starts_total",
		Help:      "Backend starts, by mode",
	}, []string{"mode"})

	synthRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "runtime",
		Name:      "synth_requests_total",
		Help:      "Synthesis and query calls, by kind and outcome",
	}, []string{"kind", "outcome"})

	idleStopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "runtime",
		Name:      "idle_stops_total",
		Help:      "Backends stopped by the idle timer",
	})

	backendActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voiced",
		Subsystem: "runtime",
		Name:      "backend_active",
		Help:      "Whether a synthesis backend is currently running",
	})
)

func init() {
	prometheus.MustRegister(backendStartsTotal, synthRequestsTotal, idleStopsTotal, backendActive)
}
