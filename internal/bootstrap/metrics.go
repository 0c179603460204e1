package bootstrap

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "bootstrap",
		Name:      "bytes_copied_total",
		Help:      "Total bytes downloaded or copied during pack installs",
	})

	packsInstalledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "bootstrap",
		Name:      "packs_installed_total",
		Help:      "Model packs installed, by source kind",
	}, []string{"source"})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voiced",
		Subsystem: "bootstrap",
		Name:      "runs_total",
		Help:      "Bootstrap runs, by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(bytesCopiedTotal, packsInstalledTotal, runsTotal)
}
