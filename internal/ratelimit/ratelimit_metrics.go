package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var denialsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "promptdeck",
		Name:      "ratelimit_denials_total",
		Help:      "Total requests denied by quota, by window.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(denialsTotal)
}
