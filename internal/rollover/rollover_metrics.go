package rollover

import "github.com/prometheus/client_golang/prometheus"

var resetsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "promptdeck",
		Name:      "rollover_resets_total",
		Help:      "Total monthly reset transitions applied.",
	},
)

func init() {
	prometheus.MustRegister(resetsTotal)
}
