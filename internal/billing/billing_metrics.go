package billing

import "github.com/prometheus/client_golang/prometheus"

var eventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "promptdeck",
		Name:      "billing_webhook_events_total",
		Help:      "Webhook events by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}
