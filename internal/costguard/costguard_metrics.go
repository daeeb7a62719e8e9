package costguard

import "github.com/prometheus/client_golang/prometheus"

var (
	// SuspensionsTotal counts accounts suspended by cost protection.
	SuspensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptdeck",
			Name:      "costguard_suspensions_total",
			Help:      "Total accounts suspended by cost protection.",
		},
	)

	// WarningsTotal counts cost warnings sent to users.
	WarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptdeck",
			Name:      "costguard_warnings_total",
			Help:      "Total cost warnings sent.",
		},
	)

	// SafetyCheckFailures counts safety checks that failed open.
	SafetyCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptdeck",
			Name:      "costguard_safety_check_failures_total",
			Help:      "Total safety checks that failed open.",
		},
	)

	// AuditCritical tracks critical users found by the last audit sweep.
	AuditCritical = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptdeck",
			Name:      "costguard_audit_critical",
			Help:      "Critical users found by the last cost audit.",
		},
	)

	// AuditWarning tracks warning users found by the last audit sweep.
	AuditWarning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptdeck",
			Name:      "costguard_audit_warning",
			Help:      "Warning users found by the last cost audit.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SuspensionsTotal,
		WarningsTotal,
		SafetyCheckFailures,
		AuditCritical,
		AuditWarning,
	)
}
