package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric naming follows Prometheus conventions:
//   - netscope_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
var (
	// SessionsStartedTotal counts sessions created by discovery type and initiator.
	SessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_discovery_sessions_started_total",
			Help: "Total discovery sessions created, by type and initiator.",
		},
		[]string{"discovery_type", "initiator"},
	)

	// SessionsClosedTotal counts sessions reaching a terminal phase.
	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_discovery_sessions_closed_total",
			Help: "Total discovery sessions that reached a terminal phase, by type and outcome.",
		},
		[]string{"discovery_type", "outcome"},
	)

	// SessionDurationSeconds is a histogram of session run time.
	SessionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netscope_discovery_session_duration_seconds",
			Help:    "Duration of discovery sessions from creation to terminal phase.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"discovery_type"},
	)

	// UpdatesTotal counts progress updates by how the registry handled them.
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_discovery_updates_total",
			Help: "Total session progress updates received, by result.",
		},
		[]string{"result"},
	)

	// WatchdogTimeoutsTotal counts sessions failed by the watchdog.
	WatchdogTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netscope_discovery_watchdog_timeouts_total",
			Help: "Total sessions marked failed after going silent.",
		},
	)

	// ActiveSessions is the number of sessions not yet in a terminal phase.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netscope_discovery_active_sessions",
			Help: "Number of discovery sessions currently running.",
		},
	)

	// HostsIngestedTotal counts host reports written to the inventory.
	HostsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netscope_hosts_ingested_total",
			Help: "Total discovered host reports applied to the inventory.",
		},
	)

	// ServicesTotal counts service upserts by result (created, merged, unchanged).
	ServicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_services_total",
			Help: "Total services submitted, by upsert result.",
		},
		[]string{"result"},
	)

	// HeartbeatsTotal counts daemon heartbeats.
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netscope_daemon_heartbeats_total",
			Help: "Total heartbeats received from daemons.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStartedTotal,
		SessionsClosedTotal,
		SessionDurationSeconds,
		UpdatesTotal,
		WatchdogTimeoutsTotal,
		ActiveSessions,
		HostsIngestedTotal,
		ServicesTotal,
		HeartbeatsTotal,
	)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStarted records a newly created session.
func RecordSessionStarted(discoveryType, initiator string) {
	SessionsStartedTotal.WithLabelValues(discoveryType, initiator).Inc()
}

// RecordSessionClosed records a session reaching a terminal phase.
func RecordSessionClosed(discoveryType, outcome string, duration time.Duration) {
	SessionsClosedTotal.WithLabelValues(discoveryType, outcome).Inc()
	SessionDurationSeconds.WithLabelValues(discoveryType).Observe(duration.Seconds())
}

// RecordUpdate records how one progress update was handled.
func RecordUpdate(result string) {
	UpdatesTotal.WithLabelValues(result).Inc()
}

// RecordWatchdogTimeouts records sessions failed by the watchdog.
func RecordWatchdogTimeouts(n int) {
	WatchdogTimeoutsTotal.Add(float64(n))
}

// RecordService records one service upsert.
func RecordService(result string) {
	ServicesTotal.WithLabelValues(result).Inc()
}
