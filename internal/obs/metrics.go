package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "binlogproxy_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "binlogproxy_sessions_total", Help: "Sessions accepted"})
	BytesRelayedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "binlogproxy_bytes_relayed_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	PlannedDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "binlogproxy_planned_disconnects_total", Help: "Sessions severed on schedule"})
	StableMode              = promauto.NewGauge(prometheus.GaugeOpts{Name: "binlogproxy_stable_mode", Help: "1 once all planned disconnects were issued"})
	CommandsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "binlogproxy_commands_total", Help: "Streaming commands observed"}, []string{"command"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "binlogproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "binlogproxy_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
