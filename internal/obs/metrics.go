package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "airfire_active_sessions", Help: "Sessions currently streaming (0 or 1)"})
	ConnectionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "airfire_connections_total", Help: "Accepted connections by protocol"}, []string{"protocol"})
	FramesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "airfire_frames_total", Help: "Access units handed to the sink by protocol"}, []string{"protocol"})
	FrameBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "airfire_frame_bytes_total", Help: "Access unit payload bytes by protocol"}, []string{"protocol"})
	FrameSizeBytes         = promauto.NewHistogram(prometheus.HistogramOpts{Name: "airfire_frame_size_bytes", Help: "Access unit payload size", Buckets: prometheus.ExponentialBuckets(64, 4, 10)})
	KeyframesTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "airfire_keyframes_total", Help: "Access units carrying an IDR picture or SPS"})
	ControlRequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "airfire_control_requests_total", Help: "Control protocol requests by path and status"}, []string{"path", "status"})
	PreemptionsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "airfire_preemptions_total", Help: "Sessions closed because a newer connection arrived"})
	RejectedConnections    = promauto.NewCounter(prometheus.CounterOpts{Name: "airfire_rejected_connections_total", Help: "Connections refused by the per-peer rate limiter"})
	EventsDroppedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "airfire_events_dropped_total", Help: "Status events dropped because the queue was full"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "airfire_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "airfire_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ViewersConnected       = promauto.NewGauge(prometheus.GaugeOpts{Name: "airfire_relay_viewers", Help: "Websocket viewers attached to the relay"})
	RelayDroppedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "airfire_relay_dropped_total", Help: "Relay messages dropped for slow viewers"})
)
