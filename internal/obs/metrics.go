package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegisteredServers = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerlink_registered_servers", Help: "Currently active server registrations"})
	ActiveSessions    = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerlink_active_sessions", Help: "Currently paired sessions"})
	OpenConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerlink_open_connections", Help: "Open peer websocket connections"})
	SessionsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_sessions_total", Help: "Sessions opened by requested transport"}, []string{"transport"})
	SessionEndTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_session_end_total", Help: "Sessions ended by cause"}, []string{"cause"})
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_auth_failures_total", Help: "Rejected handshakes by reason"}, []string{"reason"})
	FramesRelayed     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_frames_relayed_total", Help: "Frames forwarded between peers"}, []string{"direction", "type"})
	BytesRelayed      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_bytes_relayed_total", Help: "Data payload bytes forwarded between peers"}, []string{"direction"})
	FramesDropped     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_frames_dropped_total", Help: "Frames not forwarded by reason"}, []string{"reason"})
	NegotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_negotiations_total", Help: "P2P negotiations by outcome"}, []string{"outcome"})
	ErrorsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerlink_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peerlink_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
)
