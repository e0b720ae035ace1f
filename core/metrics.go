package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airchat_realtime_connections",
			Help: "Open realtime sockets",
		},
	)

	topicsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airchat_realtime_topics",
			Help: "Realtime topics with at least one member",
		},
	)

	changesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airchat_realtime_changes_total",
			Help: "Row changes received from the change bus",
		},
		[]string{"table", "type"},
	)

	framesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airchat_realtime_frames_sent_total",
			Help: "Frames queued to realtime sockets",
		},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
