package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "polls_total", Help: "Ride fetch-by-id polls by result"},
		[]string{"result"},
	)
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_tracker", Name: "poll_latency_seconds", Help: "Ride poll latency seconds"})

	PushMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "push_messages_total", Help: "Push messages received by transport and result"},
		[]string{"transport", "result"},
	)
	PushReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "push_reconnects_total", Help: "Push transport reconnect attempts"},
		[]string{"transport"},
	)

	PatchesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "patches_applied_total", Help: "Patches merged into ride sessions by source and effect"},
		[]string{"source", "effect"},
	)
	FieldsIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "patch_fields_ignored_total", Help: "Patch fields rejected during merge"},
		[]string{"field"},
	)

	OTPAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "otp_attempts_total", Help: "OTP submissions by result"},
		[]string{"result"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "transitions_total", Help: "User-initiated status transitions by target and result"},
		[]string{"target", "result"},
	)
	LocationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "device_locations_published_total", Help: "Device locations pushed upstream by result"},
		[]string{"result"},
	)
	ActiveRides = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracker", Name: "active_rides", Help: "Rides currently tracked"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracker", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_tracker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
