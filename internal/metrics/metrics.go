package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Line outcomes reported by the decoder.
const (
	LineDecoded   = "decoded"
	LineEmpty     = "empty"
	LineText      = "text"
	LineMalformed = "malformed"
	LineTooLong   = "too_long"
)

var (
	// Reader metrics
	LinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchbridge_lines_total",
			Help: "Total number of lines read from the card reader by outcome",
		},
		[]string{"result"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchbridge_events_total",
			Help: "Total number of decoded events by type",
		},
		[]string{"type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchbridge_events_rejected_total",
			Help: "Total number of felica events dropped before queueing",
		},
		[]string{"reason"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "touchbridge_queue_depth",
			Help: "Current depth of the transfer queue",
		},
	)

	Requeues = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "touchbridge_requeues_total",
			Help: "Total number of events pushed back after a failed delivery",
		},
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchbridge_deliveries_total",
			Help: "Total number of touch deliveries by result",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "touchbridge_delivery_duration_seconds",
			Help:    "Duration of touch POST requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchbridge_heartbeats_total",
			Help: "Total number of heartbeat requests by result",
		},
		[]string{"result"},
	)

	// Sink metrics
	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "touchbridge_duplicates_dropped_total",
			Help: "Total number of repeated touches dropped by the dedup policy",
		},
	)

	MirrorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "touchbridge_mirror_errors_total",
			Help: "Total number of touches that could not be mirrored to NATS",
		},
	)
)
