package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PackagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_packages_enqueued_total",
			Help: "Total number of packages accepted by the delivery queue.",
		},
		[]string{"kind"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_total",
			Help: "Total number of terminal delivery outcomes by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_retries_total",
			Help: "Total number of scheduled resends by reason.",
		},
		[]string{"reason"}, // e.g. timeout, connection_refused, http_5xx, http_429
	)

	EndpointFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_endpoint_failovers_total",
			Help: "Total number of moves to the next candidate domain.",
		},
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dropped_total",
			Help: "Total number of packages dropped without success by reason.",
		},
		[]string{"reason"},
	)

	SendLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_send_latency_seconds",
			Help:    "Duration of one network exchange.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_queue_depth",
			Help: "Packages waiting in the delivery queue, including the one at the head.",
		},
	)

	SubscriberPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_subscriber_panics_total",
			Help: "Total number of recovered subscriber panics by bus.",
		},
		[]string{"bus"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dlq_total",
			Help: "Total number of dropped packages published to the dead letter topic.",
		},
		[]string{"reason"},
	)

	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_relay_duplicates_total",
			Help: "Total number of redelivered broker messages skipped by the relay.",
		},
	)

	RelayBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_relay_backlog",
			Help: "Messages waiting in the broker channel the relay consumes.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		PackagesEnqueuedTotal,
		DeliveriesTotal,
		RetriesTotal,
		EndpointFailoversTotal,
		DroppedTotal,
		SendLatencySeconds,
		QueueDepth,
		SubscriberPanicsTotal,
		DLQTotal,
		DuplicatesTotal,
		RelayBacklog,
	)
}

func RecordEnqueued(kind string) {
	PackagesEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery counts a terminal outcome. Anything but "success" is also a drop.
func RecordDelivery(kind, outcome string) {
	DeliveriesTotal.WithLabelValues(kind, outcome).Inc()
	if outcome != "success" {
		DroppedTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailover() {
	EndpointFailoversTotal.Inc()
}

func RecordSendLatency(kind string, d time.Duration) {
	SendLatencySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func RecordSubscriberPanic(bus string) {
	SubscriberPanicsTotal.WithLabelValues(bus).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordDuplicate() {
	DuplicatesTotal.Inc()
}

func SetRelayBacklog(topic, channel string, depth int64) {
	RelayBacklog.WithLabelValues(topic, channel).Set(float64(depth))
}
