package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_ingress_requests_total",
			Help: "Total number of ingress requests by outcome.",
		},
		[]string{"outcome"}, // accepted, missing_fields, invalid_token, duplicate, invalid_body, rate_limited, error
	)

	EventsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_accepted_total",
			Help: "Total number of events durably logged.",
		},
		[]string{"account_id"},
	)

	FanoutTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_fanout_tasks_total",
			Help: "Delivery tasks created at fan-out time by enqueue result.",
		},
		[]string{"result"}, // enqueued, failed
	)

	AdmissionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_admission_errors_total",
			Help: "Counter store failures in the admission controller (requests admitted).",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of delivery attempts by terminal status.",
		},
		[]string{"status"}, // success, failed, malformed
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Latency of outbound destination calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	DeliveryHTTPStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_delivery_http_status_total",
			Help: "Destination responses by status class.",
		},
		[]string{"class"}, // 2xx, 3xx, 4xx, 5xx
	)

	StatusWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_status_write_errors_total",
			Help: "Failed terminal status writes to the event log.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Messages waiting in the delivery queue by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	QueueInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_inflight",
			Help: "Messages currently in flight by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		IngressRequestsTotal,
		EventsAcceptedTotal,
		FanoutTasksTotal,
		AdmissionErrorsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		DeliveryHTTPStatusTotal,
		StatusWriteErrorsTotal,
		QueueDepth,
		QueueInFlight,
	)
}

// RecordIngress counts one ingress request with its outcome
func RecordIngress(outcome string) {
	IngressRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordEventAccepted counts a newly logged event
func RecordEventAccepted(accountID string) {
	EventsAcceptedTotal.WithLabelValues(accountID).Inc()
}

// RecordFanout counts the tasks produced for one event
func RecordFanout(enqueued, failed int) {
	if enqueued > 0 {
		FanoutTasksTotal.WithLabelValues("enqueued").Add(float64(enqueued))
	}
	if failed > 0 {
		FanoutTasksTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordAdmissionError counts a counter store failure
func RecordAdmissionError() {
	AdmissionErrorsTotal.Inc()
}

// RecordDelivery counts a terminal delivery outcome and observes its latency
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

// RecordHTTPStatus counts a destination response by status class
func RecordHTTPStatus(code int) {
	if code < 100 || code > 599 {
		return
	}
	DeliveryHTTPStatusTotal.WithLabelValues(strconv.Itoa(code/100) + "xx").Inc()
}

// RecordStatusWriteError counts a failed event log update
func RecordStatusWriteError() {
	StatusWriteErrorsTotal.Inc()
}

// UpdateQueueDepth sets the backlog gauges for a topic/channel pair
func UpdateQueueDepth(topic, channel string, depth, inFlight int64) {
	QueueDepth.WithLabelValues(topic, channel).Set(float64(depth))
	QueueInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}
