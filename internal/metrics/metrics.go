package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "orders_etl"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Stream entries by outcome (accepted, delivered, decode_failed, unsupported, filtered, transform_failed, invalid, replayed).",
		},
		[]string{"worker", "result"},
	)
	DecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Decode failures by kind (envelope, document).",
		},
		[]string{"worker", "kind"},
	)
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches written and checkpointed per worker.",
		},
		[]string{"worker"},
	)
	WriteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_ms",
			Help:      "Sink write latency in milliseconds, retries included.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"worker"},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by stage.",
		},
		[]string{"stage"},
	)
	LastCommittedPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_committed_position",
			Help:      "Last committed stream position per worker.",
		},
		[]string{"worker"},
	)
	DeliveryState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_state",
			Help:      "Delivery state per worker (0 idle, 1 writing sink, 2 committing checkpoint, 3 acking).",
		},
		[]string{"worker"},
	)
	OpenWindowRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_window_records",
			Help:      "Records accumulated in the open batch window per worker.",
		},
		[]string{"worker"},
	)
	LeaseHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lease_held",
			Help:      "1 while this process owns the worker's partition lease.",
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		DecodeFailuresTotal,
		BatchesTotal,
		WriteLatency,
		ErrorsTotal,
		LastCommittedPosition,
		DeliveryState,
		OpenWindowRecords,
		LeaseHeld,
	)
}
