package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_jobs_total",
			Help: "Total number of delivery jobs resolved, by final status.",
		},
		[]string{"status"}, // delivered, partial, failed, abandoned
	)

	JobAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statusrelay_job_attempts",
			Help:    "Attempts used per resolved delivery job.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_retries_total",
			Help: "Total number of delivery job retries by reason.",
		},
		[]string{"reason"}, // e.g. timeout, rate_limited, unavailable, network
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_dlq_total",
			Help: "Total number of exhausted jobs dead-lettered, by reason.",
		},
		[]string{"reason"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_batches_total",
			Help: "Total number of batch transport calls by outcome.",
		},
		[]string{"outcome"}, // fast, steady, slow, failed, direct
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statusrelay_batch_size",
			Help:    "Recipients addressed per transport call.",
			Buckets: []float64{1, 10, 100, 500, 1000, 2000, 4000, 5000, 10000},
		},
	)

	BatchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statusrelay_batch_latency_seconds",
			Help:    "Wall-clock duration of a transport call.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
		},
	)

	AnchorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_anchors_total",
			Help: "Total number of anchor sends by result.",
		},
		[]string{"result"},
	)

	LadderIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statusrelay_ladder_index",
			Help: "Ladder position chosen for the most recent batch.",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statusrelay_active_sessions",
			Help: "Sessions with a running delivery loop.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statusrelay_queue_depth",
			Help: "Delivery jobs waiting across all session queues.",
		},
	)

	PerfRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "statusrelay_perf_records",
			Help: "Fresh session performance records held in memory.",
		},
	)

	ReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_receipts_total",
			Help: "Engagement receipts merged, by kind and source.",
		},
		[]string{"kind", "source"},
	)

	HistoryFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statusrelay_history_fetch_total",
			Help: "Historical receipt fetches by result.",
		},
		[]string{"result"}, // ok, timeout, error, skipped
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statusrelay_nsq_topic_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsTotal, JobAttempts, RetriesTotal, DLQTotal,
		BatchesTotal, BatchSize, BatchLatencySeconds, AnchorsTotal, LadderIndex,
		ActiveSessions, QueueDepth, PerfRecords,
		ReceiptsTotal, HistoryFetchTotal, NSQTopicDepth,
	)
}

// RecordJob records a resolved job and how many attempts it took
func RecordJob(status string, attempts int) {
	JobsTotal.WithLabelValues(status).Inc()
	JobAttempts.Observe(float64(attempts))
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// RecordBatch records one transport call with its size and duration
func RecordBatch(outcome string, size int, latency time.Duration) {
	BatchesTotal.WithLabelValues(outcome).Inc()
	BatchSize.Observe(float64(size))
	BatchLatencySeconds.Observe(latency.Seconds())
}

func RecordAnchor(result string) {
	AnchorsTotal.WithLabelValues(result).Inc()
}

func RecordReceipt(kind, source string) {
	ReceiptsTotal.WithLabelValues(kind, source).Inc()
}

func RecordHistoryFetch(result string) {
	HistoryFetchTotal.WithLabelValues(result).Inc()
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
