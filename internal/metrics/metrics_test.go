package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(reg)

	// Record some values so vectors appear in Gather()
	RecordJob("delivered", 1)
	RecordRetry("timeout")
	RecordDLQ("exhausted")
	RecordBatch("fast", 100, 300*time.Millisecond)
	RecordAnchor("ok")
	RecordReceipt("viewed", "live")
	RecordHistoryFetch("ok")
	UpdateNSQTopicDepth("receipts", "relay", 3)
	LadderIndex.Set(2)
	ActiveSessions.Set(1)
	QueueDepth.Set(4)
	PerfRecords.Set(1)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"statusrelay_jobs_total",
		"statusrelay_job_attempts",
		"statusrelay_retries_total",
		"statusrelay_dlq_total",
		"statusrelay_batches_total",
		"statusrelay_batch_size",
		"statusrelay_batch_latency_seconds",
		"statusrelay_anchors_total",
		"statusrelay_ladder_index",
		"statusrelay_active_sessions",
		"statusrelay_queue_depth",
		"statusrelay_perf_records",
		"statusrelay_receipts_total",
		"statusrelay_history_fetch_total",
		"statusrelay_nsq_topic_depth",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordBatch(t *testing.T) {
	BatchesTotal.Reset()

	tests := []struct {
		name    string
		outcome string
		calls   int
	}{
		{name: "fast batches", outcome: "fast", calls: 3},
		{name: "slow batch", outcome: "slow", calls: 1},
		{name: "failed batches", outcome: "failed", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordBatch(tt.outcome, 500, time.Second)
			}
			value := testutil.ToFloat64(BatchesTotal.WithLabelValues(tt.outcome))
			if value != float64(tt.calls) {
				t.Errorf("RecordBatch(%q) counter = %f, want %d", tt.outcome, value, tt.calls)
			}
		})
	}
}

func TestRecordJob(t *testing.T) {
	JobsTotal.Reset()

	RecordJob("partial", 3)
	RecordJob("partial", 2)
	RecordJob("delivered", 1)

	if got := testutil.ToFloat64(JobsTotal.WithLabelValues("partial")); got != 2 {
		t.Errorf("partial jobs = %f, want 2", got)
	}
	if got := testutil.ToFloat64(JobsTotal.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered jobs = %f, want 1", got)
	}
}

func TestRecordReceipt(t *testing.T) {
	ReceiptsTotal.Reset()

	RecordReceipt("viewed", "live")
	RecordReceipt("viewed", "historical")
	RecordReceipt("viewed", "live")

	if got := testutil.ToFloat64(ReceiptsTotal.WithLabelValues("viewed", "live")); got != 2 {
		t.Errorf("live viewed receipts = %f, want 2", got)
	}
	if got := testutil.ToFloat64(ReceiptsTotal.WithLabelValues("viewed", "historical")); got != 1 {
		t.Errorf("historical viewed receipts = %f, want 1", got)
	}
}

func TestUpdateNSQTopicDepth(t *testing.T) {
	UpdateNSQTopicDepth("receipts", "relay", 10)
	UpdateNSQTopicDepth("receipts", "relay", 4)

	if got := testutil.ToFloat64(NSQTopicDepth.WithLabelValues("receipts", "relay")); got != 4 {
		t.Errorf("topic depth = %f, want 4", got)
	}
}
