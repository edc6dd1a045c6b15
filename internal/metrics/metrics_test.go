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
	RecordEnqueued("session")
	RecordDelivery("session", "success")
	RecordRetry("timeout")
	RecordFailover()
	RecordSendLatency("session", 120*time.Millisecond)
	SetQueueDepth(3)
	RecordSubscriberPanic("deliveries")
	RecordDLQ("server_rejected")
	RecordDuplicate()
	SetRelayBacklog("packages", "relay", 12)
	RecordDelivery("click", "server_rejected")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expected := []string{
		"beacon_packages_enqueued_total",
		"beacon_deliveries_total",
		"beacon_retries_total",
		"beacon_endpoint_failovers_total",
		"beacon_dropped_total",
		"beacon_send_latency_seconds",
		"beacon_queue_depth",
		"beacon_subscriber_panics_total",
		"beacon_dlq_total",
		"beacon_relay_duplicates_total",
		"beacon_relay_backlog",
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("expected metric %s not found in registry", name)
		}
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()
	DroppedTotal.Reset()

	tests := []struct {
		kind        string
		outcome     string
		calls       int
		wantDropped float64
	}{
		{kind: "event", outcome: "success", calls: 3, wantDropped: 0},
		{kind: "click", outcome: "server_rejected", calls: 2, wantDropped: 2},
		{kind: "session", outcome: "endpoints_exhausted", calls: 1, wantDropped: 1},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"_"+tt.outcome, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDelivery(tt.kind, tt.outcome)
			}
			got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.kind, tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("deliveries{%s,%s} = %v, want %d", tt.kind, tt.outcome, got, tt.calls)
			}
			if tt.outcome != "success" {
				if got := testutil.ToFloat64(DroppedTotal.WithLabelValues(tt.outcome)); got != tt.wantDropped {
					t.Errorf("dropped{%s} = %v, want %v", tt.outcome, got, tt.wantDropped)
				}
			}
		})
	}

	if got := testutil.CollectAndCount(DroppedTotal); got != 2 {
		t.Errorf("dropped series = %d, want 2 (success never counted)", got)
	}
}

func TestRecordRetryAndFailover(t *testing.T) {
	RetriesTotal.Reset()
	before := testutil.ToFloat64(EndpointFailoversTotal)

	RecordRetry("http_5xx")
	RecordRetry("http_5xx")
	RecordRetry("timeout")
	RecordFailover()

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx")); got != 2 {
		t.Errorf("retries{http_5xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("retries{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(EndpointFailoversTotal) - before; got != 1 {
		t.Errorf("failovers delta = %v, want 1", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	for _, n := range []int{0, 7, 2} {
		SetQueueDepth(n)
		if got := testutil.ToFloat64(QueueDepth); got != float64(n) {
			t.Errorf("queue depth = %v, want %d", got, n)
		}
	}
}

func TestSetRelayBacklog(t *testing.T) {
	SetRelayBacklog("packages", "relay", 40)
	SetRelayBacklog("packages", "relay", 5)
	if got := testutil.ToFloat64(RelayBacklog.WithLabelValues("packages", "relay")); got != 5 {
		t.Errorf("relay backlog = %v, want 5", got)
	}
}

func TestRecordSendLatency(t *testing.T) {
	SendLatencySeconds.Reset()
	RecordSendLatency("attribution", 50*time.Millisecond)
	RecordSendLatency("attribution", 2*time.Second)

	if got := testutil.CollectAndCount(SendLatencySeconds); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
}
