package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersInitialized(t *testing.T) {
	Init()

	if FramesReceived == nil {
		t.Error("FramesReceived counter not initialized")
	}
	if MessagesRelayed == nil {
		t.Error("MessagesRelayed counter not initialized")
	}
	if SendDuration == nil {
		t.Error("SendDuration histogram not initialized")
	}
	if ConnectedGauge == nil {
		t.Error("ConnectedGauge not initialized")
	}
}

func TestHelpersDoNotPanic(t *testing.T) {
	Init()

	for _, kind := range []string{"verified", "error", "create", "delete", "unknown"} {
		IncFrame(kind)
	}
	IncRelayed()
	for _, reason := range []string{"unbound_target", "send_failed", "unknown_message", "persistence"} {
		IncDropped(reason)
	}
	IncRedaction(true)
	IncRedaction(false)
	IncReconnect()
	SetConnected(true)
	SetConnected(false)
	ObserveSend(50 * time.Millisecond)
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil {
		t.Fatal("Histogram metric is nil")
	}
	if *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(t.Context(), "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if got := GetCorrelation(t.Context()); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q, want empty", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
