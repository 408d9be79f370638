// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	FramesReceived      *prometheus.CounterVec
	MessagesRelayed     prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	RedactionsSucceeded prometheus.Counter
	RedactionsFailed    prometheus.Counter
	Reconnects          prometheus.Counter

	// Histograms (seconds)
	SendDuration prometheus.Observer

	// Gauges
	ConnectedGauge prometheus.Gauge // 1=source verified, 0=not connected
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_frames_received_total", Help: "Inbound frames by decoded kind"}, []string{"kind"})
		MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_relayed_total", Help: "Messages successfully sent to Matrix"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_dropped_total", Help: "Instructions dropped by reason"}, []string{"reason"})
		RedactionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_redactions_succeeded_total", Help: "Delete instructions that redacted a Matrix event"})
		RedactionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_redactions_failed_total", Help: "Delete instructions whose redaction call failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_reconnects_total", Help: "Relay session restarts"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_send_duration_seconds", Help: "Matrix send duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connected", Help: "Source connection verified=1 otherwise 0"})
	})
}

// IncFrame counts one inbound frame of the given kind.
func IncFrame(kind string) {
	if FramesReceived != nil {
		FramesReceived.WithLabelValues(kind).Inc()
	}
}

// IncRelayed counts one successfully relayed message.
func IncRelayed() {
	if MessagesRelayed != nil {
		MessagesRelayed.Inc()
	}
}

// IncDropped counts one dropped instruction with its reason.
func IncDropped(reason string) {
	if MessagesDropped != nil {
		MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// IncRedaction counts a redaction attempt outcome.
func IncRedaction(ok bool) {
	if ok {
		if RedactionsSucceeded != nil {
			RedactionsSucceeded.Inc()
		}
	} else if RedactionsFailed != nil {
		RedactionsFailed.Inc()
	}
}

// IncReconnect counts one session restart.
func IncReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// SetConnected sets the connection gauge to 1 when the source has verified us.
func SetConnected(connected bool) {
	if ConnectedGauge != nil {
		if connected {
			ConnectedGauge.Set(1)
		} else {
			ConnectedGauge.Set(0)
		}
	}
}

// ObserveSend records a Matrix send duration.
func ObserveSend(d time.Duration) {
	if SendDuration != nil {
		SendDuration.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
