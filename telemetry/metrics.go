// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	EventsReceived     *prometheus.CounterVec // by event type
	EventFailures      *prometheus.CounterVec // by event type
	EventsDropped      *prometheus.CounterVec // by reason
	MessagesTranslated prometheus.Counter
	APICalls           *prometheus.CounterVec // by method, result
	ChunksSent         prometheus.Counter
	SendFailures       prometheus.Counter
	Reconnects         prometheus.Counter
	DMCacheLookups     *prometheus.CounterVec // by result (hit|miss)

	// Histograms (seconds)
	APICallDuration *prometheus.HistogramVec

	// Gauges
	ConnectionStateGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sameroom_rtm_events_total", Help: "RTM events routed to a handler"}, []string{"type"})
		EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sameroom_rtm_event_failures_total", Help: "RTM event handlers that returned an error or panicked"}, []string{"type"})
		EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sameroom_rtm_events_dropped_total", Help: "RTM frames discarded without delivery"}, []string{"reason"})
		MessagesTranslated = promauto.NewCounter(prometheus.CounterOpts{Name: "sameroom_messages_delivered_total", Help: "Inbound messages delivered to the message callback"})
		APICalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sameroom_api_calls_total", Help: "Slack Web API calls"}, []string{"method", "result"})
		ChunksSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sameroom_chunks_sent_total", Help: "Outbound message chunks written to the RTM stream"})
		SendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "sameroom_send_failures_total", Help: "Send calls that did not deliver every chunk"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "sameroom_reconnects_total", Help: "Reconnection attempts after a dropped session"})
		DMCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sameroom_dm_cache_lookups_total", Help: "Direct-message channel cache lookups"}, []string{"result"})
		APICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "sameroom_api_call_duration_seconds", Help: "Slack Web API call duration seconds", Buckets: prometheus.DefBuckets}, []string{"method"})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sameroom_connection_state", Help: "Session state: 0=disconnected 1=authenticating 2=connected 3=reading 4=fatal"})
	})
}

// ObserveAPICall records one Web API call outcome.
func ObserveAPICall(method, result string, d time.Duration) {
	if APICalls != nil {
		APICalls.WithLabelValues(method, result).Inc()
	}
	if APICallDuration != nil {
		APICallDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

// IncEvent counts an event routed to a handler.
func IncEvent(eventType string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(eventType).Inc()
	}
}

// IncEventFailure counts a handler failure.
func IncEventFailure(eventType string) {
	if EventFailures != nil {
		EventFailures.WithLabelValues(eventType).Inc()
	}
}

// IncDropped counts a frame discarded for reason.
func IncDropped(reason string) {
	if EventsDropped != nil {
		EventsDropped.WithLabelValues(reason).Inc()
	}
}

// IncMessages counts a message handed to the upward callback.
func IncMessages() {
	if MessagesTranslated != nil {
		MessagesTranslated.Inc()
	}
}

// AddChunksSent counts chunks written to the stream.
func AddChunksSent(n int) {
	if ChunksSent != nil && n > 0 {
		ChunksSent.Add(float64(n))
	}
}

// IncSendFailure counts a send that did not complete.
func IncSendFailure() {
	if SendFailures != nil {
		SendFailures.Inc()
	}
}

// IncReconnect counts a reconnection attempt.
func IncReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// IncCacheLookup counts a DM cache hit or miss.
func IncCacheLookup(hit bool) {
	if DMCacheLookups == nil {
		return
	}
	if hit {
		DMCacheLookups.WithLabelValues("hit").Inc()
	} else {
		DMCacheLookups.WithLabelValues("miss").Inc()
	}
}

// SetConnectionState records the numeric session state.
func SetConnectionState(n int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(n))
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

// WithCorrelation returns a new context embedding the correlation id.
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
