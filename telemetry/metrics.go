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
	ProbesTotal       *prometheus.CounterVec // result=live|offline|error
	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec // outcome=finished|stopped|aborted|failed
	RemuxTotal        *prometheus.CounterVec // result=ok|error
	EvictionsTotal    *prometheus.CounterVec // reason=count|size|age|manual
	PollCycles        prometheus.Counter
	ChatLines         *prometheus.CounterVec // platform

	// Histograms (seconds)
	RemuxDuration   prometheus.Observer
	SessionDuration prometheus.Observer

	// Gauges
	ActiveSessions  prometheus.Gauge
	RecordingsGauge prometheus.Gauge
	ProbesInFlight  prometheus.Gauge
	ProbeSlots      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dvr_probes_total", Help: "Liveness probes by result"}, []string{"result"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "dvr_sessions_started_total", Help: "Recording sessions started"})
		SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dvr_sessions_completed_total", Help: "Recording sessions completed by outcome"}, []string{"outcome"})
		RemuxTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dvr_remux_total", Help: "Remux runs by result"}, []string{"result"})
		EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dvr_evictions_total", Help: "Recordings removed by reason"}, []string{"reason"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "dvr_poll_cycles_total", Help: "Scheduler poll cycles"})
		ChatLines = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dvr_chat_lines_total", Help: "Chat lines written by platform"}, []string{"platform"})
		RemuxDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "dvr_remux_duration_seconds", Help: "Remux duration seconds", Buckets: prometheus.DefBuckets})
		SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "dvr_session_duration_seconds", Help: "Recording session duration seconds", Buckets: prometheus.ExponentialBuckets(60, 2, 10)})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "dvr_active_sessions", Help: "Recording sessions currently capturing"})
		RecordingsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "dvr_recordings", Help: "Recordings tracked in the registry"})
		ProbesInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "dvr_probes_in_flight", Help: "Liveness probes holding a concurrency slot"})
		ProbeSlots = promauto.NewGauge(prometheus.GaugeOpts{Name: "dvr_probe_slots", Help: "Maximum concurrent liveness probes"})
	})
}

// ObserveProbe counts one probe outcome.
func ObserveProbe(result string) {
	if ProbesTotal != nil {
		ProbesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveSessionStart counts a new session and bumps the active gauge.
func ObserveSessionStart() {
	if SessionsStarted != nil {
		SessionsStarted.Inc()
		ActiveSessions.Inc()
	}
}

// ObserveSessionEnd records a finished session.
func ObserveSessionEnd(outcome string, d time.Duration) {
	if SessionsCompleted != nil {
		SessionsCompleted.WithLabelValues(outcome).Inc()
		ActiveSessions.Dec()
		SessionDuration.Observe(d.Seconds())
	}
}

// ObserveRemux records a remux run.
func ObserveRemux(d time.Duration, err error) {
	if RemuxTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	RemuxTotal.WithLabelValues(result).Inc()
	RemuxDuration.Observe(d.Seconds())
}

// ObserveEviction counts a removed recording.
func ObserveEviction(reason string) {
	if EvictionsTotal != nil {
		EvictionsTotal.WithLabelValues(reason).Inc()
	}
}

// ObservePollCycle counts a scheduler tick.
func ObservePollCycle() {
	if PollCycles != nil {
		PollCycles.Inc()
	}
}

// ObserveChatLine counts a chat line written for platform.
func ObserveChatLine(platform string) {
	if ChatLines != nil {
		ChatLines.WithLabelValues(platform).Inc()
	}
}

// SetRecordings records how many recordings the registry holds.
func SetRecordings(n int) {
	if RecordingsGauge != nil {
		RecordingsGauge.Set(float64(n))
	}
}

// SetProbeConcurrency records probe slot usage against the limit.
func SetProbeConcurrency(inFlight, limit int) {
	if ProbesInFlight != nil {
		ProbesInFlight.Set(float64(inFlight))
		ProbeSlots.Set(float64(limit))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
