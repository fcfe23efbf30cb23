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
	SyncCycles    prometheus.Counter
	SyncFailures  *prometheus.CounterVec // label: kind
	Triggers      prometheus.Counter
	Verifications *prometheus.CounterVec // label: result
	NoticesSent   prometheus.Counter
	CursorWrites  prometheus.Counter

	// Histograms (seconds)
	PollDuration   prometheus.Observer
	VerifyDuration prometheus.Observer

	// Gauges
	LastSyncTimestamp prometheus.Gauge
	BackingOffGauge   prometheus.Gauge // 1=backing off,0=polling
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "sentinel_sync_cycles_total", Help: "Number of sync cycles that completed and persisted their cursor"})
		SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sentinel_sync_failures_total", Help: "Number of failed sync cycles by failure kind"}, []string{"kind"})
		Triggers = promauto.NewCounter(prometheus.CounterOpts{Name: "sentinel_triggers_total", Help: "Number of batches that contained at least one trigger notice"})
		Verifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sentinel_verifications_total", Help: "Number of checksum verifications by result"}, []string{"result"})
		NoticesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sentinel_notices_sent_total", Help: "Number of notices delivered to the room"})
		CursorWrites = promauto.NewCounter(prometheus.CounterOpts{Name: "sentinel_cursor_writes_total", Help: "Number of cursor values persisted"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sentinel_poll_duration_seconds", Help: "Long-poll round trip seconds", Buckets: []float64{0.1, 0.5, 1, 5, 10, 20, 30, 45, 60}})
		VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sentinel_verify_duration_seconds", Help: "Checksum verification seconds", Buckets: prometheus.DefBuckets})
		LastSyncTimestamp = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentinel_last_sync_timestamp_seconds", Help: "Unix time of the last successful sync cycle"})
		BackingOffGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sentinel_backing_off", Help: "Sync loop backing off=1 polling=0"})
	})
}

// RecordFailure increments the failure counter for the given kind label.
func RecordFailure(kind string) {
	if SyncFailures != nil {
		SyncFailures.WithLabelValues(kind).Inc()
	}
}

// RecordVerification counts a verification outcome.
func RecordVerification(upToDate bool) {
	if Verifications == nil {
		return
	}
	if upToDate {
		Verifications.WithLabelValues("up_to_date").Inc()
	} else {
		Verifications.WithLabelValues("out_of_date").Inc()
	}
}

// RecordCycle marks a completed cycle at t.
func RecordCycle(t time.Time) {
	if SyncCycles != nil {
		SyncCycles.Inc()
	}
	if LastSyncTimestamp != nil {
		LastSyncTimestamp.Set(float64(t.Unix()))
	}
}

// SetBackingOff sets gauge to 1 while the loop sleeps after a failure.
func SetBackingOff(on bool) {
	if BackingOffGauge != nil {
		if on {
			BackingOffGauge.Set(1)
		} else {
			BackingOffGauge.Set(0)
		}
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
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
