package transfer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const durationWindowSize = 1000

// MetricsCollector tracks upload counters and a bounded rolling window of
// recent upload durations. It additionally feeds Prometheus counters so
// the same numbers show up on the scrape endpoint.
type MetricsCollector struct {
	mu        sync.Mutex
	uploads   uint64
	bytes     uint64
	errors    uint64
	durations []time.Duration

	promUploads prometheus.Counter
	promBytes   prometheus.Counter
	promErrors  prometheus.Counter
}

// Stats is a consistent snapshot of collector state.
type Stats struct {
	Uploads         uint64  `json:"total_uploads"`
	Bytes           uint64  `json:"total_bytes"`
	Errors          uint64  `json:"total_errors"`
	AvgDurationSecs float64 `json:"avg_upload_duration_seconds"`
	SuccessRate     float64 `json:"success_rate"`
}

// NewMetricsCollector builds a collector, registering Prometheus counters
// on reg when it is non-nil.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		durations: make([]time.Duration, 0, durationWindowSize),
		promUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharexpress_uploads_total",
			Help: "Files committed through the transfer controller.",
		}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharexpress_upload_bytes_total",
			Help: "Bytes committed through the transfer controller.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharexpress_upload_errors_total",
			Help: "Failed transfer operations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(mc.promUploads, mc.promBytes, mc.promErrors)
	}
	return mc
}

// RecordUpload accounts one committed upload.
func (mc *MetricsCollector) RecordUpload(bytes int64, duration time.Duration) {
	mc.mu.Lock()
	mc.uploads++
	mc.bytes += uint64(bytes)
	if len(mc.durations) >= durationWindowSize {
		mc.durations = mc.durations[1:]
	}
	mc.durations = append(mc.durations, duration)
	mc.mu.Unlock()

	mc.promUploads.Inc()
	mc.promBytes.Add(float64(bytes))
}

// RecordError accounts one failed operation.
func (mc *MetricsCollector) RecordError() {
	mc.mu.Lock()
	mc.errors++
	mc.mu.Unlock()

	mc.promErrors.Inc()
}

// GetStats returns a snapshot. Success rate is 0 with no recorded activity.
func (mc *MetricsCollector) GetStats() Stats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var avg float64
	if len(mc.durations) > 0 {
		var total time.Duration
		for _, d := range mc.durations {
			total += d
		}
		avg = total.Seconds() / float64(len(mc.durations))
	}

	var rate float64
	if mc.uploads+mc.errors > 0 {
		rate = float64(mc.uploads) / float64(mc.uploads+mc.errors)
	}

	return Stats{
		Uploads:         mc.uploads,
		Bytes:           mc.bytes,
		Errors:          mc.errors,
		AvgDurationSecs: avg,
		SuccessRate:     rate,
	}
}
