package embedbag

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordForward is called after each forward pass. bags is the number of
	// bags looked up, duration is the total time taken, err is nil if
	// successful.
	RecordForward(bags int, duration time.Duration, err error)

	// RecordUpdate is called after each row update.
	RecordUpdate(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordForward(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ForwardCount      atomic.Int64
	ForwardErrors     atomic.Int64
	ForwardBags       atomic.Int64
	ForwardTotalNanos atomic.Int64
	UpdateCount       atomic.Int64
	UpdateErrors      atomic.Int64
}

// RecordForward implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForward(bags int, duration time.Duration, err error) {
	b.ForwardCount.Add(1)
	b.ForwardBags.Add(int64(bags))
	b.ForwardTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ForwardErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ForwardCount:    b.ForwardCount.Load(),
		ForwardErrors:   b.ForwardErrors.Load(),
		ForwardBags:     b.ForwardBags.Load(),
		ForwardAvgNanos: b.getAvgForwardNanos(),
		UpdateCount:     b.UpdateCount.Load(),
		UpdateErrors:    b.UpdateErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgForwardNanos() int64 {
	count := b.ForwardCount.Load()
	if count == 0 {
		return 0
	}
	return b.ForwardTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ForwardCount    int64
	ForwardErrors   int64
	ForwardBags     int64
	ForwardAvgNanos int64
	UpdateCount     int64
	UpdateErrors    int64
}
