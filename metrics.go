package walloc

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    allocCounter    prometheus.Counter
//	    allocHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordAllocate(tier walloc.Tier, size uint32, duration time.Duration, err error) {
//	    p.allocCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordAllocate is called after each allocation, tiered or general.
	// duration is the total time taken, err is nil if successful.
	RecordAllocate(tier Tier, size uint32, duration time.Duration, err error)

	// RecordFallback is called when a tiered allocation overflowed into the
	// general allocator.
	RecordFallback(tier Tier, size uint32)

	// RecordFree is called after each free operation.
	RecordFree(duration time.Duration, err error)

	// RecordReset is called after each tier reset with the reclaimed bytes.
	RecordReset(tier Tier, reclaimed uint64)

	// RecordCompact is called after each tier compaction.
	RecordCompact(tier Tier, reclaimed uint64, err error)

	// RecordGrow is called when the linear memory grows, with the new
	// committed page count.
	RecordGrow(pages uint32)

	// RecordSnapshot is called after each snapshot with the bytes written.
	RecordSnapshot(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAllocate(Tier, uint32, time.Duration, error) {}
func (NoopMetricsCollector) RecordFallback(Tier, uint32)                       {}
func (NoopMetricsCollector) RecordFree(time.Duration, error)                   {}
func (NoopMetricsCollector) RecordReset(Tier, uint64)                          {}
func (NoopMetricsCollector) RecordCompact(Tier, uint64, error)                 {}
func (NoopMetricsCollector) RecordGrow(uint32)                                 {}
func (NoopMetricsCollector) RecordSnapshot(int64, time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AllocCount      atomic.Int64
	AllocErrors     atomic.Int64
	AllocBytes      atomic.Int64
	AllocTotalNanos atomic.Int64
	FallbackCount   atomic.Int64
	FallbackBytes   atomic.Int64
	FreeCount       atomic.Int64
	FreeErrors      atomic.Int64
	ResetCount      atomic.Int64
	ReclaimedBytes  atomic.Int64
	CompactCount    atomic.Int64
	CompactErrors   atomic.Int64
	GrowCount       atomic.Int64
	SnapshotCount   atomic.Int64
	SnapshotErrors  atomic.Int64
	SnapshotBytes   atomic.Int64
}

// RecordAllocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocate(tier Tier, size uint32, duration time.Duration, err error) {
	b.AllocCount.Add(1)
	b.AllocTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AllocErrors.Add(1)
	} else {
		b.AllocBytes.Add(int64(size))
	}
}

// RecordFallback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFallback(tier Tier, size uint32) {
	b.FallbackCount.Add(1)
	b.FallbackBytes.Add(int64(size))
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(duration time.Duration, err error) {
	b.FreeCount.Add(1)
	if err != nil {
		b.FreeErrors.Add(1)
	}
}

// RecordReset implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReset(tier Tier, reclaimed uint64) {
	b.ResetCount.Add(1)
	b.ReclaimedBytes.Add(int64(reclaimed))
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(tier Tier, reclaimed uint64, err error) {
	b.CompactCount.Add(1)
	if err != nil {
		b.CompactErrors.Add(1)
	} else {
		b.ReclaimedBytes.Add(int64(reclaimed))
	}
}

// RecordGrow implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGrow(pages uint32) {
	b.GrowCount.Add(1)
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(bytes int64, duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	if err != nil {
		b.SnapshotErrors.Add(1)
	} else {
		b.SnapshotBytes.Add(bytes)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AllocCount:     b.AllocCount.Load(),
		AllocErrors:    b.AllocErrors.Load(),
		AllocBytes:     b.AllocBytes.Load(),
		AllocAvgNanos:  b.getAvgAllocNanos(),
		FallbackCount:  b.FallbackCount.Load(),
		FallbackBytes:  b.FallbackBytes.Load(),
		FreeCount:      b.FreeCount.Load(),
		FreeErrors:     b.FreeErrors.Load(),
		ResetCount:     b.ResetCount.Load(),
		ReclaimedBytes: b.ReclaimedBytes.Load(),
		CompactCount:   b.CompactCount.Load(),
		CompactErrors:  b.CompactErrors.Load(),
		GrowCount:      b.GrowCount.Load(),
		SnapshotCount:  b.SnapshotCount.Load(),
		SnapshotErrors: b.SnapshotErrors.Load(),
		SnapshotBytes:  b.SnapshotBytes.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAllocNanos() int64 {
	count := b.AllocCount.Load()
	if count == 0 {
		return 0
	}
	return b.AllocTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AllocCount     int64
	AllocErrors    int64
	AllocBytes     int64
	AllocAvgNanos  int64
	FallbackCount  int64
	FallbackBytes  int64
	FreeCount      int64
	FreeErrors     int64
	ResetCount     int64
	ReclaimedBytes int64
	CompactCount   int64
	CompactErrors  int64
	GrowCount      int64
	SnapshotCount  int64
	SnapshotErrors int64
	SnapshotBytes  int64
}
