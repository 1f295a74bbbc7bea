// Package metrics exposes Prometheus collectors for change stream pipelines.
// Collectors are registered with the default registry on package load.
//
// # Overview
//
// The metrics package provides:
//   - Counters for released, duplicate and failed records
//   - Gauges for buffered records, partitions per status and the watermark
//   - A fetch latency histogram and retry counter for partition readers
//   - Throughput tracking for released records
//
// # Basic Usage
//
//	// Count records handed to the sink
//	metrics.RecordsReleased.WithLabelValues("orders").Add(float64(len(batch)))
//
//	// Publish the watermark
//	metrics.Watermark.WithLabelValues("orders").Set(float64(w.Unix()))
//
//	// Track throughput
//	tracker := metrics.NewThroughputTracker("orders")
//	tracker.Increment(int64(len(batch)))
//	perSecond := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsReleased counts data change records emitted in global order.
	// Labels: pipeline
	//
	// Example:
	//	metrics.RecordsReleased.WithLabelValues("orders").Add(100)
	RecordsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_records_released_total",
			Help: "Total number of data change records released downstream",
		},
		[]string{"pipeline"},
	)

	// RecordsRead counts records delivered by partition readers, by kind.
	// Labels: pipeline, kind
	RecordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_records_read_total",
			Help: "Total number of records read from partitions",
		},
		[]string{"pipeline", "kind"},
	)

	// DuplicatesDropped counts re-delivered records absorbed by the merger.
	DuplicatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_duplicates_dropped_total",
			Help: "Total number of re-delivered records dropped",
		},
		[]string{"pipeline"},
	)

	// BufferedRecords is the number of records waiting in the merger.
	BufferedRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changestream_buffered_records",
			Help: "Records buffered in the merger awaiting the watermark",
		},
		[]string{"pipeline"},
	)

	// Partitions is the number of live partitions per lifecycle status.
	// Labels: pipeline, status (CREATED/SCHEDULED/RUNNING/FINISHED)
	Partitions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changestream_partitions",
			Help: "Number of live partitions by status",
		},
		[]string{"pipeline", "status"},
	)

	// PartitionsRetired counts partitions removed from the registry.
	PartitionsRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_partitions_retired_total",
			Help: "Total number of retired partitions",
		},
		[]string{"pipeline"},
	)

	// PartitionFailures counts partitions whose reader gave up.
	PartitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_partition_failures_total",
			Help: "Total number of partitions that failed",
		},
		[]string{"pipeline"},
	)

	// Watermark is the current watermark as Unix seconds.
	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changestream_watermark_seconds",
			Help: "Current watermark as a Unix timestamp",
		},
		[]string{"pipeline"},
	)

	// WatermarkLag is how far the watermark trails the wall clock.
	WatermarkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changestream_watermark_lag_seconds",
			Help: "Seconds between the wall clock and the watermark",
		},
		[]string{"pipeline"},
	)

	// FetchRetries counts stream re-opens after transient failures.
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changestream_fetch_retries_total",
			Help: "Total number of partition stream re-opens",
		},
		[]string{"pipeline"},
	)

	// FetchLatency tracks how long opening a partition stream takes, in seconds.
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "changestream_fetch_open_seconds",
			Help: "Latency of opening a partition stream",
			Buckets: []float64{
				0.001, // 1ms - local fixtures
				0.01,  // 10ms
				0.1,   // 100ms - remote query start
				1,     // 1s
				10,    // 10s - congested backend
			},
		},
		[]string{"outcome"},
	)

	// Throughput tracks released records per second.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changestream_throughput_records_per_second",
			Help: "Current throughput in released records per second",
		},
		[]string{"pipeline"},
	)
)

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveFetch records an open latency for the given outcome.
func (t *Timer) ObserveFetch(outcome string) time.Duration {
	d := t.Stop()
	FetchLatency.WithLabelValues(outcome).Observe(d.Seconds())
	return d
}

// ThroughputTracker tracks released records per second over time windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	pipeline  string
}

// NewThroughputTracker creates a tracker labelled with the pipeline name.
func NewThroughputTracker(pipeline string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		pipeline:  pipeline,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, updates the Prometheus
// gauge, resets the counter and returns the value.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.pipeline).Set(throughput)
	return throughput
}
