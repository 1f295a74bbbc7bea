package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("metrics-test")
	tracker.Increment(50)
	tracker.Increment(50)
	time.Sleep(10 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("metrics-test")))

	// The count restarts after a reset.
	time.Sleep(time.Millisecond)
	assert.Equal(t, 0.0, tracker.GetAndReset())
}

func TestTimerObserveFetch(t *testing.T) {
	before := testutil.CollectAndCount(FetchLatency)

	timer := NewTimer("open")
	assert.Equal(t, "open", timer.Name())
	d := timer.ObserveFetch("metrics_test_success")
	assert.GreaterOrEqual(t, d, time.Duration(0))

	assert.Equal(t, before+1, testutil.CollectAndCount(FetchLatency))
}

func TestCounters(t *testing.T) {
	RecordsReleased.WithLabelValues("metrics-counter").Add(3)
	DuplicatesDropped.WithLabelValues("metrics-counter").Inc()
	Partitions.WithLabelValues("metrics-counter", "RUNNING").Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(RecordsReleased.WithLabelValues("metrics-counter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DuplicatesDropped.WithLabelValues("metrics-counter")))
	assert.Equal(t, 2.0, testutil.ToFloat64(Partitions.WithLabelValues("metrics-counter", "RUNNING")))
}
