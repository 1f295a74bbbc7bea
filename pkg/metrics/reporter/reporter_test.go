package reporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func TestFileReporterLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.txt")
	r := NewFileReporter(zaptest.NewLogger(t))

	require.NoError(t, r.Open(Config{PathKey: path}))
	require.NoError(t, r.Record("records_released", "42"))
	r.NotifyRemoved("partition_position{partition=\"left\"}", "2024-03-01T12:02:30Z/1")
	require.NoError(t, r.Close())

	assert.Equal(t, []string{
		"records_released: 42",
		"partition_position{partition=\"left\"}: 2024-03-01T12:02:30Z/1",
	}, readLines(t, path))
}

func TestFileReporterOpen(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		err := NewFileReporter(nil).Open(Config{})
		require.Error(t, err)
		assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConfig))
	})

	t.Run("unwritable path", func(t *testing.T) {
		err := NewFileReporter(nil).Open(Config{PathKey: filepath.Join(t.TempDir(), "missing", "metrics.txt")})
		require.Error(t, err)
		assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeFile))
	})

	t.Run("idempotent", func(t *testing.T) {
		dir := t.TempDir()
		first := filepath.Join(dir, "first.txt")
		second := filepath.Join(dir, "second.txt")

		r := NewFileReporter(nil)
		require.NoError(t, r.Open(Config{PathKey: first}))
		require.NoError(t, r.Open(Config{PathKey: second}))
		assert.Equal(t, first, r.Path())

		_, err := os.Stat(second)
		assert.True(t, os.IsNotExist(err))
		require.NoError(t, r.Close())
	})
}

func TestFileReporterAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.txt")
	r := NewFileReporter(zaptest.NewLogger(t))
	require.NoError(t, r.Open(Config{PathKey: path}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Error(t, r.Record("late", "1"))
	assert.NotPanics(t, func() { r.NotifyRemoved("late", "1") })
	assert.Empty(t, readLines(t, path))
}

func TestFileReporterConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.txt")
	r := NewFileReporter(nil)
	require.NoError(t, r.Open(Config{PathKey: path}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, r.Record(fmt.Sprintf("worker_%d", i), fmt.Sprint(j)))
			}
		}(i)
	}
	wg.Wait()

	// Detach notifications racing Close must never fail the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for j := 0; j < 50; j++ {
			r.NotifyRemoved("detached", fmt.Sprint(j))
		}
	}()
	require.NoError(t, r.Close())
	<-done

	lines := readLines(t, path)
	recorded := 0
	for _, line := range lines {
		require.Regexp(t, `^(worker_\d|detached): \d+$`, line)
		if strings.HasPrefix(line, "worker_") {
			recorded++
		}
	}
	assert.Equal(t, 400, recorded)
}

type memoryReporter struct {
	values map[string]string
}

func (m *memoryReporter) Open(Config) error { return nil }
func (m *memoryReporter) Record(name, value string) error {
	m.values[name] = value
	return nil
}
func (m *memoryReporter) NotifyRemoved(name, value string) { m.values[name] = value }
func (m *memoryReporter) Close() error                     { return nil }

func TestPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	released := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "released_total"}, []string{"pipeline"})
	buffered := prometheus.NewGauge(prometheus.GaugeOpts{Name: "buffered"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency_seconds", Buckets: []float64{1}})
	reg.MustRegister(released, buffered, latency)

	released.WithLabelValues("orders").Add(3)
	buffered.Set(1.5)
	latency.Observe(0.5)
	latency.Observe(2)

	out := &memoryReporter{values: map[string]string{}}
	require.NoError(t, Publish(reg, out))

	assert.Equal(t, "3", out.values[`released_total{pipeline="orders"}`])
	assert.Equal(t, "1.5", out.values["buffered"])
	assert.Equal(t, "count=2 sum=2.5", out.values["latency_seconds"])

	names := make([]string, 0, len(out.values))
	for name := range out.values {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Len(t, names, 3)
}
