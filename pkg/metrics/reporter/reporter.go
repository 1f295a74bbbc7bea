// Package reporter writes metric values to external destinations. A
// FileReporter appends one "name: value" line per recorded metric.
package reporter

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

// PathKey is the Config key naming the output file of a FileReporter.
const PathKey = "path"

// Config holds reporter settings.
type Config map[string]string

// Reporter is a metrics destination. Implementations must be safe for
// concurrent use.
type Reporter interface {
	// Open initializes the destination. Only the first call has an effect.
	Open(cfg Config) error
	// Record writes one metric value.
	Record(name, value string) error
	// NotifyRemoved writes the last value of a metric that is going away.
	// Failures are logged, never returned.
	NotifyRemoved(name, value string)
	// Close flushes and releases the destination.
	Close() error
}

// FileReporter writes metrics to the file named by the "path" key.
type FileReporter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	logger *zap.Logger
}

// NewFileReporter creates an unopened file reporter.
func NewFileReporter(logger *zap.Logger) *FileReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileReporter{logger: logger.With(zap.String("component", "file_reporter"))}
}

// Open implements Reporter.
func (r *FileReporter) Open(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path != "" {
		return nil
	}
	path := cfg[PathKey]
	if path == "" {
		return cserrors.New(cserrors.ErrorTypeConfig, "file reporter config needs 'path' key")
	}

	r.logger.Info("opening metrics file", zap.String("path", path))
	f, err := os.Create(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeFile, "file reporter couldn't open file")
	}
	r.path = path
	r.file = f
	r.w = bufio.NewWriter(f)
	return nil
}

// Record implements Reporter.
func (r *FileReporter) Record(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(name, value)
}

// NotifyRemoved implements Reporter.
func (r *FileReporter) NotifyRemoved(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(name, value); err != nil {
		r.logger.Warn("unable to log details on metric", zap.String("metric", name), zap.Error(err))
	}
}

// write must be called with mu held.
func (r *FileReporter) write(name, value string) error {
	if r.w == nil {
		return cserrors.Newf(cserrors.ErrorTypeInternal, "file reporter is not open, dropping %s", name)
	}
	if _, err := fmt.Fprintf(r.w, "%s: %s\n", name, value); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeFile, "failed to write metric")
	}
	return nil
}

// Close implements Reporter. Closing an unopened or closed reporter is a no-op.
func (r *FileReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.w = nil
	r.file = nil

	if flushErr != nil {
		return cserrors.Wrap(flushErr, cserrors.ErrorTypeFile, "failed to flush metrics file")
	}
	if closeErr != nil {
		return cserrors.Wrap(closeErr, cserrors.ErrorTypeFile, "failed to close metrics file")
	}
	r.logger.Info("wrote metrics", zap.String("path", r.path))
	return nil
}

// Path returns the file the reporter writes to, empty until opened.
func (r *FileReporter) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
