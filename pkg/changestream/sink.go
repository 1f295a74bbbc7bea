package changestream

import (
	"context"
	"io"
	"sync"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

// Sink receives released data change records in global order.
type Sink interface {
	// Emit delivers one batch. Batches are emitted in order and never
	// concurrently.
	Emit(ctx context.Context, records []*DataChangeRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, records []*DataChangeRecord) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, records []*DataChangeRecord) error {
	return f(ctx, records)
}

// WriterSink writes each record as one JSON line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing JSON lines to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements Sink.
func (s *WriterSink) Emit(ctx context.Context, records []*DataChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := json.MarshalLine(s.w, rec); err != nil {
			return cserrors.Wrap(err, cserrors.ErrorTypeFile, "failed to write record")
		}
	}
	return nil
}

// CollectingSink keeps every emitted record in memory.
type CollectingSink struct {
	mu      sync.Mutex
	records []*DataChangeRecord
	batches int
}

// Emit implements Sink.
func (s *CollectingSink) Emit(_ context.Context, records []*DataChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

// Records returns a copy of the collected records.
func (s *CollectingSink) Records() []*DataChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DataChangeRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Batches returns the number of Emit calls.
func (s *CollectingSink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}
