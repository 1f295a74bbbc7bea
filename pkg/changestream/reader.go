package changestream

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/metrics"
	"github.com/ajitpratap0/changestream/pkg/observability"
	"github.com/ajitpratap0/changestream/pkg/retry"
)

// Fetcher opens the change stream of one partition.
type Fetcher interface {
	// Open returns a stream of the partition's records strictly after resume.
	// A zero resume starts at the beginning of the partition.
	Open(ctx context.Context, partition *Partition, resume Position) (RecordStream, error)
}

// RecordStream yields records of one partition in order. Next returns io.EOF
// once the stream is exhausted.
type RecordStream interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Pipeline string
	Policy   *retry.Policy
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
}

var errStreamEnded = cserrors.New(cserrors.ErrorTypeConnection, "stream ended before the partition end record")

// Reader adapts a Fetcher into an ordered sequence of the records of one
// partition, re-opening the stream after transient failures.
type Reader struct {
	partition *Partition
	fetcher   Fetcher
	opts      ReaderOptions
	logger    *zap.Logger

	cursor Position
	read   int64
}

// NewReader creates a reader for partition, resuming after its confirmed
// position.
func NewReader(partition *Partition, fetcher Fetcher, opts ReaderOptions) *Reader {
	if opts.Policy == nil {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reader{
		partition: partition.clone(),
		fetcher:   fetcher,
		opts:      opts,
		logger: opts.Logger.With(
			zap.String("component", "partition_reader"),
			zap.String("partition_token", partition.Token)),
		cursor: partition.ResumePosition(),
	}
}

// Cursor returns the position of the last record yielded.
func (r *Reader) Cursor() Position {
	return r.cursor
}

// Records yields the partition's records in strictly increasing position
// order and stops after the partition end record. A terminal error is yielded
// once as the last element: a PartitionUnavailableError when retries run
// out, or the malformed record or ordering error that stopped the stream.
func (r *Reader) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		failures := 0
		for {
			progressed, done, err := r.session(ctx, failures, yield)
			if done {
				return
			}
			if progressed {
				failures = 0
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if permanent(err) {
				yield(nil, err)
				return
			}

			failures++
			metrics.FetchRetries.WithLabelValues(r.opts.Pipeline).Inc()
			if r.opts.Policy.Exhausted(failures) {
				yield(nil, NewPartitionUnavailableError(r.partition.Token, failures, err))
				return
			}

			r.logger.Warn("partition stream interrupted, reopening",
				zap.Int("attempt", failures),
				zap.Stringer("cursor", r.cursor),
				zap.Error(err))
			if err := r.opts.Policy.Wait(ctx, failures-1); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// session reads one opened stream. done is set when the end record was
// yielded or the consumer stopped.
func (r *Reader) session(ctx context.Context, attempt int, yield func(Record, error) bool) (progressed, done bool, err error) {
	ctx, span := observability.StartPartitionSpan(ctx, r.opts.Tracer, "changestream.fetch", r.partition.Token,
		attribute.Int("changestream.attempt", attempt+1),
		attribute.String("changestream.resume_position", r.cursor.String()))
	defer func() {
		observability.EndSpan(span, err)
	}()

	openedAt := r.opts.Now()
	timer := metrics.NewTimer("open")
	stream, err := r.fetcher.Open(ctx, r.partition, r.cursor)
	if err != nil {
		timer.ObserveFetch("error")
		return false, false, err
	}
	timer.ObserveFetch("ok")
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.logger.Debug("failed to close partition stream", zap.Error(cerr))
		}
	}()

	resume := r.cursor
	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return progressed, false, errStreamEnded
		}
		if err != nil {
			return progressed, false, err
		}
		if rec == nil {
			return progressed, false, NewMalformedRecordError("", "partition %s stream returned a nil record", r.partition.Token)
		}
		if err := rec.Validate(); err != nil {
			return progressed, false, err
		}

		pos := rec.Position()
		if hb, ok := rec.(*HeartbeatRecord); ok {
			if !r.cursor.IsZero() && !hb.Timestamp.After(r.cursor.Timestamp) {
				continue
			}
		} else {
			if !resume.IsZero() && pos.Compare(resume) <= 0 {
				continue
			}
			if !r.cursor.IsZero() && pos.Compare(r.cursor) <= 0 {
				return progressed, false, NewOrderingViolationError(r.partition.Token,
					"%s record at %s is not after %s", rec.Kind(), pos, r.cursor)
			}
			r.cursor = pos
		}

		progressed = true
		r.read++
		r.annotate(rec, openedAt)

		if !yield(rec, nil) {
			return progressed, true, nil
		}
		if rec.Kind() == KindPartitionEnd {
			return progressed, true, nil
		}
	}
}

func (r *Reader) annotate(rec Record, openedAt time.Time) {
	md := ensureMetadata(rec)
	if md == nil {
		return
	}
	now := r.opts.Now()
	md.PartitionToken = r.partition.Token
	md.PartitionStartTimestamp = r.partition.StartTimestamp
	md.PartitionCreatedAt = r.partition.CreatedAt
	md.PartitionScheduledAt = r.partition.ScheduledAt
	md.PartitionRunningAt = r.partition.RunningAt
	md.QueryStartedAt = openedAt
	md.RecordStreamStartedAt = openedAt
	md.RecordReadAt = now
	md.TotalStreamTimeMillis = now.Sub(openedAt).Milliseconds()
	md.NumberOfRecordsRead = r.read
	if end, ok := rec.(*PartitionEndRecord); ok {
		md.PartitionEndTimestamp = end.EndTimestamp
		md.RecordStreamEndedAt = now
	}
}

func ensureMetadata(rec Record) *Metadata {
	switch rec := rec.(type) {
	case *DataChangeRecord:
		if rec.Metadata == nil {
			rec.Metadata = &Metadata{}
		}
		return rec.Metadata
	case *PartitionStartRecord:
		if rec.Metadata == nil {
			rec.Metadata = &Metadata{}
		}
		return rec.Metadata
	case *PartitionEndRecord:
		if rec.Metadata == nil {
			rec.Metadata = &Metadata{}
		}
		return rec.Metadata
	case *PartitionEventRecord:
		if rec.Metadata == nil {
			rec.Metadata = &Metadata{}
		}
		return rec.Metadata
	case *HeartbeatRecord:
		if rec.Metadata == nil {
			rec.Metadata = &Metadata{}
		}
		return rec.Metadata
	}
	return nil
}

// permanent reports whether err must not be retried.
func permanent(err error) bool {
	return IsMalformedRecord(err) ||
		IsOrderingViolation(err) ||
		IsInvariantViolation(err) ||
		cserrors.IsType(err, cserrors.ErrorTypeConfig) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
