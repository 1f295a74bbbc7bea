package changestream

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/metrics"
	"github.com/ajitpratap0/changestream/pkg/metrics/reporter"
	"github.com/ajitpratap0/changestream/pkg/retry"
)

// FailurePolicy decides what happens when a partition reader gives up.
type FailurePolicy string

const (
	// FailureAbort stops the pipeline with the partition's error.
	FailureAbort FailurePolicy = "abort"
	// FailureContinue flags the partition as failed and keeps running. The
	// failed partition keeps holding the watermark back.
	FailureContinue FailurePolicy = "continue"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Name                    string        `yaml:"name" json:"name"`
	RootToken               string        `yaml:"root_token" json:"root_token"`
	RootKeyRange            KeyRange      `yaml:"root_key_range" json:"root_key_range"`
	StartTimestamp          time.Time     `yaml:"start_timestamp" json:"start_timestamp"`
	MaxBufferedPerPartition int           `yaml:"max_buffered_per_partition" json:"max_buffered_per_partition"`
	BatchSize               int           `yaml:"batch_size" json:"batch_size"`
	CheckpointInterval      time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	MaintenanceInterval     time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
	DanglingTimeout         time.Duration `yaml:"dangling_timeout" json:"dangling_timeout"`
	OnPartitionFailure      FailurePolicy `yaml:"on_partition_failure" json:"on_partition_failure"`
}

// DefaultPipelineConfig returns the default pipeline settings.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Name:                    "changestream",
		RootToken:               RootPartitionToken,
		MaxBufferedPerPartition: 1000,
		BatchSize:               256,
		MaintenanceInterval:     time.Second,
		DanglingTimeout:         DefaultDanglingTimeout,
		OnPartitionFailure:      FailureAbort,
	}
}

// Validate fills unset fields with defaults and rejects invalid values.
func (c *PipelineConfig) Validate() error {
	defaults := DefaultPipelineConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.RootToken == "" {
		c.RootToken = defaults.RootToken
	}
	if c.MaxBufferedPerPartition == 0 {
		c.MaxBufferedPerPartition = defaults.MaxBufferedPerPartition
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = defaults.MaintenanceInterval
	}
	if c.DanglingTimeout == 0 {
		c.DanglingTimeout = defaults.DanglingTimeout
	}
	if c.OnPartitionFailure == "" {
		c.OnPartitionFailure = defaults.OnPartitionFailure
	}

	switch {
	case c.MaxBufferedPerPartition < 0:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "max_buffered_per_partition must be positive, got %d", c.MaxBufferedPerPartition)
	case c.BatchSize < 0:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "batch_size must be positive, got %d", c.BatchSize)
	case c.CheckpointInterval < 0:
		return cserrors.New(cserrors.ErrorTypeConfig, "checkpoint_interval must not be negative")
	case c.MaintenanceInterval < 0:
		return cserrors.New(cserrors.ErrorTypeConfig, "maintenance_interval must not be negative")
	case c.DanglingTimeout < 0:
		return cserrors.New(cserrors.ErrorTypeConfig, "dangling_timeout must not be negative")
	case c.RootKeyRange.Empty():
		return cserrors.Newf(cserrors.ErrorTypeConfig, "root_key_range %s is empty", c.RootKeyRange)
	}
	switch c.OnPartitionFailure {
	case FailureAbort, FailureContinue:
	default:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "on_partition_failure must be %q or %q, got %q",
			FailureAbort, FailureContinue, c.OnPartitionFailure)
	}
	return nil
}

// PipelineOptions carries the collaborators of a Pipeline. Only Fetcher and
// Sink are required.
type PipelineOptions struct {
	Fetcher  Fetcher
	Sink     Sink
	Store    MetadataStore
	Retry    *retry.Policy
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
	// Reporter, when set, receives the final position of each retired partition.
	Reporter reporter.Reporter
}

type envelope struct {
	token  string
	record Record
	err    error
}

// Pipeline reads every partition of a change stream and emits data change
// records to a sink in global order. One goroutine reads each scheduled
// partition; a single consolidation loop owns the registry, merger and
// watermark tracker.
type Pipeline struct {
	config  PipelineConfig
	opts    PipelineOptions
	logger  *zap.Logger
	running int32

	registry   *Registry
	tracker    *WatermarkTracker
	merger     *Merger
	throughput *metrics.ThroughputTracker

	envelopes chan envelope
	group     *errgroup.Group
	credits   map[string]*semaphore.Weighted
	workers   map[string]struct{}
}

// NewPipeline creates a pipeline. The configuration is validated and
// defaulted.
func NewPipeline(config PipelineConfig, opts PipelineOptions) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Fetcher == nil {
		return nil, cserrors.New(cserrors.ErrorTypeConfig, "pipeline requires a fetcher")
	}
	if opts.Sink == nil {
		return nil, cserrors.New(cserrors.ErrorTypeConfig, "pipeline requires a sink")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger.With(zap.String("pipeline", config.Name))
	tracker := NewWatermarkTracker()

	return &Pipeline{
		config: config,
		opts:   opts,
		logger: logger.With(zap.String("component", "pipeline")),
		registry: NewRegistry(opts.Store, logger, RegistryOptions{
			DanglingTimeout: config.DanglingTimeout,
			Now:             opts.Now,
		}),
		tracker:    tracker,
		merger:     NewMerger(tracker, logger),
		throughput: metrics.NewThroughputTracker(config.Name),
		envelopes:  make(chan envelope, config.BatchSize),
		credits:    make(map[string]*semaphore.Weighted),
		workers:    make(map[string]struct{}),
	}, nil
}

// Registry returns the pipeline's partition registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Watermark returns the current watermark.
func (p *Pipeline) Watermark() time.Time {
	return p.tracker.Current()
}

// Run consumes the change stream until every partition has been read and
// retired, ctx is cancelled, or an error stops the pipeline. A final
// checkpoint is saved before it returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("pipeline %s is already running", p.config.Name)
	}
	defer atomic.StoreInt32(&p.running, 0)

	if err := p.bootstrap(ctx); err != nil {
		return err
	}

	p.logger.Info("starting pipeline",
		zap.String("root_token", p.config.RootToken),
		zap.Int("max_buffered_per_partition", p.config.MaxBufferedPerPartition),
		zap.String("on_partition_failure", string(p.config.OnPartitionFailure)))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	p.group = g

	err := p.consolidate(gctx)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}

	if cerr := p.checkpoint(context.WithoutCancel(ctx)); cerr != nil {
		p.logger.Error("failed to save final checkpoint", zap.Error(cerr))
		if err == nil {
			err = cerr
		}
	}
	p.updateGauges()

	if err != nil {
		p.logger.Info("pipeline stopped", zap.Error(err))
		return err
	}
	p.logger.Info("pipeline completed", zap.Time("watermark", p.tracker.Current()))
	return nil
}

// bootstrap restores persisted state or declares the root partition, then
// seeds the merger and tracker from the registry.
func (p *Pipeline) bootstrap(ctx context.Context) error {
	restored, err := p.registry.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		if err := p.registry.DeclareRoot(ctx, p.config.RootToken, p.config.RootKeyRange, p.config.StartTimestamp); err != nil {
			return err
		}
	}

	for _, part := range p.registry.Partitions() {
		seed := part.StartTimestamp
		if part.Position.Timestamp.After(seed) {
			seed = part.Position.Timestamp
		}
		if part.Status == StatusCreated && !part.IsRoot() {
			p.trackRestoredChild(part, seed)
		} else {
			p.tracker.Register(part.Token, seed)
		}

		if part.Status == StatusFinished {
			p.merger.Track(part.Token, part.Position)
			end := part.EndTimestamp
			if end.Before(seed) {
				end = seed
			}
			if err := p.tracker.Finish(part.Token, end); err != nil {
				return err
			}
		}
	}
	return nil
}

// trackRestoredChild registers a created partition as pending. Parents that
// link it as a child announced it; the others only expect it.
func (p *Pipeline) trackRestoredChild(part *Partition, seed time.Time) {
	var announced []string
	for _, token := range part.ParentTokens {
		parent, ok := p.registry.Get(token)
		if !ok || slices.Contains(parent.ChildTokens, part.Token) {
			announced = append(announced, token)
		}
	}
	p.tracker.Register(part.Token, seed, announced...)
	for _, token := range part.ParentTokens {
		if !slices.Contains(announced, token) {
			p.tracker.Expect(part.Token, token, seed)
		}
	}
}

func (p *Pipeline) consolidate(ctx context.Context) error {
	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()
	lastCheckpoint := p.opts.Now()

	for {
		if err := p.schedule(ctx); err != nil {
			return err
		}
		if err := p.retire(ctx); err != nil {
			return err
		}
		if p.registry.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case env := <-p.envelopes:
			if err := p.handle(ctx, env); err != nil {
				return err
			}
			if err := p.drainEnvelopes(ctx); err != nil {
				return err
			}

		case <-ticker.C:
			if err := p.registry.CheckDangling(p.opts.Now()); err != nil {
				return err
			}
			if _, err := p.registry.Coverage(); err != nil {
				return err
			}
			p.updateGauges()
		}

		if err := p.release(ctx); err != nil {
			return err
		}

		now := p.opts.Now()
		if p.config.CheckpointInterval <= 0 || now.Sub(lastCheckpoint) >= p.config.CheckpointInterval {
			if err := p.checkpoint(ctx); err != nil {
				return err
			}
			lastCheckpoint = now
		}
	}
}

// drainEnvelopes handles envelopes already queued, up to one batch.
func (p *Pipeline) drainEnvelopes(ctx context.Context) error {
	for i := 1; i < p.config.BatchSize; i++ {
		select {
		case env := <-p.envelopes:
			if err := p.handle(ctx, env); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, env envelope) error {
	if env.err != nil {
		return p.fail(ctx, env.token, env.err)
	}

	rec := env.record
	metrics.RecordsRead.WithLabelValues(p.config.Name, string(rec.Kind())).Inc()

	accepted, err := p.merger.Push(env.token, rec)
	if err != nil {
		return err
	}
	if !accepted {
		if rec.Kind() == KindDataChange {
			p.releaseCredit(env.token)
		}
		metrics.DuplicatesDropped.WithLabelValues(p.config.Name).Inc()
		p.logger.Debug("dropped duplicate record",
			zap.String("partition_token", env.token),
			zap.Stringer("position", rec.Position()))
		return nil
	}

	obs, err := p.registry.Observe(ctx, env.token, rec)
	if err != nil {
		return err
	}

	switch rec := rec.(type) {
	case *PartitionStartRecord:
		for _, child := range rec.PartitionTokens {
			if child == env.token || p.registry.IsRetired(child) {
				continue
			}
			p.tracker.Register(child, rec.StartTimestamp, env.token)
		}
		if len(obs.NewChildren) > 0 {
			p.logger.Info("partition split or merge announced",
				zap.String("partition_token", env.token),
				zap.Strings("children", obs.NewChildren))
		}
	case *PartitionEventRecord:
		for _, out := range rec.MoveOutEvents {
			dest := out.DestinationPartitionToken
			if dest == env.token || p.registry.IsRetired(dest) {
				continue
			}
			p.tracker.Expect(dest, env.token, rec.CommitTimestamp)
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, token string, cause error) error {
	metrics.PartitionFailures.WithLabelValues(p.config.Name).Inc()
	if err := p.registry.MarkFailed(ctx, token, cause); err != nil {
		return err
	}
	if p.config.OnPartitionFailure == FailureContinue {
		p.logger.Warn("continuing without failed partition",
			zap.String("partition_token", token),
			zap.Error(cause))
		return nil
	}
	return cause
}

// schedule starts readers for partitions that became schedulable, and for
// restored partitions that are already scheduled.
func (p *Pipeline) schedule(ctx context.Context) error {
	for _, part := range p.registry.Schedulable() {
		if err := p.registry.Schedule(ctx, part.Token); err != nil {
			return err
		}
	}

	for _, part := range p.registry.Partitions() {
		if !part.Active() {
			continue
		}
		if _, ok := p.workers[part.Token]; ok {
			continue
		}
		p.tracker.Register(part.Token, part.StartTimestamp)
		if err := p.tracker.Activate(part.Token); err != nil {
			return err
		}
		p.startReader(ctx, part)
	}
	return nil
}

func (p *Pipeline) startReader(ctx context.Context, part *Partition) {
	credits := semaphore.NewWeighted(int64(p.config.MaxBufferedPerPartition))
	p.credits[part.Token] = credits
	p.workers[part.Token] = struct{}{}
	p.merger.Track(part.Token, part.Position)

	reader := NewReader(part, p.opts.Fetcher, ReaderOptions{
		Pipeline: p.config.Name,
		Policy:   p.opts.Retry,
		Logger:   p.opts.Logger,
		Tracer:   p.opts.Tracer,
		Now:      p.opts.Now,
	})

	p.logger.Debug("starting partition reader",
		zap.String("partition_token", part.Token),
		zap.Stringer("resume_position", part.Position))

	token := part.Token
	p.group.Go(func() error {
		return p.runReader(ctx, token, reader, credits)
	})
}

// runReader forwards the partition's records to the consolidation loop.
// Errors travel in envelopes so the failure policy can decide on them.
func (p *Pipeline) runReader(ctx context.Context, token string, reader *Reader, credits *semaphore.Weighted) error {
	for rec, err := range reader.Records(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				p.send(ctx, envelope{token: token, err: err})
			}
			return nil
		}
		// Only data records wait in the merger; control records are applied
		// on arrival and never hold a credit.
		buffered := rec.Kind() == KindDataChange
		if buffered {
			if err := credits.Acquire(ctx, 1); err != nil {
				return nil
			}
		}
		if !p.send(ctx, envelope{token: token, record: rec}) {
			if buffered {
				credits.Release(1)
			}
			return nil
		}
	}
	return nil
}

func (p *Pipeline) send(ctx context.Context, env envelope) bool {
	select {
	case p.envelopes <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) releaseCredit(token string) {
	if credits, ok := p.credits[token]; ok {
		credits.Release(1)
	}
}

func (p *Pipeline) release(ctx context.Context) error {
	out, err := p.merger.Release()
	if len(out) > 0 {
		if emitErr := p.opts.Sink.Emit(ctx, out); emitErr != nil {
			return cserrors.Wrap(emitErr, cserrors.ErrorTypeInternal, "sink rejected released records")
		}
		for _, rec := range out {
			p.releaseCredit(rec.PartitionToken)
		}
		metrics.RecordsReleased.WithLabelValues(p.config.Name).Add(float64(len(out)))
		p.throughput.Increment(int64(len(out)))
	}
	return err
}

func (p *Pipeline) retire(ctx context.Context) error {
	for _, part := range p.registry.Partitions() {
		if part.Status != StatusFinished {
			continue
		}
		retired, err := p.registry.Retire(ctx, part.Token, p.merger.Drained)
		if err != nil {
			return err
		}
		if !retired {
			continue
		}
		p.tracker.Remove(part.Token)
		p.merger.Forget(part.Token)
		delete(p.credits, part.Token)
		delete(p.workers, part.Token)
		metrics.PartitionsRetired.WithLabelValues(p.config.Name).Inc()
		if p.opts.Reporter != nil {
			name := fmt.Sprintf("changestream_partition_position{pipeline=%q,partition=%q}", p.config.Name, part.Token)
			p.opts.Reporter.NotifyRemoved(name, part.Position.String())
		}
	}
	return nil
}

// checkpoint persists confirmed positions and lets the merger forget the
// dedup state below them.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	checkpoints := p.merger.Checkpoints()
	if err := p.registry.Checkpoint(ctx, checkpoints); err != nil {
		return err
	}
	for _, cp := range checkpoints {
		p.merger.Confirm(cp.Token, cp.Position)
	}
	return nil
}

func (p *Pipeline) updateGauges() {
	name := p.config.Name
	for status, n := range p.registry.Counts() {
		metrics.Partitions.WithLabelValues(name, string(status)).Set(float64(n))
	}
	metrics.BufferedRecords.WithLabelValues(name).Set(float64(p.merger.Len()))
	if w := p.tracker.Current(); !w.IsZero() {
		metrics.Watermark.WithLabelValues(name).Set(float64(w.Unix()))
	}
	metrics.WatermarkLag.WithLabelValues(name).Set(p.tracker.Lag(p.opts.Now()).Seconds())
	p.throughput.GetAndReset()
}
