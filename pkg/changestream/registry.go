package changestream

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

// DefaultDanglingTimeout is how long an expected child may stay unannounced
// after its parent finished before CheckDangling reports it.
const DefaultDanglingTimeout = 5 * time.Minute

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	DanglingTimeout time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Observation describes the registry changes caused by one record.
type Observation struct {
	// Running is set when the record moved its partition to RUNNING.
	Running bool
	// NewChildren lists partitions registered by a start record.
	NewChildren []string
	// Finished is set when the record was the partition end record.
	Finished bool
	// Dangling lists expected children missing when the partition finished.
	Dangling []string
}

// Checkpoint is a confirmed position of one partition.
type Checkpoint struct {
	Token    string
	Position Position
	// Drained is set once every accepted record of the partition left the merger.
	Drained bool
}

type danglingChild struct {
	parent   string
	deadline time.Time
}

// Registry is the single owner of partition lifecycle state. Partitions live
// in an arena keyed by token; parent and child links are tokens.
type Registry struct {
	mu               sync.RWMutex
	partitions       map[string]*Partition
	drained          map[string]bool
	retired          map[string]struct{}
	expectedParents  map[string][]string
	expectedChildren map[string][]string
	dangling         map[string]danglingChild

	store           MetadataStore
	logger          *zap.Logger
	danglingTimeout time.Duration
	now             func() time.Time
}

// NewRegistry creates a registry persisting through store.
func NewRegistry(store MetadataStore, logger *zap.Logger, opts RegistryOptions) *Registry {
	if opts.DanglingTimeout <= 0 {
		opts.DanglingTimeout = DefaultDanglingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		partitions:       make(map[string]*Partition),
		drained:          make(map[string]bool),
		retired:          make(map[string]struct{}),
		expectedParents:  make(map[string][]string),
		expectedChildren: make(map[string][]string),
		dangling:         make(map[string]danglingChild),
		store:            store,
		logger:           logger.With(zap.String("component", "partition_registry")),
		danglingTimeout:  opts.DanglingTimeout,
		now:              opts.Now,
	}
}

// Restore rebuilds the arena from the metadata store. It reports whether any
// state was found. Partitions that were reading, and finished partitions with
// records not yet released, are re-seeded as SCHEDULED so their readers resume
// from the last confirmed position.
func (r *Registry) Restore(ctx context.Context) (bool, error) {
	states, err := r.store.Load(ctx)
	if err != nil {
		return false, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to load partition state")
	}
	if len(states) == 0 {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var reseeded []*Partition
	for _, state := range states {
		if state.Retired {
			r.retired[state.Token] = struct{}{}
			continue
		}
		if !state.Status.Valid() {
			return false, NewInvariantViolationError(state.Token, "stored partition %s has unknown status %q", state.Token, state.Status)
		}

		p := state.Partition.clone()
		switch {
		case p.Status == StatusFinished && state.Drained:
			r.drained[p.Token] = true
		case p.Status == StatusCreated:
		default:
			p.Status = StatusScheduled
			p.EndTimestamp = time.Time{}
			p.FinishedAt = time.Time{}
			p.RunningAt = time.Time{}
			p.Failed = false
			p.FailureMsg = ""
			reseeded = append(reseeded, p)
		}
		r.partitions[p.Token] = p
	}

	for _, p := range reseeded {
		if err := r.save(ctx, p); err != nil {
			return false, err
		}
	}

	r.logger.Info("restored partition state",
		zap.Int("partitions", len(r.partitions)),
		zap.Int("retired", len(r.retired)),
		zap.Int("reseeded", len(reseeded)))
	return true, nil
}

// DeclareRoot registers the root partition. Declaring a known root is a no-op.
func (r *Registry) DeclareRoot(ctx context.Context, token string, keyRange KeyRange, start time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.partitions[token]; ok {
		return nil
	}
	if _, ok := r.retired[token]; ok {
		return nil
	}

	p := &Partition{
		Token:          token,
		KeyRange:       keyRange,
		RangeKnown:     true,
		Status:         StatusCreated,
		StartTimestamp: start,
		CreatedAt:      r.now(),
	}
	r.partitions[token] = p
	r.logger.Info("declared root partition", zap.String("token", token), zap.Stringer("key_range", keyRange))
	return r.save(ctx, p)
}

// RegisterChild registers token as a child of parent. Re-registering with the
// same range only adds the parent link; a different range is rejected. A nil
// keyRange means the range is unknown. It reports whether token is new.
func (r *Registry) RegisterChild(ctx context.Context, token, parent string, keyRange *KeyRange, start time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerChild(ctx, token, parent, keyRange, start)
}

func (r *Registry) registerChild(ctx context.Context, token, parent string, keyRange *KeyRange, start time.Time) (bool, error) {
	if _, ok := r.retired[token]; ok {
		return false, nil
	}
	pp, ok := r.partitions[parent]
	if !ok {
		if _, retired := r.retired[parent]; !retired {
			return false, NewInvariantViolationError(token, "partition %s announced by unknown parent %s", token, parent)
		}
	}

	if existing, ok := r.partitions[token]; ok {
		if keyRange != nil && existing.RangeKnown && existing.KeyRange != *keyRange {
			return false, NewInvariantViolationError(token,
				"partition %s re-registered with range %s, previously %s", token, *keyRange, existing.KeyRange)
		}
		changed := existing.addParent(parent)
		// A merge child starts once its last parent announced it.
		if existing.Status == StatusCreated && start.After(existing.StartTimestamp) {
			existing.StartTimestamp = start
			changed = true
		}
		if keyRange != nil && !existing.RangeKnown {
			existing.KeyRange = *keyRange
			existing.RangeKnown = true
			changed = true
		}
		if changed {
			if err := r.save(ctx, existing); err != nil {
				return false, err
			}
		}
		return false, r.linkChild(ctx, pp, token)
	}

	p := &Partition{
		Token:          token,
		ParentTokens:   []string{parent},
		Status:         StatusCreated,
		StartTimestamp: start,
		CreatedAt:      r.now(),
	}
	if keyRange != nil {
		p.KeyRange = *keyRange
		p.RangeKnown = true
	}
	for _, expected := range r.expectedParents[token] {
		p.addParent(expected)
	}
	delete(r.expectedParents, token)
	delete(r.dangling, token)

	r.partitions[token] = p
	r.logger.Debug("registered child partition",
		zap.String("token", token),
		zap.Strings("parents", p.ParentTokens),
		zap.Bool("range_known", p.RangeKnown))

	if err := r.save(ctx, p); err != nil {
		return false, err
	}
	return true, r.linkChild(ctx, pp, token)
}

func (r *Registry) linkChild(ctx context.Context, parent *Partition, child string) error {
	if parent == nil || !parent.addChild(child) {
		return nil
	}
	return r.save(ctx, parent)
}

// Observe applies the lifecycle effects of a record read from token. It must
// be called in the partition's record order, after duplicates were dropped.
func (r *Registry) Observe(ctx context.Context, token string, rec Record) (Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var obs Observation
	p, ok := r.partitions[token]
	if !ok {
		return obs, NewInvariantViolationError(token, "record from unknown partition %s", token)
	}

	switch p.Status {
	case StatusFinished:
		return obs, NewInvariantViolationError(token, "%s record at %s after partition %s finished", rec.Kind(), rec.Position(), token)
	case StatusCreated:
		return obs, NewInvariantViolationError(token, "%s record from partition %s before it was scheduled", rec.Kind(), token)
	}

	start, _ := rec.(*PartitionStartRecord)
	if start != nil && slices.Contains(start.PartitionTokens, token) && p.Status == StatusRunning {
		return obs, NewInvariantViolationError(token, "running partition %s observed a start record naming itself", token)
	}
	if p.Status == StatusScheduled {
		if err := r.markRunning(ctx, p); err != nil {
			return obs, err
		}
		obs.Running = true
	}

	switch rec := rec.(type) {
	case *PartitionStartRecord:
		children, err := r.observeStart(ctx, p, rec)
		if err != nil {
			return obs, err
		}
		obs.NewChildren = children
	case *PartitionEventRecord:
		if err := r.observeEvent(ctx, p, rec); err != nil {
			return obs, err
		}
	case *PartitionEndRecord:
		dangling, err := r.observeEnd(ctx, p, rec)
		if err != nil {
			return obs, err
		}
		obs.Finished = true
		obs.Dangling = dangling
	}
	return obs, nil
}

func (r *Registry) observeStart(ctx context.Context, p *Partition, rec *PartitionStartRecord) ([]string, error) {
	var others []string
	for _, token := range rec.PartitionTokens {
		if token != p.Token {
			others = append(others, token)
		}
	}

	var created []string
	for _, token := range others {
		var keyRange *KeyRange
		if kr, ok := rec.ChildRanges[token]; ok {
			keyRange = &kr
		} else if len(others) == 1 && p.RangeKnown {
			kr := p.KeyRange
			keyRange = &kr
		}
		isNew, err := r.registerChild(ctx, token, p.Token, keyRange, rec.StartTimestamp)
		if err != nil {
			return nil, err
		}
		if isNew {
			created = append(created, token)
		}
	}
	return created, nil
}

// ObserveEvent applies a partition event record emitted by token. It only
// updates expected linkage.
func (r *Registry) ObserveEvent(ctx context.Context, token string, rec *PartitionEventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[token]
	if !ok {
		return NewInvariantViolationError(token, "event record from unknown partition %s", token)
	}
	if p.Status == StatusFinished {
		return NewInvariantViolationError(token, "event record after partition %s finished", token)
	}
	return r.observeEvent(ctx, p, rec)
}

func (r *Registry) observeEvent(ctx context.Context, p *Partition, rec *PartitionEventRecord) error {
	if rec.PartitionToken != p.Token {
		return NewInvariantViolationError(p.Token, "partition %s emitted an event record for %s", p.Token, rec.PartitionToken)
	}

	for _, out := range rec.MoveOutEvents {
		dest := out.DestinationPartitionToken
		r.expectedChildren[p.Token] = appendUnique(r.expectedChildren[p.Token], dest)
		if d, ok := r.partitions[dest]; ok {
			if d.addParent(p.Token) {
				if err := r.save(ctx, d); err != nil {
					return err
				}
			}
			continue
		}
		if _, retired := r.retired[dest]; !retired {
			r.expectedParents[dest] = appendUnique(r.expectedParents[dest], p.Token)
		}
	}

	for _, in := range rec.MoveInEvents {
		src := in.SourcePartitionToken
		r.expectedChildren[src] = appendUnique(r.expectedChildren[src], p.Token)
		if s, ok := r.partitions[src]; ok {
			if err := r.linkChild(ctx, s, p.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

// ObserveEnd applies the end record of token.
func (r *Registry) ObserveEnd(ctx context.Context, token string, rec *PartitionEndRecord) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[token]
	if !ok {
		return nil, NewInvariantViolationError(token, "end record from unknown partition %s", token)
	}
	return r.observeEnd(ctx, p, rec)
}

func (r *Registry) observeEnd(ctx context.Context, p *Partition, rec *PartitionEndRecord) ([]string, error) {
	if rec.PartitionToken != p.Token {
		return nil, NewInvariantViolationError(p.Token, "partition %s emitted an end record for %s", p.Token, rec.PartitionToken)
	}

	now := r.now()
	if err := p.Transition(StatusFinished, now); err != nil {
		return nil, err
	}
	p.EndTimestamp = rec.EndTimestamp
	if err := r.save(ctx, p); err != nil {
		return nil, err
	}

	var dangling []string
	for _, child := range r.successors(p) {
		if _, ok := r.partitions[child]; ok {
			continue
		}
		if _, ok := r.retired[child]; ok {
			continue
		}
		dangling = append(dangling, child)
		if _, tracked := r.dangling[child]; !tracked {
			r.dangling[child] = danglingChild{parent: p.Token, deadline: now.Add(r.danglingTimeout)}
		}
		r.logger.Warn("expected child partition not announced",
			zap.String("parent", p.Token),
			zap.String("child", child),
			zap.Duration("timeout", r.danglingTimeout))
	}

	r.logger.Info("partition finished",
		zap.String("token", p.Token),
		zap.Time("end_timestamp", p.EndTimestamp),
		zap.Strings("children", p.ChildTokens))
	return dangling, nil
}

// Schedule moves a CREATED partition to SCHEDULED.
func (r *Registry) Schedule(ctx context.Context, token string) error {
	return r.transition(ctx, token, StatusScheduled)
}

// MarkRunning moves a SCHEDULED partition to RUNNING.
func (r *Registry) MarkRunning(ctx context.Context, token string) error {
	return r.transition(ctx, token, StatusRunning)
}

func (r *Registry) transition(ctx context.Context, token string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[token]
	if !ok {
		return NewInvariantViolationError(token, "unknown partition %s", token)
	}
	if to == StatusRunning {
		return r.markRunning(ctx, p)
	}
	if err := p.Transition(to, r.now()); err != nil {
		return err
	}
	return r.save(ctx, p)
}

func (r *Registry) markRunning(ctx context.Context, p *Partition) error {
	if err := p.Transition(StatusRunning, r.now()); err != nil {
		return err
	}
	return r.save(ctx, p)
}

// MarkFailed flags a partition whose reader gave up. Its status is kept, so
// it still counts toward coverage.
func (r *Registry) MarkFailed(ctx context.Context, token string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[token]
	if !ok {
		return NewInvariantViolationError(token, "unknown partition %s", token)
	}
	p.Failed = true
	if cause != nil {
		p.FailureMsg = cause.Error()
	}
	r.logger.Error("partition failed", zap.String("token", token), zap.Error(cause))
	return r.save(ctx, p)
}

// Schedulable returns the CREATED partitions whose parents, registered and
// expected, have all finished. The root is schedulable immediately.
func (r *Registry) Schedulable() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []*Partition
	for _, p := range r.partitions {
		if p.Status != StatusCreated {
			continue
		}
		if r.parentsFinished(p) {
			ready = append(ready, p.clone())
		}
	}
	sortPartitions(ready)
	return ready
}

func (r *Registry) parentsFinished(p *Partition) bool {
	for _, parent := range p.ParentTokens {
		if !r.finishedOrRetired(parent) {
			return false
		}
	}
	for _, parent := range r.expectedParents[p.Token] {
		if !r.finishedOrRetired(parent) {
			return false
		}
	}
	return true
}

func (r *Registry) finishedOrRetired(token string) bool {
	if _, ok := r.retired[token]; ok {
		return true
	}
	p, ok := r.partitions[token]
	return ok && p.Status == StatusFinished
}

// Retire removes a FINISHED partition once drained reports its buffered
// records are gone and all of its successors are scheduled. It reports
// whether the partition was retired.
func (r *Registry) Retire(ctx context.Context, token string, drained func(string) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[token]
	if !ok {
		return false, NewInvariantViolationError(token, "cannot retire unknown partition %s", token)
	}
	if p.Status != StatusFinished {
		return false, NewInvariantViolationError(token, "cannot retire partition %s in status %s", token, p.Status)
	}
	if drained != nil && !drained(token) {
		return false, nil
	}
	if !r.successorsScheduled(p) {
		return false, nil
	}

	// Persist first; the arena keeps the partition if the store refuses.
	if err := r.store.Save(ctx, PartitionState{Partition: *p.clone(), Retired: true}); err != nil {
		return false, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to retire partition "+token)
	}

	delete(r.partitions, token)
	delete(r.drained, token)
	delete(r.expectedChildren, token)
	r.retired[token] = struct{}{}

	r.logger.Debug("partition retired", zap.String("token", token))
	return true, nil
}

// Checkpoint records confirmed positions and persists the partitions whose
// position or drained flag changed.
func (r *Registry) Checkpoint(ctx context.Context, checkpoints []Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cp := range checkpoints {
		p, ok := r.partitions[cp.Token]
		if !ok {
			continue
		}
		drained := cp.Drained && p.Status == StatusFinished
		if p.Position.Compare(cp.Position) >= 0 && r.drained[cp.Token] == drained {
			continue
		}
		updated := p.clone()
		if cp.Position.Compare(p.Position) > 0 {
			updated.Position = cp.Position
		}
		previous := r.drained[cp.Token]
		r.drained[cp.Token] = drained
		if err := r.save(ctx, updated); err != nil {
			r.drained[cp.Token] = previous
			return err
		}
		p.Position = updated.Position
	}
	return nil
}

// CheckDangling reports expected children still missing after their deadline.
func (r *Registry) CheckDangling(now time.Time) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]string, 0, len(r.dangling))
	for token := range r.dangling {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		d := r.dangling[token]
		if _, ok := r.partitions[token]; ok {
			continue
		}
		if now.After(d.deadline) {
			return NewInvariantViolationError(d.parent,
				"child partition %s expected by %s was never announced", token, d.parent)
		}
	}
	return nil
}

// Coverage returns the sorted union of key ranges currently owned. A range is
// owned by a scheduled or running partition, by a created partition whose
// parents all finished, or by a finished partition until its successors own
// their ranges. Partitions with an unknown range are skipped. Overlapping
// ownership is an InvariantViolationError.
func (r *Registry) Coverage() ([]KeyRange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type owned struct {
		token string
		kr    KeyRange
	}
	var ranges []owned
	for _, p := range r.partitions {
		if !p.RangeKnown || p.KeyRange.Empty() {
			continue
		}
		if r.owns(p) {
			ranges = append(ranges, owned{token: p.Token, kr: p.KeyRange})
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].kr.Start != ranges[j].kr.Start {
			return ranges[i].kr.Start < ranges[j].kr.Start
		}
		return ranges[i].token < ranges[j].token
	})

	var union []KeyRange
	for i, o := range ranges {
		if i > 0 && ranges[i-1].kr.Overlaps(o.kr) {
			return nil, NewInvariantViolationError(o.token,
				"partition %s range %s overlaps %s of partition %s", o.token, o.kr, ranges[i-1].kr, ranges[i-1].token)
		}
		if n := len(union); n > 0 && !union[n-1].Unbounded() && union[n-1].End == o.kr.Start {
			union[n-1].End = o.kr.End
			continue
		}
		union = append(union, o.kr)
	}
	return union, nil
}

func (r *Registry) owns(p *Partition) bool {
	switch p.Status {
	case StatusScheduled, StatusRunning:
		return true
	case StatusCreated:
		return r.parentsFinished(p)
	case StatusFinished:
		return !r.handedOver(p)
	}
	return false
}

// handedOver reports whether every successor of p owns a known range.
func (r *Registry) handedOver(p *Partition) bool {
	for _, child := range r.successors(p) {
		if _, ok := r.retired[child]; ok {
			continue
		}
		c, ok := r.partitions[child]
		if !ok || !c.RangeKnown {
			return false
		}
		if c.Status == StatusCreated && !r.parentsFinished(c) {
			return false
		}
	}
	return true
}

func (r *Registry) successors(p *Partition) []string {
	children := slices.Clone(p.ChildTokens)
	for _, c := range r.expectedChildren[p.Token] {
		children = appendUnique(children, c)
	}
	return children
}

func (r *Registry) successorsScheduled(p *Partition) bool {
	for _, child := range r.successors(p) {
		if _, ok := r.retired[child]; ok {
			continue
		}
		c, ok := r.partitions[child]
		if !ok || c.Status == StatusCreated {
			return false
		}
	}
	return true
}

// Get returns a copy of the partition registered under token.
func (r *Registry) Get(token string) (*Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[token]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Partitions returns copies of every live partition sorted by token.
func (r *Registry) Partitions() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, p.clone())
	}
	sortPartitions(out)
	return out
}

// IsRetired reports whether token was retired.
func (r *Registry) IsRetired(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[token]
	return ok
}

// IsDrained reports whether a finished partition's records were all released.
func (r *Registry) IsDrained(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drained[token]
}

// Len returns the number of live partitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions)
}

// Counts returns the number of live partitions per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[Status]int{
		StatusCreated:   0,
		StatusScheduled: 0,
		StatusRunning:   0,
		StatusFinished:  0,
	}
	for _, p := range r.partitions {
		counts[p.Status]++
	}
	return counts
}

// save must be called with mu held.
func (r *Registry) save(ctx context.Context, p *Partition) error {
	state := PartitionState{Partition: *p.clone(), Drained: r.drained[p.Token]}
	if err := r.store.Save(ctx, state); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to save partition "+p.Token)
	}
	return nil
}

func sortPartitions(ps []*Partition) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Token < ps[j].Token
	})
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
