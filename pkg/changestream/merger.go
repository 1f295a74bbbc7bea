package changestream

import (
	"container/heap"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Merger buffers records per partition and releases data change records in
// global (commit timestamp, record sequence, partition token) order once the
// watermark has passed them.
type Merger struct {
	mu      sync.Mutex
	tracker *WatermarkTracker
	buffers map[string]*partitionBuffer
	logger  *zap.Logger

	// Highest position released so far and the sequences released at its
	// timestamp, keyed to the partition that produced them.
	lastReleased Position
	releasedSeqs map[string]string
}

type partitionBuffer struct {
	token    string
	queue    []*DataChangeRecord
	floor    Position
	last     Position
	seen     map[positionKey]struct{}
	released Position
}

// NewMerger creates a merger that consults tracker for the watermark.
func NewMerger(tracker *WatermarkTracker, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		tracker:      tracker,
		buffers:      make(map[string]*partitionBuffer),
		logger:       logger.With(zap.String("component", "merger")),
		releasedSeqs: make(map[string]string),
	}
}

// Track opens a buffer for token. Records at or below floor are treated as
// replays of already released records.
func (m *Merger) Track(token string, floor Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buffers[token]; ok {
		return
	}
	m.buffers[token] = &partitionBuffer{
		token:    token,
		floor:    floor,
		last:     floor,
		released: floor,
		seen:     make(map[positionKey]struct{}),
	}
}

// Push accepts the next record read from token. It reports false when the
// record is a duplicate and was dropped. Data change records are buffered;
// every accepted record advances the partition's progress, and an end record
// finishes it in the tracker.
func (m *Merger) Push(token string, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[token]
	if !ok {
		return false, NewInvariantViolationError(token, "merger received a record for untracked partition %s", token)
	}
	pos := rec.Position()

	if hb, ok := rec.(*HeartbeatRecord); ok {
		if !buf.floor.IsZero() && !hb.Timestamp.After(buf.floor.Timestamp) {
			return false, nil
		}
		if hb.Timestamp.Before(buf.last.Timestamp) {
			return false, NewOrderingViolationError(token,
				"heartbeat at %s behind position %s of partition %s", pos, buf.last, token)
		}
		return true, m.tracker.Advance(token, hb.Timestamp)
	}

	if !buf.floor.IsZero() && pos.Compare(buf.floor) <= 0 {
		return false, nil
	}
	if _, dup := buf.seen[pos.key()]; dup {
		return false, nil
	}
	if !buf.last.IsZero() && pos.Compare(buf.last) <= 0 {
		return false, NewOrderingViolationError(token,
			"%s record at %s arrived after %s in partition %s", rec.Kind(), pos, buf.last, token)
	}

	if dc, ok := rec.(*DataChangeRecord); ok && dc.PartitionToken != token {
		return false, NewInvariantViolationError(token,
			"partition %s delivered a data change record of partition %s", token, dc.PartitionToken)
	}

	if end, ok := rec.(*PartitionEndRecord); ok {
		if err := m.tracker.Finish(token, end.EndTimestamp); err != nil {
			return false, err
		}
	} else if err := m.tracker.Advance(token, pos.Timestamp); err != nil {
		return false, err
	}

	buf.seen[pos.key()] = struct{}{}
	buf.last = pos
	if dc, ok := rec.(*DataChangeRecord); ok {
		buf.queue = append(buf.queue, dc)
	}
	return true, nil
}

// Release removes and returns, in global order, every buffered record whose
// commit timestamp is at or below the current watermark.
func (m *Merger) Release() ([]*DataChangeRecord, error) {
	watermark := m.tracker.Current()

	m.mu.Lock()
	defer m.mu.Unlock()

	h := make(mergeHeap, 0, len(m.buffers))
	for _, buf := range m.buffers {
		if len(buf.queue) > 0 && !buf.queue[0].CommitTimestamp.After(watermark) {
			h = append(h, buf)
		}
	}
	if len(h) == 0 {
		return nil, nil
	}
	heap.Init(&h)

	var out []*DataChangeRecord
	for h.Len() > 0 {
		buf := h[0]
		rec := buf.queue[0]
		pos := rec.Position()

		if err := m.checkRelease(buf.token, pos); err != nil {
			return out, err
		}

		buf.queue[0] = nil
		buf.queue = buf.queue[1:]
		buf.released = pos
		out = append(out, rec)

		if len(buf.queue) > 0 && !buf.queue[0].CommitTimestamp.After(watermark) {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	if len(out) > 0 {
		m.logger.Debug("released records",
			zap.Int("count", len(out)),
			zap.Time("watermark", watermark))
	}
	return out, nil
}

// checkRelease must be called with mu held.
func (m *Merger) checkRelease(token string, pos Position) error {
	switch c := pos.Timestamp.Compare(m.lastReleased.Timestamp); {
	case c < 0:
		return NewOrderingViolationError(token,
			"record at %s from partition %s released after %s", pos, token, m.lastReleased)
	case c > 0:
		clear(m.releasedSeqs)
	default:
		if other, ok := m.releasedSeqs[canonicalSequence(pos.Sequence)]; ok && other != token {
			return NewOrderingViolationError(token,
				"partitions %s and %s both produced a record at %s", other, token, pos)
		}
	}
	m.releasedSeqs[canonicalSequence(pos.Sequence)] = token
	if pos.Compare(m.lastReleased) > 0 {
		m.lastReleased = pos
	}
	return nil
}

// Drained reports whether token has no buffered records.
func (m *Merger) Drained(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[token]
	return !ok || len(buf.queue) == 0
}

// Buffered returns the number of records buffered for token.
func (m *Merger) Buffered(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.buffers[token]; ok {
		return len(buf.queue)
	}
	return 0
}

// Len returns the total number of buffered records.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, buf := range m.buffers {
		n += len(buf.queue)
	}
	return n
}

// Checkpoints returns the confirmed position of every tracked partition.
// A partition with an empty buffer is confirmed up to the last record it
// accepted, since control records are applied on arrival.
func (m *Merger) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Checkpoint, 0, len(m.buffers))
	for token, buf := range m.buffers {
		cp := Checkpoint{Token: token, Position: buf.released}
		if len(buf.queue) == 0 {
			cp.Position = buf.last
			cp.Drained = true
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token < out[j].Token
	})
	return out
}

// Confirm raises token's replay floor to pos and forgets the seen positions
// at or below it.
func (m *Merger) Confirm(token string, pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[token]
	if !ok || pos.Compare(buf.floor) <= 0 {
		return
	}
	buf.floor = pos
	for key := range buf.seen {
		if key.position().Compare(pos) <= 0 {
			delete(buf.seen, key)
		}
	}
}

// Forget drops the buffer of a retired partition.
func (m *Merger) Forget(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, token)
}

// mergeHeap orders partition buffers by the key of their head record.
type mergeHeap []*partitionBuffer

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].queue[0].Position(), h[j].queue[0].Position()
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return h[i].token < h[j].token
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*partitionBuffer)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
