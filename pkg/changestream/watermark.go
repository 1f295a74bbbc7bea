package changestream

import (
	"slices"
	"sync"
	"time"
)

// WatermarkTracker computes the low watermark across tracked partitions:
// the timestamp up to which no unfinished partition can still produce a
// record. It is safe for concurrent use.
//
// A partition registered with parents stays pending until Activate. A pending
// partition is held at the latest time a parent announced it. It does not
// hold the watermark while a running parent that expects it has not announced
// it yet; that parent holds the watermark itself.
type WatermarkTracker struct {
	mu         sync.Mutex
	partitions map[string]*progressEntry
	current    time.Time
}

type progressEntry struct {
	progress  time.Time
	parents   []string
	announced []string
	pending   bool
	finished  bool
}

// NewWatermarkTracker creates an empty tracker.
func NewWatermarkTracker() *WatermarkTracker {
	return &WatermarkTracker{
		partitions: make(map[string]*progressEntry),
	}
}

// Register starts tracking token at start. The given parents announced token
// at start. Registering a known pending token adds the parents and moves its
// seed forward to start. It reports whether the token was new.
func (w *WatermarkTracker) Register(token string, start time.Time, parents ...string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.partitions[token]
	if !ok {
		w.partitions[token] = &progressEntry{
			progress:  start,
			parents:   slices.Clone(parents),
			announced: slices.Clone(parents),
			pending:   len(parents) > 0,
		}
		return true
	}
	if !e.pending || len(parents) == 0 {
		return false
	}
	for _, parent := range parents {
		e.parents = appendUnique(e.parents, parent)
		e.announced = appendUnique(e.announced, parent)
	}
	if start.After(e.progress) {
		e.progress = start
	}
	return false
}

// Expect records that parent will hand keys over to token without having
// announced it. A new token is tracked as pending from at.
func (w *WatermarkTracker) Expect(token, parent string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.partitions[token]
	if !ok {
		w.partitions[token] = &progressEntry{
			progress: at,
			parents:  []string{parent},
			pending:  true,
		}
		return
	}
	if e.pending {
		e.parents = appendUnique(e.parents, parent)
	}
}

// Activate ends the pending state; from then on only Advance moves the
// partition's progress.
func (w *WatermarkTracker) Activate(token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.partitions[token]
	if !ok {
		return NewInvariantViolationError(token, "partition %s is not tracked by the watermark", token)
	}
	e.pending = false
	return nil
}

// Advance moves token's progress to ts. Moving backwards is rejected with a
// WatermarkRegressionError.
func (w *WatermarkTracker) Advance(token string, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.partitions[token]
	if !ok {
		return NewInvariantViolationError(token, "partition %s is not tracked by the watermark", token)
	}
	if e.finished {
		return NewInvariantViolationError(token, "partition %s advanced after it finished", token)
	}
	e.pending = false
	if ts.Before(e.progress) {
		return NewWatermarkRegressionError(token, PositionAt(e.progress), PositionAt(ts))
	}
	e.progress = ts
	return nil
}

// Finish records the partition's final timestamp; it no longer holds the
// watermark back. Pending partitions it expected but never announced are
// seeded at ts.
func (w *WatermarkTracker) Finish(token string, ts time.Time) error {
	if err := w.Advance(token, ts); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.partitions[token].finished = true
	for _, e := range w.partitions {
		if !e.pending || !slices.Contains(e.parents, token) || slices.Contains(e.announced, token) {
			continue
		}
		if ts.After(e.progress) {
			e.progress = ts
		}
	}
	return nil
}

// Remove stops tracking token.
func (w *WatermarkTracker) Remove(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.partitions, token)
}

// Progress returns the progress of token; for a pending token, its seed.
func (w *WatermarkTracker) Progress(token string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.partitions[token]
	if !ok {
		return time.Time{}, false
	}
	return e.progress, true
}

// Current returns the watermark. It never decreases.
func (w *WatermarkTracker) Current() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		low, high time.Time
		unfinished bool
	)
	for _, e := range w.partitions {
		if e.pending && w.awaitingAnnouncement(e) {
			continue
		}
		p := e.progress
		if p.After(high) {
			high = p
		}
		if e.finished {
			continue
		}
		if !unfinished || p.Before(low) {
			low = p
		}
		unfinished = true
	}

	candidate := high
	if unfinished {
		candidate = low
	}
	if candidate.After(w.current) {
		w.current = candidate
	}
	return w.current
}

// Lag returns how far the watermark trails now.
func (w *WatermarkTracker) Lag(now time.Time) time.Duration {
	current := w.Current()
	if current.IsZero() || now.Before(current) {
		return 0
	}
	return now.Sub(current)
}

// Len returns the number of tracked partitions.
func (w *WatermarkTracker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.partitions)
}

// awaitingAnnouncement reports whether a running parent expects e without
// having announced it. It must be called with mu held.
func (w *WatermarkTracker) awaitingAnnouncement(e *progressEntry) bool {
	for _, token := range e.parents {
		parent, ok := w.partitions[token]
		if !ok || parent == e || parent.finished {
			continue
		}
		if !slices.Contains(e.announced, token) {
			return true
		}
	}
	return false
}
