package changestream

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position is the ordering key of a record within one partition.
type Position struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  string    `json:"sequence,omitempty"`
}

// PositionAt returns a position at ts with an empty sequence.
func PositionAt(ts time.Time) Position {
	return Position{Timestamp: ts}
}

// IsZero reports whether the position is unset.
func (p Position) IsZero() bool {
	return p.Timestamp.IsZero() && p.Sequence == ""
}

// Compare returns -1, 0 or 1 as p sorts before, equal to or after other.
func (p Position) Compare(other Position) int {
	if c := p.Timestamp.Compare(other.Timestamp); c != 0 {
		return c
	}
	return compareSequence(p.Sequence, other.Sequence)
}

// Before reports whether p sorts strictly before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

func (p Position) String() string {
	if p.Sequence == "" {
		return p.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s#%s", p.Timestamp.UTC().Format(time.RFC3339Nano), p.Sequence)
}

// key returns a comparable representation usable as a map key. Numeric
// sequences are canonicalised so positions that Compare equal share a key.
func (p Position) key() positionKey {
	return positionKey{ts: p.Timestamp.UnixNano(), seq: canonicalSequence(p.Sequence)}
}

func canonicalSequence(seq string) string {
	if n, err := strconv.ParseUint(seq, 10, 64); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return seq
}

type positionKey struct {
	ts  int64
	seq string
}

func (k positionKey) position() Position {
	return Position{Timestamp: time.Unix(0, k.ts), Sequence: k.seq}
}

// compareSequence compares record sequences numerically when both are
// unsigned integers and lexicographically otherwise.
func compareSequence(a, b string) int {
	if a == b {
		return 0
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// KeyRange is the half-open key interval [Start, End) served by a partition.
// An empty End is unbounded.
type KeyRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
}

// Unbounded reports whether the range has no upper bound.
func (r KeyRange) Unbounded() bool {
	return r.End == ""
}

// Empty reports whether the range contains no keys.
func (r KeyRange) Empty() bool {
	return !r.Unbounded() && r.Start >= r.End
}

// Overlaps reports whether r and other share at least one key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.before(other.End) && other.before(r.End)
}

// before reports whether r.Start < end, treating an empty end as +inf.
func (r KeyRange) before(end string) bool {
	return end == "" || r.Start < end
}

func (r KeyRange) String() string {
	end := r.End
	if end == "" {
		end = "+inf"
	}
	return fmt.Sprintf("[%s,%s)", r.Start, end)
}
