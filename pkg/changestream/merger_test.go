package changestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMerger(tokens ...string) (*Merger, *WatermarkTracker) {
	tracker := NewWatermarkTracker()
	m := NewMerger(tracker, nil)
	for _, token := range tokens {
		tracker.Register(token, epoch)
		m.Track(token, Position{})
	}
	return m, tracker
}

func push(t *testing.T, m *Merger, token string, rec Record) {
	t.Helper()
	accepted, err := m.Push(token, rec)
	require.NoError(t, err)
	require.True(t, accepted)
}

func positions(records []*DataChangeRecord) []Position {
	out := make([]Position, len(records))
	for i, r := range records {
		out[i] = r.Position()
	}
	return out
}

func TestMergerReleasesInGlobalOrder(t *testing.T) {
	m, _ := newTestMerger("a", "b")

	push(t, m, "a", dataRecord("a", 1, "1"))
	push(t, m, "a", dataRecord("a", 4, "1"))
	push(t, m, "b", dataRecord("b", 2, "1"))
	push(t, m, "b", dataRecord("b", 3, "1"))
	push(t, m, "b", &HeartbeatRecord{Timestamp: at(10)})

	out, err := m.Release()
	require.NoError(t, err)
	assert.Equal(t, []Position{
		{at(1), "1"}, {at(2), "1"}, {at(3), "1"}, {at(4), "1"},
	}, positions(out))
	assert.True(t, m.Drained("a"))
	assert.Equal(t, 0, m.Len())
}

func TestMergerWaitsForWatermark(t *testing.T) {
	m, _ := newTestMerger("a", "b")

	push(t, m, "a", dataRecord("a", 5, "1"))
	out, err := m.Release()
	require.NoError(t, err)
	assert.Empty(t, out, "b may still produce a record before 5")
	assert.Equal(t, 1, m.Buffered("a"))
	assert.False(t, m.Drained("a"))

	push(t, m, "b", dataRecord("b", 3, "1"))
	out, err = m.Release()
	require.NoError(t, err)
	assert.Equal(t, []Position{{at(3), "1"}}, positions(out))

	push(t, m, "b", &HeartbeatRecord{Timestamp: at(5)})
	out, err = m.Release()
	require.NoError(t, err)
	assert.Equal(t, []Position{{at(5), "1"}}, positions(out))
}

func TestMergerWithinPartitionOrder(t *testing.T) {
	m, _ := newTestMerger("a")
	push(t, m, "a", dataRecord("a", 1, "2"))
	push(t, m, "a", dataRecord("a", 1, "10"))

	out, err := m.Release()
	require.NoError(t, err)
	assert.Equal(t, []Position{{at(1), "2"}, {at(1), "10"}}, positions(out))
}

func TestMergerDropsDuplicates(t *testing.T) {
	m, _ := newTestMerger("a")

	first := dataRecord("a", 1, "1")
	push(t, m, "a", first)
	push(t, m, "a", dataRecord("a", 2, "1"))

	accepted, err := m.Push("a", dataRecord("a", 1, "1"))
	require.NoError(t, err)
	assert.False(t, accepted, "re-delivery is absorbed")

	out, err := m.Release()
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Same(t, first, out[0])

	// Still a duplicate after release, and after the checkpoint pruned the seen set.
	accepted, err = m.Push("a", dataRecord("a", 2, "1"))
	require.NoError(t, err)
	assert.False(t, accepted)

	for _, cp := range m.Checkpoints() {
		m.Confirm(cp.Token, cp.Position)
	}
	accepted, err = m.Push("a", dataRecord("a", 1, "1"))
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestMergerDropsZeroPaddedRedelivery(t *testing.T) {
	m, _ := newTestMerger("a")
	push(t, m, "a", dataRecord("a", 1, "9"))
	push(t, m, "a", dataRecord("a", 1, "12"))

	accepted, err := m.Push("a", dataRecord("a", 1, "09"))
	require.NoError(t, err)
	assert.False(t, accepted, "09 and 9 are the same sequence")

	assert.Equal(t, Position{at(1), "9"}.key(), Position{at(1), "0009"}.key())
	assert.NotEqual(t, Position{at(1), "a9"}.key(), Position{at(1), "a09"}.key())
}

func TestMergerRejectsOutOfOrder(t *testing.T) {
	m, _ := newTestMerger("a")
	push(t, m, "a", dataRecord("a", 1, "1"))
	push(t, m, "a", dataRecord("a", 3, "1"))

	_, err := m.Push("a", dataRecord("a", 2, "1"))
	require.Error(t, err)
	assert.True(t, IsOrderingViolation(err))

	_, err = m.Push("a", &HeartbeatRecord{Timestamp: at(2)})
	assert.True(t, IsOrderingViolation(err))
}

func TestMergerRejectsCrossPartitionTie(t *testing.T) {
	m, tracker := newTestMerger("a", "b")
	push(t, m, "a", dataRecord("a", 1, "1"))
	push(t, m, "b", dataRecord("b", 1, "1"))
	require.NoError(t, tracker.Advance("a", at(2)))
	require.NoError(t, tracker.Advance("b", at(2)))

	out, err := m.Release()
	require.Error(t, err)
	assert.True(t, IsOrderingViolation(err))
	assert.Len(t, out, 1)
}

func TestMergerRejectsTieAcrossReleaseRounds(t *testing.T) {
	m, tracker := newTestMerger("a", "b")
	push(t, m, "a", dataRecord("a", 1, "1"))
	require.NoError(t, tracker.Advance("b", at(1)))

	out, err := m.Release()
	require.NoError(t, err)
	require.Len(t, out, 1)

	push(t, m, "b", dataRecord("b", 1, "1"))
	_, err = m.Release()
	assert.True(t, IsOrderingViolation(err))
}

func TestMergerControlRecords(t *testing.T) {
	m, tracker := newTestMerger("a")

	push(t, m, "a", &PartitionStartRecord{StartTimestamp: at(1), RecordSequence: "1", PartitionTokens: []string{"b"}})
	push(t, m, "a", dataRecord("a", 2, "1"))
	push(t, m, "a", &PartitionEndRecord{EndTimestamp: at(3), RecordSequence: "1", PartitionToken: "a"})

	assert.Equal(t, 1, m.Buffered("a"), "only data change records are buffered")

	out, err := m.Release()
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, at(3), tracker.Current())

	cps := m.Checkpoints()
	require.Len(t, cps, 1)
	assert.True(t, cps[0].Drained)
	assert.Equal(t, Position{at(3), "1"}, cps[0].Position)
}

func TestMergerRejectsForeignRecords(t *testing.T) {
	m, _ := newTestMerger("a")

	_, err := m.Push("a", dataRecord("b", 1, "1"))
	assert.True(t, IsInvariantViolation(err))

	_, err = m.Push("untracked", dataRecord("untracked", 1, "1"))
	assert.True(t, IsInvariantViolation(err))
}

func TestMergerReplayFloor(t *testing.T) {
	tracker := NewWatermarkTracker()
	tracker.Register("a", at(5))
	m := NewMerger(tracker, nil)
	m.Track("a", Position{at(5), "2"})

	accepted, err := m.Push("a", dataRecord("a", 5, "2"))
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = m.Push("a", &HeartbeatRecord{Timestamp: at(4)})
	require.NoError(t, err)
	assert.False(t, accepted)

	push(t, m, "a", dataRecord("a", 5, "3"))

	m.Forget("a")
	assert.True(t, m.Drained("a"))
}
