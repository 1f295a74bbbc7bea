package changestream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusScheduled, true},
		{StatusScheduled, StatusRunning, true},
		{StatusRunning, StatusFinished, true},
		{StatusCreated, StatusRunning, false},
		{StatusCreated, StatusFinished, false},
		{StatusScheduled, StatusFinished, false},
		{StatusRunning, StatusScheduled, false},
		{StatusFinished, StatusRunning, false},
		{StatusFinished, StatusCreated, false},
		{StatusRunning, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := &Partition{Token: "p", Status: tt.from}
			err := p.Transition(tt.to, at(1))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, p.Status)
				return
			}
			require.Error(t, err)
			assert.True(t, IsInvariantViolation(err))
			assert.Equal(t, tt.from, p.Status)
		})
	}
}

func TestPartitionTransitionTimestamps(t *testing.T) {
	p := &Partition{Token: "p", Status: StatusCreated}
	require.NoError(t, p.Transition(StatusScheduled, at(1)))
	require.NoError(t, p.Transition(StatusRunning, at(2)))
	require.NoError(t, p.Transition(StatusFinished, at(3)))

	assert.Equal(t, at(1), p.ScheduledAt)
	assert.Equal(t, at(2), p.RunningAt)
	assert.Equal(t, at(3), p.FinishedAt)
}

func TestPartitionLinks(t *testing.T) {
	p := &Partition{Token: "p"}
	assert.True(t, p.IsRoot())
	assert.True(t, p.addParent("a"))
	assert.False(t, p.addParent("a"))
	assert.False(t, p.IsRoot())

	c := p.clone()
	c.ParentTokens[0] = "b"
	assert.Equal(t, "a", p.ParentTokens[0])
}
