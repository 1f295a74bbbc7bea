package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := &Policy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}

	assert.Equal(t, 10*time.Millisecond, p.Delay(0))
	assert.Equal(t, 20*time.Millisecond, p.Delay(1))
	assert.Equal(t, 40*time.Millisecond, p.Delay(2))
	assert.Equal(t, 50*time.Millisecond, p.Delay(3), "capped at MaxDelay")
}

func TestPolicyDelayJitter(t *testing.T) {
	p := &Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, RandomizeFactor: 0.5}

	for i := 0; i < 20; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestPolicyExecute(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		p := NewPolicy(3, time.Millisecond)
		calls := 0
		err := p.Execute(context.Background(), func(int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		p := NewPolicy(2, time.Millisecond)
		boom := errors.New("boom")
		err := p.Execute(context.Background(), func(int) error { return boom }, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "all 2 attempts failed")
	})

	t.Run("stops on non retryable error", func(t *testing.T) {
		p := NewPolicy(5, time.Millisecond)
		calls := 0
		fatal := errors.New("fatal")
		err := p.Execute(context.Background(), func(int) error {
			calls++
			return fatal
		}, func(error) bool { return false })
		assert.Equal(t, fatal, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		p := NewPolicy(5, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := p.Execute(ctx, func(int) error { return errors.New("transient") }, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPolicyExhausted(t *testing.T) {
	p := NewPolicy(2, time.Millisecond)
	assert.False(t, p.Exhausted(1))
	assert.True(t, p.Exhausted(2))
	assert.False(t, NoRetryPolicy().Exhausted(0))
}
