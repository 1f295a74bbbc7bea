// Package retry provides exponential backoff policies used when re-opening
// partition streams.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	RandomizeFactor float64       `yaml:"randomize_factor" json:"randomize_factor"`
}

// NewPolicy creates a new retry policy with exponential backoff
func NewPolicy(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     5,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Execute runs fn until it succeeds, shouldRetry rejects the error, or the
// attempts run out. A nil shouldRetry retries every error.
func (p *Policy) Execute(ctx context.Context, fn func(attempt int) error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < p.attempts(); attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == p.attempts()-1 {
			break
		}

		if err := p.Wait(ctx, attempt); err != nil {
			return err
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.attempts(), lastErr)
}

// Wait blocks for the backoff delay of the given attempt or until ctx is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Exhausted reports whether attempt (zero based) is past the last permitted attempt.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.attempts()
}

// Delay returns the delay after a given attempt, including jitter
func (p *Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

func (p *Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
