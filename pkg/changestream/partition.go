package changestream

import (
	"fmt"
	"slices"
	"time"
)

// RootPartitionToken is the token of the pre-declared root partition.
const RootPartitionToken = "Parent0"

// Status is the lifecycle state of a partition.
type Status string

const (
	// StatusCreated indicates the partition is known but its reader has not started.
	StatusCreated Status = "CREATED"
	// StatusScheduled indicates the partition's reader is about to start.
	StatusScheduled Status = "SCHEDULED"
	// StatusRunning indicates records of the partition are being consumed.
	StatusRunning Status = "RUNNING"
	// StatusFinished indicates the partition end record has been observed.
	StatusFinished Status = "FINISHED"
)

var transitions = map[Status]Status{
	StatusCreated:   StatusScheduled,
	StatusScheduled: StatusRunning,
	StatusRunning:   StatusFinished,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusScheduled, StatusRunning, StatusFinished:
		return true
	}
	return false
}

// Partition is the registry's record of one partition token. Parent and
// child links are token references into the registry arena.
type Partition struct {
	Token          string    `json:"token"`
	KeyRange       KeyRange  `json:"key_range"`
	RangeKnown     bool      `json:"range_known"`
	ParentTokens   []string  `json:"parent_tokens,omitempty"`
	ChildTokens    []string  `json:"child_tokens,omitempty"`
	Status         Status    `json:"status"`
	StartTimestamp time.Time `json:"start_timestamp"`
	EndTimestamp   time.Time `json:"end_timestamp,omitempty"`

	// Position is the last position released downstream; readers resume after it.
	Position    Position  `json:"position"`
	Failed      bool      `json:"failed,omitempty"`
	FailureMsg  string    `json:"failure,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	RunningAt   time.Time `json:"running_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// IsRoot reports whether this is the root partition.
func (p *Partition) IsRoot() bool {
	return len(p.ParentTokens) == 0
}

// Active reports whether the partition's reader is scheduled or running.
func (p *Partition) Active() bool {
	return p.Status == StatusScheduled || p.Status == StatusRunning
}

// Transition moves the partition to the given status, rejecting any step
// outside CREATED -> SCHEDULED -> RUNNING -> FINISHED.
func (p *Partition) Transition(to Status, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return NewInvariantViolationError(p.Token, "illegal transition %s -> %s for partition %s", p.Status, to, p.Token)
	}
	p.Status = to
	switch to {
	case StatusScheduled:
		p.ScheduledAt = at
	case StatusRunning:
		p.RunningAt = at
	case StatusFinished:
		p.FinishedAt = at
	}
	return nil
}

// ResumePosition is the exclusive lower bound a reader resumes from.
func (p *Partition) ResumePosition() Position {
	return p.Position
}

func (p *Partition) addParent(token string) bool {
	if slices.Contains(p.ParentTokens, token) {
		return false
	}
	p.ParentTokens = append(p.ParentTokens, token)
	return true
}

func (p *Partition) addChild(token string) bool {
	if slices.Contains(p.ChildTokens, token) {
		return false
	}
	p.ChildTokens = append(p.ChildTokens, token)
	return true
}

func (p *Partition) clone() *Partition {
	c := *p
	c.ParentTokens = slices.Clone(p.ParentTokens)
	c.ChildTokens = slices.Clone(p.ChildTokens)
	return &c
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s%s(%s)", p.Token, p.KeyRange, p.Status)
}
