// Package budget enforces per-session execution ceilings. A budget that
// trips any ceiling is permanently exhausted: every later call fails the
// same way until a new budget is constructed for a new session.
package budget

import (
	"sync"
	"time"
)

const (
	ReasonSteps     = "Step budget exceeded"
	ReasonTime      = "Time budget exceeded"
	ReasonRecursion = "Recursion depth exceeded"
)

// Status is a point-in-time snapshot of budget consumption.
type Status struct {
	StepsUsed        int     `json:"steps_used"`
	StepsRemaining   int     `json:"steps_remaining"`
	SecondsElapsed   float64 `json:"seconds_elapsed"`
	SecondsRemaining float64 `json:"seconds_remaining"`
	MaxRecursion     int     `json:"max_recursion"`
}

type Budget struct {
	maxSteps     int
	maxWall      time.Duration
	maxRecursion int
	start        time.Time
	now          func() time.Time

	mu        sync.Mutex
	stepsUsed int
	exhausted string // first failure reason; sticky
}

func New(maxSteps int, maxWall time.Duration, maxRecursion int) *Budget {
	return newBudget(maxSteps, maxWall, maxRecursion, time.Now)
}

func newBudget(maxSteps int, maxWall time.Duration, maxRecursion int, now func() time.Time) *Budget {
	return &Budget{
		maxSteps:     maxSteps,
		maxWall:      maxWall,
		maxRecursion: maxRecursion,
		start:        now(),
		now:          now,
	}
}

// ConsumeStep increments the step counter and checks every ceiling. The step
// is consumed even when the check fails; there is no refund or rollback.
func (b *Budget) ConsumeStep(recursionDepth int) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted != "" {
		return false, b.exhausted
	}

	b.stepsUsed++
	switch {
	case b.stepsUsed > b.maxSteps:
		b.exhausted = ReasonSteps
	case b.now().Sub(b.start) > b.maxWall:
		b.exhausted = ReasonTime
	case recursionDepth > b.maxRecursion:
		// Recursion depth is per-call, not sticky: a shallower follow-up call
		// in the same session may still proceed.
		return false, ReasonRecursion
	}
	if b.exhausted != "" {
		return false, b.exhausted
	}
	return true, ""
}

// MaxRecursion returns the configured recursion ceiling.
func (b *Budget) MaxRecursion() int {
	return b.maxRecursion
}

func (b *Budget) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := b.now().Sub(b.start)
	remaining := b.maxWall - elapsed
	if remaining < 0 {
		remaining = 0
	}
	stepsLeft := b.maxSteps - b.stepsUsed
	if stepsLeft < 0 {
		stepsLeft = 0
	}
	return Status{
		StepsUsed:        b.stepsUsed,
		StepsRemaining:   stepsLeft,
		SecondsElapsed:   elapsed.Seconds(),
		SecondsRemaining: remaining.Seconds(),
		MaxRecursion:     b.maxRecursion,
	}
}
