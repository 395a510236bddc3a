package model

import "time"

// TickContext carries the per-tick budgets and the soft wall-clock deadline
// through the pipeline phases.
type TickContext struct {
	Tick uint64

	Transfers   Budget
	Searches    Budget
	Rebuilds    Budget
	Validations Budget
	Nodes       Budget

	Started  time.Time
	Deadline time.Time
	// Now defaults to time.Now.
	Now func() time.Time

	// TransfersSuspended is set while the circuit breaker holds new transfers back.
	TransfersSuspended bool
}

func (tc *TickContext) now() time.Time {
	if tc.Now != nil {
		return tc.Now()
	}
	return time.Now()
}

// OverDeadline reports whether the soft deadline has passed.
func (tc *TickContext) OverDeadline() bool {
	if tc == nil || tc.Deadline.IsZero() {
		return false
	}
	return tc.now().After(tc.Deadline)
}

func (tc *TickContext) Elapsed() time.Duration {
	if tc == nil || tc.Started.IsZero() {
		return 0
	}
	return tc.now().Sub(tc.Started)
}
