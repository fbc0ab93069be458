package models

import (
	"fmt"
	"time"
)

// TrialState represents the lifecycle state of a trial
type TrialState string

const (
	TrialStatePending    TrialState = "pending"
	TrialStateDispatched TrialState = "dispatched"
	TrialStateRunning    TrialState = "running"
	TrialStateFinished   TrialState = "finished"
	TrialStateFailed     TrialState = "failed"
	TrialStateTimedOut   TrialState = "timed_out"
	TrialStateCancelled  TrialState = "cancelled"
)

// TerminalStates lists every state that counts toward the trial budget.
var TerminalStates = []TrialState{
	TrialStateFinished,
	TrialStateFailed,
	TrialStateTimedOut,
	TrialStateCancelled,
}

// IsTerminal reports whether no further transition is possible.
func (s TrialState) IsTerminal() bool {
	switch s {
	case TrialStateFinished, TrialStateFailed, TrialStateTimedOut, TrialStateCancelled:
		return true
	}
	return false
}

// IsInFlight reports whether the trial occupies an execution slot.
func (s TrialState) IsInFlight() bool {
	return s == TrialStateDispatched || s == TrialStateRunning
}

// Valid reports whether s is a known state.
func (s TrialState) Valid() bool {
	switch s {
	case TrialStatePending, TrialStateDispatched, TrialStateRunning:
		return true
	}
	return s.IsTerminal()
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Re-recording the same state is allowed so that upserts stay idempotent.
func (s TrialState) CanTransition(next TrialState) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == TrialStateCancelled {
		return true
	}
	switch s {
	case TrialStatePending:
		// Pending -> Failed covers submissions the backend rejected for good.
		return next == TrialStateDispatched || next == TrialStateFailed
	case TrialStateDispatched:
		return next == TrialStateRunning || next == TrialStateFailed
	case TrialStateRunning:
		return next == TrialStateFinished || next == TrialStateFailed || next == TrialStateTimedOut
	}
	return false
}

// Goal selects the optimization direction
type Goal string

const (
	GoalMinimize Goal = "minimize"
	GoalMaximize Goal = "maximize"
)

// Valid reports whether g is minimize or maximize.
func (g Goal) Valid() bool {
	return g == GoalMinimize || g == GoalMaximize
}

// Better reports whether a strictly improves on b.
func (g Goal) Better(a, b float64) bool {
	if g == GoalMaximize {
		return a > b
	}
	return a < b
}

// ParameterType is the kind of a tunable dimension
type ParameterType string

const (
	ParameterTypeFloat       ParameterType = "uniform_float"
	ParameterTypeInt         ParameterType = "uniform_int"
	ParameterTypeCategorical ParameterType = "categorical"
	ParameterTypeOrdinal     ParameterType = "ordinal"
)

// ParseParameterType accepts the canonical names plus the short aliases.
func ParseParameterType(s string) (ParameterType, error) {
	switch s {
	case "uniform_float", "float", "continuous_float":
		return ParameterTypeFloat, nil
	case "uniform_int", "int", "continuous_int":
		return ParameterTypeInt, nil
	case "categorical":
		return ParameterTypeCategorical, nil
	case "ordinal":
		return ParameterTypeOrdinal, nil
	}
	return "", fmt.Errorf("unknown parameter type %q", s)
}

// IsNumeric reports whether the type has lower/upper bounds.
func (t ParameterType) IsNumeric() bool {
	return t == ParameterTypeFloat || t == ParameterTypeInt
}

// ParameterSpec declares one dimension of the search space.
type ParameterSpec struct {
	Name     string        `json:"name" yaml:"name"`
	Type     ParameterType `json:"type" yaml:"type"`
	Lower    float64       `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper    float64       `json:"upper,omitempty" yaml:"upper,omitempty"`
	Choices  []string      `json:"choices,omitempty" yaml:"choices,omitempty"`
	Sequence []float64     `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	Initial  any           `json:"initial,omitempty" yaml:"initial,omitempty"`
	Log      bool          `json:"log,omitempty" yaml:"log,omitempty"`
}

// Assignment maps parameter names to values. Values are float64 for
// uniform_float and ordinal, int64 for uniform_int and string for categorical.
type Assignment map[string]any

// Clone returns a shallow copy.
func (a Assignment) Clone() Assignment {
	if a == nil {
		return nil
	}
	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Trial is one execution of the objective with a specific assignment.
type Trial struct {
	ID         int        `json:"id"`
	Params     Assignment `json:"params"`
	State      TrialState `json:"state"`
	Objective  *float64   `json:"objective,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at,omitempty"`
	Slot       int        `json:"slot"`
	RetryCount int        `json:"retry_count,omitempty"`
	OriginID   *int       `json:"origin_id,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewTrial creates a pending trial with no slot assigned.
func NewTrial(id int, params Assignment, now time.Time) *Trial {
	return &Trial{
		ID:        id,
		Params:    params,
		State:     TrialStatePending,
		CreatedAt: now,
		Slot:      -1,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Trial) Clone() *Trial {
	if t == nil {
		return nil
	}
	out := *t
	out.Params = t.Params.Clone()
	if t.Objective != nil {
		v := *t.Objective
		out.Objective = &v
	}
	if t.OriginID != nil {
		v := *t.OriginID
		out.OriginID = &v
	}
	return &out
}

// Duration returns the wall-clock time between start and end, or zero.
func (t *Trial) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Transition moves the trial to next, stamping timestamps. It returns
// ErrInvalidTransition for regressions.
func (t *Trial) Transition(next TrialState, now time.Time) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.ID, t.State, next)
	}
	t.State = next
	switch {
	case next == TrialStateRunning:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case next.IsTerminal():
		if t.EndedAt.IsZero() {
			t.EndedAt = now
		}
	}
	return nil
}

// Finish records a successful objective value.
func (t *Trial) Finish(value float64, now time.Time) error {
	if err := t.Transition(TrialStateFinished, now); err != nil {
		return err
	}
	t.Objective = &value
	return nil
}
