package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrialStateTerminal(t *testing.T) {
	tests := []struct {
		state    TrialState
		terminal bool
		inFlight bool
	}{
		{TrialStatePending, false, false},
		{TrialStateDispatched, false, true},
		{TrialStateRunning, false, true},
		{TrialStateFinished, true, false},
		{TrialStateFailed, true, false},
		{TrialStateTimedOut, true, false},
		{TrialStateCancelled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.inFlight, tt.state.IsInFlight())
			assert.True(t, tt.state.Valid())
		})
	}
	assert.False(t, TrialState("bogus").Valid())
}

func TestTrialStateCanTransition(t *testing.T) {
	tests := []struct {
		from, to TrialState
		ok       bool
	}{
		{TrialStatePending, TrialStateDispatched, true},
		{TrialStatePending, TrialStateRunning, false},
		{TrialStatePending, TrialStateCancelled, true},
		{TrialStateDispatched, TrialStateRunning, true},
		{TrialStateDispatched, TrialStateFailed, true},
		{TrialStateDispatched, TrialStateFinished, false},
		{TrialStateRunning, TrialStateFinished, true},
		{TrialStateRunning, TrialStateTimedOut, true},
		{TrialStateRunning, TrialStatePending, false},
		{TrialStateFinished, TrialStateFailed, false},
		{TrialStateFinished, TrialStateCancelled, false},
		{TrialStateFinished, TrialStateFinished, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTrialTransitionStampsTimes(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trial := NewTrial(3, Assignment{"x": 1.0}, now)
	assert.Equal(t, -1, trial.Slot)

	require.NoError(t, trial.Transition(TrialStateDispatched, now))
	require.NoError(t, trial.Transition(TrialStateRunning, now.Add(time.Second)))
	require.NoError(t, trial.Finish(4.5, now.Add(3*time.Second)))

	assert.Equal(t, now.Add(time.Second), trial.StartedAt)
	assert.Equal(t, now.Add(3*time.Second), trial.EndedAt)
	assert.Equal(t, 2*time.Second, trial.Duration())
	require.NotNil(t, trial.Objective)
	assert.Equal(t, 4.5, *trial.Objective)

	err := trial.Transition(TrialStateRunning, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestTrialCloneIsDeep(t *testing.T) {
	origin := 1
	v := 2.0
	trial := &Trial{ID: 2, Params: Assignment{"x": 1.0}, Objective: &v, OriginID: &origin}
	clone := trial.Clone()

	clone.Params["x"] = 9.0
	*clone.Objective = 7
	*clone.OriginID = 5

	assert.Equal(t, 1.0, trial.Params["x"])
	assert.Equal(t, 2.0, *trial.Objective)
	assert.Equal(t, 1, *trial.OriginID)
}

func TestGoalBetter(t *testing.T) {
	assert.True(t, GoalMinimize.Better(1, 2))
	assert.False(t, GoalMinimize.Better(2, 2))
	assert.True(t, GoalMaximize.Better(3, 2))
	assert.False(t, Goal("sideways").Valid())
}

func TestParseParameterType(t *testing.T) {
	for in, want := range map[string]ParameterType{
		"float":         ParameterTypeFloat,
		"uniform_float": ParameterTypeFloat,
		"int":           ParameterTypeInt,
		"categorical":   ParameterTypeCategorical,
		"ordinal":       ParameterTypeOrdinal,
	} {
		got, err := ParseParameterType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseParameterType("complex")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	inner := errors.New("qsub: connection refused")
	var err error = fmt.Errorf("submit: %w", &DispatchError{Backend: "batch", Err: inner})
	assert.True(t, IsDispatchError(err))
	assert.True(t, errors.Is(err, inner))
	assert.False(t, IsConfigError(err))

	err = fmt.Errorf("load: %w", &LedgerCorruption{Path: "trials.jsonl", Line: 3, Reason: "bad json"})
	assert.True(t, IsLedgerCorruption(err))
	assert.Contains(t, err.Error(), "line 3")

	ce := NewConfigError("optimize.trial_number", "must be positive, got %d", 0)
	assert.Equal(t, "config error: optimize.trial_number: must be positive, got 0", ce.Error())
}
