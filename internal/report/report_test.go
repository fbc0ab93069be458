package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aramoto99/new-aiaccel/internal/metrics"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var specs = []models.ParameterSpec{
	{Name: "lr", Type: models.ParameterTypeFloat, Lower: 1e-4, Upper: 1, Log: true},
	{Name: "layers", Type: models.ParameterTypeInt, Lower: 1, Upper: 8},
	{Name: "act", Type: models.ParameterTypeCategorical, Choices: []string{"relu", "tanh"}},
}

func sampleTrials(t *testing.T) []*models.Trial {
	t0 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	ok := models.NewTrial(0, models.Assignment{"lr": 0.01, "layers": int64(3), "act": "relu"}, t0)
	require.NoError(t, ok.Transition(models.TrialStateDispatched, t0))
	require.NoError(t, ok.Transition(models.TrialStateRunning, t0))
	require.NoError(t, ok.Finish(0.25, t0.Add(1500*time.Millisecond)))

	bad := models.NewTrial(1, models.Assignment{"lr": 0.5, "layers": int64(1), "act": "tanh"}, t0)
	require.NoError(t, bad.Transition(models.TrialStateFailed, t0))
	bad.Error = "exit status 1, see \"stdout.log\""

	retry := models.NewTrial(2, bad.Params.Clone(), t0)
	origin := 1
	retry.OriginID = &origin
	return []*models.Trial{ok, bad, retry}
}

func TestFinalResultRoundTrip(t *testing.T) {
	ws := t.TempDir()
	trials := sampleTrials(t)
	counts := map[models.TrialState]int{models.TrialStateFinished: 1, models.TrialStateFailed: 1, models.TrialStatePending: 1}

	s := NewSummary("run-1", models.GoalMinimize, 3, 3, false, 2*time.Second, counts, trials[0], specs)
	s.Stats = map[string]*metrics.Aggregation{metrics.MetricTrialDuration: {Count: 1, Sum: 1.5, Min: 1.5, Max: 1.5, Mean: 1.5, P50: 1.5, P95: 1.5}}
	path, err := WriteFinalResult(ws, s)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, FinalResultFile), path)

	got, err := ReadFinalResult(ws)
	require.NoError(t, err)
	require.NotNil(t, got.Best)
	assert.Equal(t, 0, got.Best.TrialID)
	assert.Equal(t, 0.25, got.Best.Objective)
	require.Len(t, got.Best.Parameters, 3)
	assert.Equal(t, "lr", got.Best.Parameters[0].Name)
	assert.Equal(t, 0.01, got.Best.Parameters[0].Value)
	assert.Equal(t, 3, got.Best.Parameters[1].Value)
	assert.Equal(t, "relu", got.Best.Parameters[2].Value)
	assert.Equal(t, 1, got.Counts[models.TrialStateFailed])
	assert.Equal(t, 0, got.Counts[models.TrialStateTimedOut])
	_, hasPending := got.Counts[models.TrialStatePending]
	assert.False(t, hasPending, "only terminal states are reported")
	assert.Equal(t, "2s", got.Duration)
	require.Contains(t, got.Stats, metrics.MetricTrialDuration)
	assert.Equal(t, 1.5, got.Stats[metrics.MetricTrialDuration].Mean)
}

func TestSummaryWithoutBest(t *testing.T) {
	s := NewSummary("run-1", models.GoalMaximize, 2, 2, true, time.Second, nil, nil, specs)
	assert.Nil(t, s.Best)
	assert.True(t, s.Cancelled)
}

func TestWriteResults(t *testing.T) {
	ws := t.TempDir()
	path, err := WriteResults(ws, specs, sampleTrials(t))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"trial_id", "state", "lr", "layers", "act", "objective", "started_at", "ended_at", "duration_s", "retry_of", "error"}, rows[0])
	assert.Equal(t, []string{"0", "finished", "0.01", "3", "relu", "0.25", "2024-02-01T10:00:00Z", "2024-02-01T10:00:01.5Z", "1.500", "", ""}, rows[1])
	assert.Equal(t, "exit status 1, see \"stdout.log\"", rows[2][10])
	assert.Equal(t, "1", rows[3][9])
	assert.Equal(t, "pending", rows[3][1])
	assert.Equal(t, "", rows[3][5])
}
