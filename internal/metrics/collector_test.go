package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestCollectorRecordAndSeries(t *testing.T) {
	c := NewCollector()
	c.Record("m", 10, t0, nil)
	c.Record("m", 20, t0.Add(time.Second), nil)
	c.Record("m", 5, t0, map[string]string{"state": "failed"})

	points := c.Series("m", nil)
	require.Len(t, points, 2)
	assert.Equal(t, 10.0, points[0].Value)
	assert.Equal(t, 20.0, points[1].Value)

	failed := c.Series("m", map[string]string{"state": "failed"})
	require.Len(t, failed, 1)
	failed[0].Labels["state"] = "mutated"
	assert.Equal(t, "failed", c.Series("m", map[string]string{"state": "failed"})[0].Labels["state"])

	assert.Empty(t, c.Series("missing", nil))
	assert.Equal(t, []string{"m"}, c.Names())
}

func TestAggregate(t *testing.T) {
	c := NewCollector()
	for i, v := range []float64{4, 1, 3, 2, 5} {
		state := "finished"
		if i%2 == 1 {
			state = "failed"
		}
		c.Record("d", v, t0, map[string]string{"state": state})
	}

	all := c.Aggregate("d", nil)
	require.NotNil(t, all)
	assert.Equal(t, int64(5), all.Count)
	assert.Equal(t, 15.0, all.Sum)
	assert.Equal(t, 1.0, all.Min)
	assert.Equal(t, 5.0, all.Max)
	assert.Equal(t, 3.0, all.Mean)
	assert.Equal(t, 3.0, all.P50)
	assert.InDelta(t, 4.8, all.P95, 1e-9)

	finished := c.Aggregate("d", map[string]string{"state": "finished"})
	require.NotNil(t, finished)
	assert.Equal(t, int64(3), finished.Count)
	assert.Equal(t, 12.0, finished.Sum)

	assert.Nil(t, c.Aggregate("d", map[string]string{"state": "timed_out"}))
	assert.Nil(t, c.Aggregate("nothing", nil))
}

func TestRecordTrial(t *testing.T) {
	c := NewCollector()

	ok := models.NewTrial(0, models.Assignment{"x": 1.0}, t0)
	require.NoError(t, ok.Transition(models.TrialStateDispatched, t0))
	require.NoError(t, ok.Transition(models.TrialStateRunning, t0.Add(2*time.Second)))
	require.NoError(t, ok.Finish(0.75, t0.Add(5*time.Second)))
	c.RecordTrial(ok)

	neverStarted := models.NewTrial(1, models.Assignment{"x": 2.0}, t0)
	require.NoError(t, neverStarted.Transition(models.TrialStateFailed, t0.Add(time.Second)))
	c.RecordTrial(neverStarted)

	c.RecordTrial(models.NewTrial(2, models.Assignment{"x": 3.0}, t0))

	s := c.Summary()
	require.Contains(t, s, MetricTrialDuration)
	assert.Equal(t, int64(1), s[MetricTrialDuration].Count)
	assert.Equal(t, 3.0, s[MetricTrialDuration].Mean)
	assert.Equal(t, 2.0, s[MetricQueueWait].Mean)
	assert.Equal(t, 0.75, s[MetricObjective].Max)

	finished := c.Aggregate(MetricObjective, map[string]string{"state": "finished"})
	require.NotNil(t, finished)
	assert.Equal(t, int64(1), finished.Count)
}
