package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffCurves(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name    string
		backoff *Backoff
		want    map[int]time.Duration
	}{
		{"constant", NewConstantBackoff(100 * ms), map[int]time.Duration{0: 100 * ms, 9: 100 * ms}},
		{"linear", NewLinearBackoff(100*ms, time.Second), map[int]time.Duration{0: 100 * ms, 3: 400 * ms, 20: time.Second}},
		{"exponential", NewExponentialBackoff(100*ms, 10*time.Second, 2, false), map[int]time.Duration{0: 100 * ms, 4: 1600 * ms, 10: 10 * time.Second}},
		{"negative attempt", NewLinearBackoff(100*ms, time.Second), map[int]time.Duration{-3: 100 * ms}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for attempt, want := range tt.want {
				assert.Equal(t, want, tt.backoff.NextDelay(attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestExponentialBackoffJitterIsSeeded(t *testing.T) {
	a := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2, true).WithRand(NewRandSource(7))
	b := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2, true).WithRand(NewRandSource(7))

	for attempt := 0; attempt < 5; attempt++ {
		da := a.NextDelay(attempt)
		assert.Equal(t, da, b.NextDelay(attempt), "attempt %d", attempt)
		base := float64(100*time.Millisecond) * float64(uint(1)<<uint(attempt))
		assert.GreaterOrEqual(t, da, time.Duration(base*0.5))
		assert.Less(t, da, time.Duration(base*1.5))
	}
}

func TestBackoffFromConfig(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, BackoffFromConfig("constant", 100, 1000).NextDelay(5))
	assert.Equal(t, 300*time.Millisecond, BackoffFromConfig("linear", 100, 1000).NextDelay(2))

	fallback := BackoffFromConfig("bogus", 100, 0)
	assert.Equal(t, BackoffExponential, fallback.Kind)
	assert.True(t, fallback.Jitter)
	assert.Equal(t, 30*time.Second, fallback.Max)
}
