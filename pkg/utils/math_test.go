package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(9, 0, 5))
	assert.Equal(t, int64(-3), Clamp(int64(-8), -3, 3))
	assert.Equal(t, 0.25, Clamp(0.25, 0.0, 1.0))
	assert.Equal(t, -5.0, Clamp(-5.0001, -5.0, 5.0))
}

func TestSum(t *testing.T) {
	assert.Equal(t, 15.0, Sum([]float64{4, 1, 3, 2, 5}))
	assert.Equal(t, 6, Sum([]int{1, 2, 3}))
	assert.Zero(t, Sum[float64](nil))
}

func TestPercentile(t *testing.T) {
	values := []float64{4, 1, 3, 2, 5}
	assert.Equal(t, 3.0, Percentile(values, 50))
	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 5.0, Percentile(values, 100))
	assert.Equal(t, 5.0, Percentile(values, 250))
	assert.InDelta(t, 4.8, Percentile(values, 95), 1e-9)
	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, []float64{4, 1, 3, 2, 5}, values, "input must not be reordered")
}
