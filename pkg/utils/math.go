package utils

import (
	"math"
	"sort"

	"golang.org/x/exp/constraints"
)

// Number is any integer or floating point type
type Number interface {
	constraints.Integer | constraints.Float
}

// Clamp bounds value to [lo, hi]
func Clamp[T Number](value, lo, hi T) T {
	return max(lo, min(value, hi))
}

// Sum adds up values
func Sum[T Number](values []T) T {
	var total T
	for _, v := range values {
		total += v
	}
	return total
}

// Percentile interpolates the p-th percentile (0-100) of values without
// reordering them. It returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := Clamp(p, 0, 100) / 100 * float64(len(sorted)-1)
	lo, hi := int(math.Floor(rank)), int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
