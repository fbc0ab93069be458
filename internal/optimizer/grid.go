package optimizer

import (
	"fmt"
	"math"

	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// Grid walks the cartesian product of per-dimension grids in mixed-radix
// order, first parameter slowest. The position is derived from history so a
// resumed run continues where it stopped. Once the grid is exhausted it
// falls back to random sampling.
type Grid struct {
	space  *paramspace.Space
	axes   [][]any
	names  []string
	points int64
}

// NewGrid constructs a Grid optimizer with opts.GridPoints values per
// continuous dimension.
func NewGrid(space *paramspace.Space, opts Options) (Optimizer, error) {
	n := opts.GridPoints
	if n == 0 {
		n = 5
	}
	if n < 2 {
		return nil, fmt.Errorf("grid: grid_points must be at least 2, got %d", n)
	}

	g := &Grid{space: space, points: 1}
	for _, spec := range space.Specs() {
		axis := gridAxis(spec, n)
		g.axes = append(g.axes, axis)
		g.names = append(g.names, spec.Name)
		if g.points > math.MaxInt64/int64(len(axis)) {
			g.points = math.MaxInt64
		} else {
			g.points *= int64(len(axis))
		}
	}
	return g, nil
}

func (g *Grid) Name() string { return "grid" }

// Size returns the number of distinct grid points.
func (g *Grid) Size() int64 { return g.points }

func (g *Grid) Suggest(history []*models.Trial, n int, rng *utils.RandSource) ([]models.Assignment, error) {
	// trial 0 runs the seed assignment and retries re-run an existing
	// point; neither advances the cursor
	var cursor int64
	for _, t := range history {
		if t.ID > 0 && t.OriginID == nil {
			cursor++
		}
	}

	out := make([]models.Assignment, 0, n)
	for i := 0; i < n; i++ {
		if cursor >= g.points {
			out = append(out, g.space.Sample(rng))
			continue
		}
		out = append(out, g.At(cursor))
		cursor++
	}
	return out, nil
}

// At returns the grid point with the given index.
func (g *Grid) At(index int64) models.Assignment {
	a := make(models.Assignment, len(g.axes))
	for d := len(g.axes) - 1; d >= 0; d-- {
		size := int64(len(g.axes[d]))
		a[g.names[d]] = g.axes[d][index%size]
		index /= size
	}
	return a
}

func gridAxis(spec models.ParameterSpec, n int) []any {
	switch spec.Type {
	case models.ParameterTypeCategorical:
		axis := make([]any, len(spec.Choices))
		for i, c := range spec.Choices {
			axis[i] = c
		}
		return axis
	case models.ParameterTypeOrdinal:
		axis := make([]any, len(spec.Sequence))
		for i, v := range spec.Sequence {
			axis[i] = v
		}
		return axis
	case models.ParameterTypeInt:
		lo, hi := int64(math.Ceil(spec.Lower)), int64(math.Floor(spec.Upper))
		var axis []any
		var last int64 = math.MinInt64
		for _, f := range linspace(float64(lo), float64(hi), n, spec.Log) {
			v := int64(math.Round(f))
			if v != last {
				axis = append(axis, v)
				last = v
			}
		}
		return axis
	default:
		vals := linspace(spec.Lower, spec.Upper, n, spec.Log)
		axis := make([]any, len(vals))
		for i, v := range vals {
			axis[i] = v
		}
		return axis
	}
}

// linspace returns n evenly spaced values in [lo, hi], geometrically spaced
// when logScale is set.
func linspace(lo, hi float64, n int, logScale bool) []float64 {
	out := make([]float64, n)
	if logScale {
		llo, lhi := math.Log(lo), math.Log(hi)
		for i := range out {
			out[i] = math.Exp(llo + (lhi-llo)*float64(i)/float64(n-1))
		}
		out[0], out[n-1] = lo, hi
		return out
	}
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}
