package optimizer

import (
	"math"

	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

const (
	defaultStepSize = 0.1
	// finished trials without improvement before a random restart
	defaultPatience = 8
)

// HillClimb proposes neighbours of the best finished trial. Each neighbour
// moves one randomly chosen dimension by one step: step_size times the
// range for floats, one unit for ints, the adjacent element for ordinals
// and another choice for categoricals. After patience finished trials
// without improving on the best, it restarts from a random sample.
type HillClimb struct {
	space    *paramspace.Space
	goal     models.Goal
	stepSize float64
	patience int

	best      *float64
	sinceBest int
}

// NewHillClimb constructs a HillClimb optimizer.
func NewHillClimb(space *paramspace.Space, opts Options) (Optimizer, error) {
	step := opts.StepSize
	if step <= 0 {
		step = defaultStepSize
	}
	return &HillClimb{
		space:    space,
		goal:     opts.Goal,
		stepSize: step,
		patience: defaultPatience,
	}, nil
}

func (h *HillClimb) Name() string { return "hillclimb" }

// Update tracks how long the search has gone without improvement.
func (h *HillClimb) Update(t *models.Trial) {
	if t.State != models.TrialStateFinished || t.Objective == nil {
		return
	}
	v := *t.Objective
	if h.best == nil || h.goal.Better(v, *h.best) {
		h.best = &v
		h.sinceBest = 0
		return
	}
	h.sinceBest++
}

// Stalled reports whether the next proposal will be a random restart.
func (h *HillClimb) Stalled() bool {
	return h.sinceBest >= h.patience
}

func (h *HillClimb) Suggest(history []*models.Trial, n int, rng *utils.RandSource) ([]models.Assignment, error) {
	center := bestFinished(history, h.goal)

	out := make([]models.Assignment, 0, n)
	for i := 0; i < n; i++ {
		if center == nil || h.Stalled() {
			out = append(out, h.space.Sample(rng))
			continue
		}
		out = append(out, h.neighbor(center.Params, rng))
	}
	if center != nil && h.Stalled() {
		h.sinceBest = 0
	}
	return out, nil
}

func (h *HillClimb) neighbor(base models.Assignment, rng *utils.RandSource) models.Assignment {
	next := base.Clone()
	specs := h.space.Specs()
	spec := specs[rng.Intn(len(specs))]
	dir := 1.0
	if rng.Float64() < 0.5 {
		dir = -1
	}

	switch spec.Type {
	case models.ParameterTypeFloat:
		cur, _ := next[spec.Name].(float64)
		if spec.Log {
			span := math.Log(spec.Upper) - math.Log(spec.Lower)
			next[spec.Name] = math.Exp(math.Log(cur) + dir*h.stepSize*span)
		} else {
			next[spec.Name] = cur + dir*h.stepSize*(spec.Upper-spec.Lower)
		}
	case models.ParameterTypeInt:
		cur, _ := next[spec.Name].(int64)
		step := int64(math.Max(1, math.Round(h.stepSize*(spec.Upper-spec.Lower))))
		next[spec.Name] = cur + int64(dir)*step
	case models.ParameterTypeOrdinal:
		cur, _ := next[spec.Name].(float64)
		idx := 0
		for i, v := range spec.Sequence {
			if v == cur {
				idx = i
			}
		}
		idx = utils.Clamp(idx+int(dir), 0, len(spec.Sequence)-1)
		next[spec.Name] = spec.Sequence[idx]
	case models.ParameterTypeCategorical:
		if len(spec.Choices) > 1 {
			cur, _ := next[spec.Name].(string)
			for {
				c := spec.Choices[rng.Intn(len(spec.Choices))]
				if c != cur {
					next[spec.Name] = c
					break
				}
			}
		}
	}
	return next
}
