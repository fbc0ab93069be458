package optimizer

import (
	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// Random samples the space uniformly and ignores history.
type Random struct {
	space *paramspace.Space
}

// NewRandom constructs a Random optimizer.
func NewRandom(space *paramspace.Space, _ Options) (Optimizer, error) {
	return &Random{space: space}, nil
}

func (r *Random) Name() string { return "random" }

func (r *Random) Suggest(_ []*models.Trial, n int, rng *utils.RandSource) ([]models.Assignment, error) {
	out := make([]models.Assignment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.space.Sample(rng))
	}
	return out, nil
}
