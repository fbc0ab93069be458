// Package optimizer holds the search strategies that propose parameter
// assignments and the registry the scheduler resolves them from.
package optimizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// ErrUnknownAlgorithm is returned by New for names nobody registered.
var ErrUnknownAlgorithm = errors.New("unknown search algorithm")

// Optimizer proposes assignments. history holds every trial issued so far,
// ordered by id; implementations read objectives from finished trials only.
// Proposals may fall outside the space and are projected by the caller.
type Optimizer interface {
	Name() string
	Suggest(history []*models.Trial, n int, rng *utils.RandSource) ([]models.Assignment, error)
}

// Updater is implemented by optimizers that want to observe each trial as
// it reaches a terminal state.
type Updater interface {
	Update(t *models.Trial)
}

// Options are the strategy knobs taken from the optimize section.
type Options struct {
	Goal       models.Goal
	GridPoints int
	StepSize   float64
}

// Constructor builds an optimizer over a validated space.
type Constructor func(space *paramspace.Space, opts Options) (Optimizer, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a strategy available by name. Registering the same name
// twice panics.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic("optimizer: Register constructor is nil")
	}
	if _, dup := registry[name]; dup {
		panic("optimizer: Register called twice for " + name)
	}
	registry[name] = ctor
}

// New resolves name in the registry and constructs the optimizer.
func New(name string, space *paramspace.Space, opts Options) (Optimizer, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownAlgorithm, name, Names())
	}
	if opts.Goal == "" {
		opts.Goal = models.GoalMinimize
	}
	return ctor(space, opts)
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("random", NewRandom)
	Register("grid", NewGrid)
	Register("hillclimb", NewHillClimb)
}

// bestFinished returns the best finished trial in history, lowest id on ties.
func bestFinished(history []*models.Trial, goal models.Goal) *models.Trial {
	var best *models.Trial
	for _, t := range history {
		if t.State != models.TrialStateFinished || t.Objective == nil {
			continue
		}
		if best == nil || goal.Better(*t.Objective, *best.Objective) {
			best = t
		}
	}
	return best
}
