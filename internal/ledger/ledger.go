// Package ledger is the durable record of every trial of a run. It is the
// single source of truth for replay and resumption.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Ledger holds the latest snapshot of every trial in memory and writes each
// change through to its Store. Trial ids are dense: 0..NextID()-1.
type Ledger struct {
	mu     sync.RWMutex
	store  Store
	meta   *Meta
	trials []*models.Trial
}

// Open loads the store's contents and checks them for consistency.
func Open(store Store) (*Ledger, error) {
	meta, err := store.LoadMeta()
	if err != nil {
		return nil, err
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}

	l := &Ledger{store: store, meta: meta}
	for i, t := range loaded {
		if t.ID != i {
			return nil, &models.LedgerCorruption{Reason: fmt.Sprintf("trial ids are not dense: expected %d, found %d", i, t.ID)}
		}
		if t.State == models.TrialStateFinished && t.Objective == nil {
			return nil, &models.LedgerCorruption{Reason: fmt.Sprintf("trial %d finished without an objective", t.ID)}
		}
		l.trials = append(l.trials, t)
	}
	return l, nil
}

// Meta returns a copy of the run metadata, nil for a fresh ledger.
func (l *Ledger) Meta() *Meta {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta == nil {
		return nil
	}
	m := *l.meta
	return &m
}

// SetMeta stores run metadata.
func (l *Ledger) SetMeta(m Meta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.SaveMeta(&m); err != nil {
		return fmt.Errorf("save ledger meta: %w", err)
	}
	l.meta = &m
	return nil
}

// Record upserts a trial snapshot. Re-recording an identical snapshot is a
// no-op; state regressions and id gaps are rejected.
func (l *Ledger) Record(t *models.Trial) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case t.ID < 0 || t.ID > len(l.trials):
		return fmt.Errorf("record trial %d: next id is %d", t.ID, len(l.trials))
	case t.ID < len(l.trials):
		prev := l.trials[t.ID]
		if !prev.State.CanTransition(t.State) {
			return fmt.Errorf("record trial %d: %w: %s -> %s", t.ID, models.ErrInvalidTransition, prev.State, t.State)
		}
		if sameSnapshot(prev, t) {
			return nil
		}
	}
	if t.State == models.TrialStateFinished && t.Objective == nil {
		return fmt.Errorf("record trial %d: finished without an objective", t.ID)
	}

	snap := t.Clone()
	if err := l.store.Append(snap); err != nil {
		return fmt.Errorf("record trial %d: %w", t.ID, err)
	}
	if t.ID == len(l.trials) {
		l.trials = append(l.trials, snap)
	} else {
		l.trials[t.ID] = snap
	}
	return nil
}

func sameSnapshot(a, b *models.Trial) bool {
	if a.State != b.State || a.Slot != b.Slot || a.JobID != b.JobID ||
		a.ExitCode != b.ExitCode || a.Error != b.Error ||
		!a.StartedAt.Equal(b.StartedAt) || !a.EndedAt.Equal(b.EndedAt) {
		return false
	}
	if (a.Objective == nil) != (b.Objective == nil) {
		return false
	}
	return a.Objective == nil || *a.Objective == *b.Objective
}

// NextID returns the id the next new trial must use.
func (l *Ledger) NextID() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trials)
}

// Get returns a copy of trial id.
func (l *Ledger) Get(id int) (*models.Trial, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 0 || id >= len(l.trials) {
		return nil, fmt.Errorf("%w: %d", models.ErrTrialNotFound, id)
	}
	return l.trials[id].Clone(), nil
}

// Trials returns copies of every trial ordered by id.
func (l *Ledger) Trials() []*models.Trial {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Trial, len(l.trials))
	for i, t := range l.trials {
		out[i] = t.Clone()
	}
	return out
}

// History returns copies of the terminal trials ordered by id.
func (l *Ledger) History() []*models.Trial {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Trial
	for _, t := range l.trials {
		if t.State.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Best returns the finished trial with the best objective for goal, the
// lowest id on ties, or nil when nothing has finished.
func (l *Ledger) Best(goal models.Goal) *models.Trial {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best *models.Trial
	for _, t := range l.trials {
		if t.State != models.TrialStateFinished {
			continue
		}
		if best == nil || goal.Better(*t.Objective, *best.Objective) {
			best = t
		}
	}
	return best.Clone()
}

// Counts returns the number of trials in each state.
func (l *Ledger) Counts() map[models.TrialState]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[models.TrialState]int)
	for _, t := range l.trials {
		out[t.State]++
	}
	return out
}

// Terminal returns the number of trials in a terminal state.
func (l *Ledger) Terminal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, t := range l.trials {
		if t.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Resume settles the trials a previous process left unfinished. keep is
// asked about each non-terminal trial; trials it declines are marked failed
// at now.
// It returns the budget still to be spent, trialNumber minus the terminal
// trials, never below zero.
func (l *Ledger) Resume(trialNumber int, now time.Time, keep func(t *models.Trial) bool) (int, error) {
	for _, t := range l.Trials() {
		if t.State.IsTerminal() {
			continue
		}
		if keep != nil && keep(t) {
			continue
		}
		if err := t.Transition(models.TrialStateFailed, now); err != nil {
			return 0, err
		}
		t.Error = "interrupted by restart"
		if err := l.Record(t); err != nil {
			return 0, err
		}
	}
	remaining := trialNumber - l.Terminal()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
