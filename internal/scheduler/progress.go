package scheduler

import (
	"fmt"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// progress estimates the remaining time from the trials finished since
// this process started.
type progress struct {
	start    time.Time
	baseline int
	total    int
}

func newProgress(start time.Time, terminal, total int) progress {
	return progress{start: start, baseline: terminal, total: total}
}

// eta returns the estimated time to completion. ok is false until at least
// one trial finished in this process.
func (p progress) eta(now time.Time, terminal int) (time.Duration, bool) {
	done := terminal - p.baseline
	if done <= 0 {
		return 0, false
	}
	remaining := p.total - terminal
	if remaining <= 0 {
		return 0, true
	}
	perTrial := now.Sub(p.start) / time.Duration(done)
	return perTrial * time.Duration(remaining), true
}

func (s *Scheduler) logProgress(now time.Time) {
	terminal := s.ledger.Terminal()
	attrs := []any{
		"done", fmt.Sprintf("%d/%d", terminal, s.trialNumber),
		"running", len(s.inflight),
		"elapsed", utils.FormatDuration(now.Sub(s.progress.start)),
	}
	if best := s.ledger.Best(s.goal); best != nil {
		attrs = append(attrs, "best_trial", best.ID, "best_objective", *best.Objective)
	}
	if eta, ok := s.progress.eta(now, terminal); ok {
		attrs = append(attrs, "eta", utils.FormatDuration(eta), "estimated_end", now.Add(eta).Format(time.RFC3339))
	}
	s.log.Info("progress", attrs...)
}

// Snapshot returns the latest published view of the run. It is safe to
// call from any goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := s.snap
	out.Counts = make(map[models.TrialState]int, len(s.snap.Counts))
	for k, v := range s.snap.Counts {
		out.Counts[k] = v
	}
	out.InFlight = append([]int(nil), s.snap.InFlight...)
	out.Waiting = append([]int(nil), s.snap.Waiting...)
	out.Best = s.snap.Best.Clone()
	return out
}

func (s *Scheduler) publish(done, cancelled bool) {
	now := s.clock.Now()
	terminal := s.ledger.Terminal()
	snap := Snapshot{
		RunID:       s.runID,
		Algorithm:   s.opt.Name(),
		Goal:        s.goal,
		TrialNumber: s.trialNumber,
		Issued:      s.ledger.NextID(),
		Counts:      s.ledger.Counts(),
		InFlight:    s.inflightIDs(),
		Best:        s.ledger.Best(s.goal),
		StartedAt:   s.progress.start,
		Done:        done,
		Cancelled:   cancelled,
	}
	for _, w := range s.waiting {
		snap.Waiting = append(snap.Waiting, w.trial.ID)
	}
	if eta, ok := s.progress.eta(now, terminal); ok && !done {
		snap.ETA = eta
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
