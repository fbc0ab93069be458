package scheduler

import (
	"context"
	"fmt"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// CancelTrial asks the control loop to cancel one trial and waits for the
// answer. Cancelling a terminal trial is an error.
func (s *Scheduler) CancelTrial(ctx context.Context, id int) error {
	return s.send(ctx, command{kind: cmdCancelTrial, trialID: id, reply: make(chan error, 1)})
}

// Cancel asks the control loop to cancel every outstanding trial and end
// the run.
func (s *Scheduler) Cancel(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdCancelRun, reply: make(chan error, 1)})
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) send(ctx context.Context, cmd command) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-s.commands:
			s.handle(ctx, cmd)
		default:
			return
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdCancelRun:
		s.log.Info("run cancellation requested")
		s.cancelRequested = true
	case cmdCancelTrial:
		err = s.cancelTrial(ctx, cmd.trialID)
	default:
		err = fmt.Errorf("unknown command %d", cmd.kind)
	}
	cmd.reply <- err
}

func (s *Scheduler) cancelTrial(ctx context.Context, id int) error {
	now := s.clock.Now()
	if f, ok := s.inflight[id]; ok {
		if err := s.exec.Cancel(ctx, f.handle); err != nil {
			s.log.Warn("cancel failed", "trial_id", id, "error", err)
		}
		f.trial.Error = cancelledByRequest
		if err := f.trial.Transition(models.TrialStateCancelled, now); err != nil {
			return err
		}
		return s.complete(f, now)
	}

	for i, w := range s.waiting {
		if w.trial.ID != id {
			continue
		}
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
		w.trial.Error = cancelledByRequest
		if err := w.trial.Transition(models.TrialStateCancelled, now); err != nil {
			return err
		}
		if err := s.ledger.Record(w.trial); err != nil {
			return err
		}
		s.observe(w.trial, now)
		return nil
	}

	t, err := s.ledger.Get(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: trial %d is %s", models.ErrTrialTerminal, id, t.State)
}
