// Package scheduler drives a run: it proposes trials, admits them into
// execution slots, watches them to a terminal state and records every step
// in the ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aramoto99/new-aiaccel/internal/executor"
	"github.com/aramoto99/new-aiaccel/internal/ledger"
	"github.com/aramoto99/new-aiaccel/internal/metrics"
	"github.com/aramoto99/new-aiaccel/internal/optimizer"
	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/pkg/config"
	"github.com/aramoto99/new-aiaccel/pkg/logger"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

var (
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

const (
	defaultTick            = time.Second
	defaultDispatchBase    = 500 * time.Millisecond
	defaultDispatchMax     = 30 * time.Second
	cancelledByRequest     = "cancelled by request"
	commandQueueCapacity   = 16
	dispatchBackoffRandKey = -1
)

// Options wires a Scheduler to its collaborators.
type Options struct {
	Config    *config.Config
	RunID     string
	Space     *paramspace.Space
	Optimizer optimizer.Optimizer
	Executor  executor.Executor
	Ledger    *ledger.Ledger

	Clock  utils.Clock
	Logger *slog.Logger
	// Metrics receives every terminal trial; a fresh collector is used when
	// nil.
	Metrics *metrics.Collector

	// TickInterval overrides generic.poll_interval.
	TickInterval time.Duration
	// DispatchBackoff overrides the wait between submissions the backend
	// refused with a DispatchError.
	DispatchBackoff utils.BackoffStrategy
}

// Result summarizes a run that ended.
type Result struct {
	RunID     string
	Best      *models.Trial
	Counts    map[models.TrialState]int
	Total     int
	Issued    int
	Duration  time.Duration
	Cancelled bool
	// Stats aggregates trial durations, queue waits and objectives.
	Stats map[string]*metrics.Aggregation
}

// Snapshot is a point-in-time view of the run for status endpoints.
type Snapshot struct {
	RunID       string
	Algorithm   string
	Goal        models.Goal
	TrialNumber int
	Issued      int
	Counts      map[models.TrialState]int
	InFlight    []int
	Waiting     []int
	Best        *models.Trial
	StartedAt   time.Time
	ETA         time.Duration
	Done        bool
	Cancelled   bool
}

type flight struct {
	trial  *models.Trial
	handle executor.Handle
}

// waiting is a pending trial the backend has not accepted yet.
type waiting struct {
	trial     *models.Trial
	attempts  int
	notBefore time.Time
}

type retryEntry struct {
	origin    *models.Trial
	notBefore time.Time
}

type commandKind int

const (
	cmdCancelTrial commandKind = iota
	cmdCancelRun
)

type command struct {
	kind    commandKind
	trialID int
	reply   chan error
}

// Scheduler owns every scheduling decision of a run. All mutable state
// except the snapshot is touched only by the goroutine running Run.
type Scheduler struct {
	runID       string
	cfg         *config.Config
	space       *paramspace.Space
	opt         optimizer.Optimizer
	exec        executor.Executor
	ledger      *ledger.Ledger
	clock       utils.Clock
	log         *slog.Logger
	goal        models.Goal
	trialNumber int
	tick        time.Duration

	rng             *utils.RandSource
	retry           *RetryPolicy
	dispatchBackoff utils.BackoffStrategy
	slots           *SlotPool
	monitor         *TimeoutMonitor
	metrics         *metrics.Collector

	inflight map[int]*flight
	waiting  []*waiting
	retries  []*retryEntry
	progress progress

	cancelRequested bool

	commands chan command
	done     chan struct{}
	started  atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// New validates opts and builds a Scheduler. The slot count is the
// executor's capacity.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("scheduler: config is required")
	case opts.Space == nil:
		return nil, errors.New("scheduler: parameter space is required")
	case opts.Optimizer == nil:
		return nil, errors.New("scheduler: optimizer is required")
	case opts.Executor == nil:
		return nil, errors.New("scheduler: executor is required")
	case opts.Ledger == nil:
		return nil, errors.New("scheduler: ledger is required")
	}
	cfg := opts.Config
	if cfg.Optimize.TrialNumber <= 0 {
		return nil, models.NewConfigError("optimize.trial_number", "must be positive, got %d", cfg.Optimize.TrialNumber)
	}
	if opts.Executor.Capacity() <= 0 {
		return nil, models.NewConfigError("resource", "executor has no slots")
	}
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("scheduler")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}

	tick := opts.TickInterval
	if tick <= 0 && cfg.Generic.PollInterval != "" {
		d, err := cfg.Generic.GetPollInterval()
		if err != nil {
			return nil, &models.ConfigError{Field: "generic.poll_interval", Err: err}
		}
		tick = d
	}
	if tick <= 0 {
		tick = defaultTick
	}

	goal := cfg.Optimize.Goal
	if goal == "" {
		goal = models.GoalMinimize
	}

	rng := utils.NewRandSource(cfg.Optimize.RandSeed)
	dispatchBackoff := opts.DispatchBackoff
	if dispatchBackoff == nil {
		dispatchBackoff = utils.NewExponentialBackoff(defaultDispatchBase, defaultDispatchMax, 2.0, true).
			WithRand(rng.Derive(dispatchBackoffRandKey))
	}

	s := &Scheduler{
		runID:           opts.RunID,
		cfg:             cfg,
		space:           opts.Space,
		opt:             opts.Optimizer,
		exec:            opts.Executor,
		ledger:          opts.Ledger,
		clock:           opts.Clock,
		log:             opts.Logger,
		goal:            goal,
		trialNumber:     cfg.Optimize.TrialNumber,
		tick:            tick,
		rng:             rng,
		retry:           NewRetryPolicyFromConfig(cfg.Resource.Retry),
		dispatchBackoff: dispatchBackoff,
		slots:           NewSlotPool(opts.Executor.Capacity()),
		monitor:         NewTimeoutMonitor(cfg.Generic.GetTimeout()),
		metrics:         opts.Metrics,
		inflight:        make(map[int]*flight),
		commands:        make(chan command, commandQueueCapacity),
		done:            make(chan struct{}),
	}
	s.snap = Snapshot{RunID: s.runID, Algorithm: s.opt.Name(), Goal: goal, TrialNumber: s.trialNumber}
	return s, nil
}

// Run drives the run until trial_number trials are terminal or the run is
// cancelled through ctx or Cancel. Per-trial failures never end the run;
// only ledger errors and optimizer errors are returned.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer close(s.done)

	start := s.clock.Now()
	if err := s.recover(ctx, start); err != nil {
		return nil, err
	}
	s.progress = newProgress(start, s.ledger.Terminal(), s.trialNumber)
	s.log.Info("run started",
		"run_id", s.runID,
		"algorithm", s.opt.Name(),
		"goal", s.goal,
		"trial_number", s.trialNumber,
		"slots", s.slots.Size(),
		"resumed_terminal", s.progress.baseline)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	cancelled := false
loop:
	for {
		if s.cancelRequested {
			cancelled = true
			break
		}
		finished, err := s.step(ctx)
		if err != nil {
			s.abort(ctx)
			return nil, err
		}
		if finished {
			break
		}
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case cmd := <-s.commands:
			s.handle(ctx, cmd)
		case <-ticker.C:
		}
	}

	if cancelled {
		reason := models.ErrRunCancelled.Error()
		if s.cancelRequested {
			reason = cancelledByRequest
		}
		if err := s.cancelAll(context.WithoutCancel(ctx), reason); err != nil {
			return nil, err
		}
		s.log.Warn("run cancelled", "run_id", s.runID, "terminal", s.ledger.Terminal(), "trial_number", s.trialNumber)
	}

	end := s.clock.Now()
	res := &Result{
		RunID:     s.runID,
		Best:      s.ledger.Best(s.goal),
		Counts:    s.ledger.Counts(),
		Total:     s.trialNumber,
		Issued:    s.ledger.NextID(),
		Duration:  end.Sub(start),
		Cancelled: cancelled,
		Stats:     s.metrics.Summary(),
	}
	if meta := s.ledger.Meta(); meta != nil {
		meta.UpdatedAt = end
		if err := s.ledger.SetMeta(*meta); err != nil {
			return nil, err
		}
	}
	s.publish(true, cancelled)

	attrs := []any{"run_id", s.runID, "duration", utils.FormatDuration(res.Duration), "issued", res.Issued}
	for _, st := range models.TerminalStates {
		attrs = append(attrs, string(st), res.Counts[st])
	}
	if res.Best != nil {
		attrs = append(attrs, "best_trial", res.Best.ID, "best_objective", *res.Best.Objective)
	}
	if d := res.Stats[metrics.MetricTrialDuration]; d != nil {
		attrs = append(attrs, "mean_trial_duration_s", d.Mean)
	}
	s.log.Info("run completed", attrs...)
	return res, nil
}

// step performs one scheduling tick. It reports whether the run is over.
func (s *Scheduler) step(ctx context.Context) (bool, error) {
	s.drainCommands(ctx)
	if s.cancelRequested {
		return false, nil
	}
	if err := s.pollInFlight(ctx); err != nil {
		return false, err
	}
	if err := s.enforceTimeouts(ctx); err != nil {
		return false, err
	}
	if err := s.submitWaiting(ctx); err != nil {
		return false, err
	}
	if err := s.admit(ctx); err != nil {
		return false, err
	}
	finished := len(s.inflight) == 0 && len(s.waiting) == 0 && len(s.retries) == 0 &&
		s.ledger.NextID() >= s.trialNumber
	s.publish(finished, false)
	return finished, nil
}

func (s *Scheduler) pollInFlight(ctx context.Context) error {
	for _, id := range s.inflightIDs() {
		f := s.inflight[id]
		st := s.exec.Poll(ctx, f.handle)
		now := s.clock.Now()

		switch st.Phase {
		case executor.PhaseQueued:
		case executor.PhaseUnknown:
			s.log.Debug("trial status unknown", "trial_id", id, "error", st.Err)
		case executor.PhaseRunning:
			if err := s.markRunning(f, now); err != nil {
				return err
			}
		case executor.PhaseSucceeded:
			if err := s.markRunning(f, now); err != nil {
				return err
			}
			f.trial.ExitCode = st.ExitCode
			var reason string
			switch {
			case st.Objective == nil:
				reason = "no objective reported"
			case math.IsNaN(*st.Objective) || math.IsInf(*st.Objective, 0):
				reason = "non-finite objective"
			}
			if reason != "" {
				f.trial.Error = (&models.ExecutionFailure{TrialID: id, ExitCode: st.ExitCode, Reason: reason}).Error()
				if err := f.trial.Transition(models.TrialStateFailed, now); err != nil {
					return err
				}
			} else if err := f.trial.Finish(*st.Objective, now); err != nil {
				return err
			}
			if err := s.complete(f, now); err != nil {
				return err
			}
		case executor.PhaseFailed:
			f.trial.ExitCode = st.ExitCode
			if st.Err != nil {
				f.trial.Error = st.Err.Error()
			}
			if err := f.trial.Transition(models.TrialStateFailed, now); err != nil {
				return err
			}
			if err := s.complete(f, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) markRunning(f *flight, now time.Time) error {
	if f.trial.State != models.TrialStateDispatched {
		return nil
	}
	if err := f.trial.Transition(models.TrialStateRunning, now); err != nil {
		return err
	}
	s.monitor.Start(f.trial.ID, f.trial.StartedAt)
	if err := s.ledger.Record(f.trial); err != nil {
		return err
	}
	s.log.Debug("trial running", "trial_id", f.trial.ID, "slot", f.trial.Slot)
	return nil
}

func (s *Scheduler) enforceTimeouts(ctx context.Context) error {
	now := s.clock.Now()
	for _, id := range s.monitor.Expired(now) {
		f, ok := s.inflight[id]
		if !ok || f.trial.State != models.TrialStateRunning {
			continue
		}
		if err := s.exec.Cancel(ctx, f.handle); err != nil {
			s.log.Warn("cancel of timed out trial failed", "trial_id", id, "error", err)
		}
		f.trial.Error = (&models.TimeoutExceeded{TrialID: id, Limit: s.monitor.Limit().String()}).Error()
		if err := f.trial.Transition(models.TrialStateTimedOut, now); err != nil {
			return err
		}
		if err := s.complete(f, now); err != nil {
			return err
		}
	}
	return nil
}

// complete releases the slot of a trial that just became terminal and
// records it.
func (s *Scheduler) complete(f *flight, now time.Time) error {
	t := f.trial
	s.monitor.Stop(t.ID)
	delete(s.inflight, t.ID)
	if err := s.slots.Release(t.Slot, t.ID); err != nil {
		s.log.Error("slot release failed", "trial_id", t.ID, "error", err)
	}
	if err := s.ledger.Record(t); err != nil {
		return err
	}
	s.observe(t, now)
	return nil
}

// observe reacts to a trial reaching a terminal state.
func (s *Scheduler) observe(t *models.Trial, now time.Time) {
	if u, ok := s.opt.(optimizer.Updater); ok {
		u.Update(t.Clone())
	}
	s.metrics.RecordTrial(t)

	attrs := []any{"trial_id", t.ID, "state", t.State, "duration", utils.FormatDuration(t.Duration())}
	if t.Objective != nil {
		attrs = append(attrs, "objective", *t.Objective)
	}
	if t.Error != "" {
		attrs = append(attrs, "error", t.Error)
	}
	if t.State == models.TrialStateFinished {
		s.log.Info("trial finished", attrs...)
	} else {
		s.log.Warn("trial did not finish", attrs...)
	}

	if s.retry.ShouldRetry(t) {
		if s.ledger.NextID()+len(s.retries) < s.trialNumber {
			delay := s.retry.GetBackoffDuration(t.RetryCount + 1)
			s.retries = append(s.retries, &retryEntry{origin: t.Clone(), notBefore: now.Add(delay)})
			s.log.Info("trial scheduled for retry", "trial_id", t.ID, "attempt", t.RetryCount+1, "delay", delay)
		} else {
			s.log.Info("no budget left to retry trial", "trial_id", t.ID)
		}
	}

	s.logProgress(now)
}

func (s *Scheduler) submitWaiting(ctx context.Context) error {
	if len(s.waiting) == 0 {
		return nil
	}
	now := s.clock.Now()
	queue := s.waiting
	s.waiting = nil
	for i, w := range queue {
		if now.Before(w.notBefore) || s.slots.Free() == 0 {
			s.waiting = append(s.waiting, queue[i:]...)
			break
		}
		if err := s.dispatch(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// dispatch acquires a slot and submits w. A DispatchError puts w back at
// the end of the waiting list with a later notBefore; any other submission
// error fails the trial.
func (s *Scheduler) dispatch(ctx context.Context, w *waiting) error {
	t := w.trial
	slot, ok := s.slots.Acquire(t.ID)
	if !ok {
		s.waiting = append(s.waiting, w)
		return nil
	}
	t.Slot = slot
	h, err := s.exec.Submit(ctx, t)
	now := s.clock.Now()
	if err != nil {
		if rerr := s.slots.Release(slot, t.ID); rerr != nil {
			s.log.Error("slot release failed", "trial_id", t.ID, "error", rerr)
		}
		t.Slot = -1
		if models.IsDispatchError(err) {
			delay := s.dispatchBackoff.NextDelay(w.attempts)
			w.attempts++
			w.notBefore = now.Add(delay)
			s.waiting = append(s.waiting, w)
			s.log.Warn("backend refused trial, will retry", "trial_id", t.ID, "attempt", w.attempts, "delay", delay, "error", err)
			return nil
		}
		t.Error = err.Error()
		if terr := t.Transition(models.TrialStateFailed, now); terr != nil {
			return terr
		}
		if rerr := s.ledger.Record(t); rerr != nil {
			return rerr
		}
		s.observe(t, now)
		return nil
	}

	t.JobID = h.JobID
	if err := t.Transition(models.TrialStateDispatched, now); err != nil {
		return err
	}
	s.inflight[t.ID] = &flight{trial: t, handle: h}
	if err := s.ledger.Record(t); err != nil {
		return err
	}
	s.log.Debug("trial dispatched", "trial_id", t.ID, "slot", slot, "job_id", h.JobID)
	return nil
}

// admit issues new trials while slots are free and budget remains. Nothing
// is admitted while an earlier submission is waiting out a backoff.
func (s *Scheduler) admit(ctx context.Context) error {
	for len(s.waiting) == 0 && s.slots.Free() > 0 {
		now := s.clock.Now()
		t, err := s.nextTrial(now)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		if err := s.ledger.Record(t); err != nil {
			return err
		}
		s.log.Debug("trial created", "trial_id", t.ID, "params", t.Params, "retry_of", t.OriginID)
		if err := s.dispatch(ctx, &waiting{trial: t}); err != nil {
			return err
		}
	}
	return nil
}

// nextTrial builds the next trial: a due retry first, otherwise a fresh
// proposal. Budget left for queued retries is not spent on proposals. It
// returns nil when nothing may be issued now.
func (s *Scheduler) nextTrial(now time.Time) (*models.Trial, error) {
	id := s.ledger.NextID()
	if id >= s.trialNumber {
		if len(s.retries) > 0 {
			s.log.Info("dropping queued retries, budget exhausted", "count", len(s.retries))
			s.retries = nil
		}
		return nil, nil
	}

	for i, r := range s.retries {
		if now.Before(r.notBefore) {
			continue
		}
		s.retries = append(s.retries[:i], s.retries[i+1:]...)
		t := models.NewTrial(id, r.origin.Params.Clone(), now)
		origin := r.origin.ID
		t.OriginID = &origin
		t.RetryCount = r.origin.RetryCount + 1
		return t, nil
	}
	if id+len(s.retries) >= s.trialNumber {
		return nil, nil
	}

	params, err := s.propose(id)
	if err != nil {
		return nil, err
	}
	return models.NewTrial(id, params, now), nil
}

// propose asks the optimizer for the assignment of trial id. Trial 0 always
// evaluates the space's initial values. Each proposal draws from a stream
// derived from the run seed and the trial id, so a resumed run proposes
// what an uninterrupted one would have.
func (s *Scheduler) propose(id int) (models.Assignment, error) {
	if id == 0 {
		return s.space.SeedTrial(), nil
	}
	rng := s.rng.Derive(int64(id))
	raws, err := s.opt.Suggest(s.history(), 1, rng)
	if err != nil {
		return nil, fmt.Errorf("optimizer %s: %w", s.opt.Name(), err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("optimizer %s returned no proposal", s.opt.Name())
	}
	params, err := s.space.Project(raws[0])
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		s.log.Warn("proposal rejected, sampling instead", "trial_id", id, "error", err)
		return s.space.Sample(rng), nil
	}
	return params, err
}

// history returns every issued trial with its parameters re-typed for the
// optimizer.
func (s *Scheduler) history() []*models.Trial {
	trials := s.ledger.Trials()
	for _, t := range trials {
		if p, err := s.space.Normalize(t.Params); err == nil {
			t.Params = p
		}
	}
	return trials
}

// recover settles what a previous process left in the ledger and writes the
// run metadata of a fresh ledger. Pending trials are re-submitted; in-flight
// batch jobs are reattached when the backend still knows them; anything
// else is marked failed.
func (s *Scheduler) recover(ctx context.Context, now time.Time) error {
	meta := s.ledger.Meta()
	if meta == nil {
		if err := s.ledger.SetMeta(ledger.Meta{
			RunID:       s.runID,
			Seed:        s.cfg.Optimize.RandSeed,
			TrialNumber: s.trialNumber,
			Algorithm:   s.opt.Name(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
	} else {
		if s.runID == "" {
			s.runID = meta.RunID
		}
		if meta.Seed != s.cfg.Optimize.RandSeed || meta.Algorithm != s.opt.Name() {
			s.log.Warn("resuming with a different seed or algorithm, proposals will not match the original run",
				"ledger_seed", meta.Seed, "seed", s.cfg.Optimize.RandSeed,
				"ledger_algorithm", meta.Algorithm, "algorithm", s.opt.Name())
		}
		if meta.TrialNumber != s.trialNumber {
			meta.TrialNumber = s.trialNumber
			if err := s.ledger.SetMeta(*meta); err != nil {
				return err
			}
		}
	}

	remaining, err := s.ledger.Resume(s.trialNumber, now, func(t *models.Trial) bool {
		return s.adopt(ctx, t)
	})
	if err != nil {
		return err
	}

	history := s.history()
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].EndedAt.Before(history[j].EndedAt)
	})
	u, replay := s.opt.(optimizer.Updater)
	for _, t := range history {
		if !t.State.IsTerminal() {
			continue
		}
		s.metrics.RecordTrial(t)
		if replay {
			u.Update(t)
		}
	}
	if issued := s.ledger.NextID(); issued > 0 {
		s.log.Info("resuming run",
			"issued", issued,
			"terminal", s.ledger.Terminal(),
			"remaining", remaining,
			"reattached", len(s.inflight),
			"resubmitting", len(s.waiting))
	}
	return nil
}

// adopt decides the fate of one non-terminal trial found on resume.
func (s *Scheduler) adopt(ctx context.Context, t *models.Trial) bool {
	params, err := s.space.Normalize(t.Params)
	if err != nil {
		s.log.Warn("stored parameters no longer fit the space", "trial_id", t.ID, "error", err)
		return false
	}
	t.Params = params

	switch t.State {
	case models.TrialStatePending:
		t.Slot = -1
		s.waiting = append(s.waiting, &waiting{trial: t})
		return true

	case models.TrialStateDispatched, models.TrialStateRunning:
		r, ok := s.exec.(executor.Reattacher)
		if !ok || t.JobID == "" {
			return false
		}
		h, err := r.Reattach(ctx, t)
		if err != nil {
			s.log.Warn("could not reattach trial", "trial_id", t.ID, "job_id", t.JobID, "error", err)
			return false
		}
		slot, ok := s.slots.Claim(t.Slot, t.ID)
		if !ok {
			if cerr := s.exec.Cancel(ctx, h); cerr != nil {
				s.log.Warn("cancel of surplus job failed", "trial_id", t.ID, "error", cerr)
			}
			return false
		}
		t.Slot = slot
		if err := s.ledger.Record(t); err != nil {
			s.log.Error("record reattached trial", "trial_id", t.ID, "error", err)
			_ = s.slots.Release(slot, t.ID)
			return false
		}
		if t.State == models.TrialStateRunning {
			s.monitor.Start(t.ID, t.StartedAt)
		}
		s.inflight[t.ID] = &flight{trial: t, handle: h}
		s.log.Info("reattached trial", "trial_id", t.ID, "job_id", t.JobID, "state", t.State)
		return true
	}
	return false
}

// cancelAll cancels every in-flight and waiting trial and drops queued
// retries.
func (s *Scheduler) cancelAll(ctx context.Context, reason string) error {
	now := s.clock.Now()
	for _, id := range s.inflightIDs() {
		f := s.inflight[id]
		if err := s.exec.Cancel(ctx, f.handle); err != nil {
			s.log.Warn("cancel failed", "trial_id", id, "error", err)
		}
		f.trial.Error = reason
		if err := f.trial.Transition(models.TrialStateCancelled, now); err != nil {
			return err
		}
		if err := s.complete(f, now); err != nil {
			return err
		}
	}
	for _, w := range s.waiting {
		w.trial.Error = reason
		if err := w.trial.Transition(models.TrialStateCancelled, now); err != nil {
			return err
		}
		if err := s.ledger.Record(w.trial); err != nil {
			return err
		}
	}
	s.waiting = nil
	s.retries = nil
	return nil
}

// abort cancels running jobs after a fatal error. The ledger is left as is
// for resume to settle.
func (s *Scheduler) abort(ctx context.Context) {
	cctx := context.WithoutCancel(ctx)
	for _, id := range s.inflightIDs() {
		if err := s.exec.Cancel(cctx, s.inflight[id].handle); err != nil {
			s.log.Warn("cancel failed", "trial_id", id, "error", err)
		}
	}
}

func (s *Scheduler) inflightIDs() []int {
	ids := make([]int, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
