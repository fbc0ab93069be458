package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// LocalOptions configure a LocalExecutor.
type LocalOptions struct {
	Workspace string
	Workers   int
	Runner    Runner
	Logger    *slog.Logger
}

// LocalExecutor runs trials in goroutines bounded by a fixed worker pool.
// Submissions beyond the pool size wait in the queued phase.
type LocalExecutor struct {
	workspace string
	runner    Runner
	workers   int
	log       *slog.Logger

	pool   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[int]*localJob
	closed bool
}

type localJob struct {
	handle  Handle
	dir     string
	cancel  context.CancelFunc
	release sync.Once

	phase     Phase
	objective *float64
	exitCode  int
	err       error
}

// NewLocal creates a LocalExecutor with opts.Workers slots.
func NewLocal(opts LocalOptions) (*LocalExecutor, error) {
	if opts.Workers <= 0 {
		return nil, models.NewConfigError("resource.num_workers", "must be positive, got %d", opts.Workers)
	}
	if opts.Runner == nil {
		return nil, errors.New("local executor requires a runner")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ws, err := absWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}
	opts.Workspace = ws
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalExecutor{
		workspace: opts.Workspace,
		runner:    opts.Runner,
		workers:   opts.Workers,
		log:       opts.Logger.With("backend", "local"),
		pool:      make(chan struct{}, opts.Workers),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[int]*localJob),
	}, nil
}

func (e *LocalExecutor) Capacity() int { return e.workers }

// Submit prepares the trial directory and starts the job goroutine. It does
// not wait for a free worker.
func (e *LocalExecutor) Submit(_ context.Context, t *models.Trial) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Handle{}, &models.DispatchError{Backend: "local", Err: ErrClosed}
	}
	if old, ok := e.jobs[t.ID]; ok && !old.phase.Done() {
		return Handle{}, fmt.Errorf("trial %d already submitted", t.ID)
	}

	dir, err := PrepareTrialDir(e.workspace, t)
	if err != nil {
		return Handle{}, &models.DispatchError{Backend: "local", Err: err}
	}

	ctx, cancel := context.WithCancel(e.ctx)
	job := &localJob{
		handle: Handle{TrialID: t.ID, JobID: fmt.Sprintf("local-%d", t.ID)},
		dir:    dir,
		cancel: cancel,
		phase:  PhaseQueued,
	}
	e.jobs[t.ID] = job

	e.wg.Add(1)
	go e.run(ctx, job, Job{Trial: t.Clone(), Dir: dir})
	return job.handle, nil
}

func (e *LocalExecutor) run(ctx context.Context, job *localJob, spec Job) {
	defer e.wg.Done()
	defer job.cancel()

	select {
	case e.pool <- struct{}{}:
	case <-ctx.Done():
		e.finish(job, nil, -1, fmt.Errorf("cancelled while queued: %w", ctx.Err()))
		return
	}
	free := func() { job.release.Do(func() { <-e.pool }) }
	defer free()

	e.mu.Lock()
	if job.phase == PhaseQueued {
		job.phase = PhaseRunning
	}
	e.mu.Unlock()
	e.log.Debug("trial started", "trial_id", spec.Trial.ID, "dir", spec.Dir)

	code, err := e.runner.Run(ctx, spec)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	// the worker is returned before the phase flips so a caller that saw
	// the job finish can submit the next one without queueing
	free()
	if err != nil {
		e.finish(job, nil, code, &models.ExecutionFailure{TrialID: spec.Trial.ID, ExitCode: code, Err: err})
		return
	}

	v, err := ReadObjective(spec.Dir, e.runner.ReadsStdout())
	if err != nil {
		e.finish(job, nil, code, resultFailure(spec.Trial.ID, code, err))
		return
	}
	e.finish(job, &v, code, nil)
}

func (e *LocalExecutor) finish(job *localJob, objective *float64, code int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job.phase.Done() {
		return
	}
	job.exitCode = code
	job.err = err
	job.objective = objective
	if err != nil {
		job.phase = PhaseFailed
	} else {
		job.phase = PhaseSucceeded
	}
}

// Poll reports the job's phase without waiting.
func (e *LocalExecutor) Poll(_ context.Context, h Handle) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[h.TrialID]
	if !ok {
		return failedStatus(fmt.Errorf("%w: trial %d", ErrUnknownHandle, h.TrialID))
	}
	st := Status{Phase: job.phase, ExitCode: job.exitCode, Err: job.err}
	if job.objective != nil {
		v := *job.objective
		st.Objective = &v
	}
	return st
}

// Cancel stops the job. Cancelling a finished or already cancelled job is a
// no-op.
func (e *LocalExecutor) Cancel(_ context.Context, h Handle) error {
	e.mu.Lock()
	job, ok := e.jobs[h.TrialID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	job.cancel()
	return nil
}

// Running returns the number of jobs holding a worker.
func (e *LocalExecutor) Running() int {
	return len(e.pool)
}

// Close cancels every job and waits for their goroutines.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}
