package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

const (
	defaultMaxPollErrors  = 5
	defaultSubmitCooldown = time.Minute
)

// BatchOptions configure a BatchExecutor.
type BatchOptions struct {
	Workspace     string
	RunID         string
	Capacity      int
	Command       string
	Function      string
	Preamble      string
	PollInterval  time.Duration
	MaxPollErrors int
	// SubmitFailureThreshold consecutive submit failures open the submit
	// breaker for SubmitCooldown. Zero disables it.
	SubmitFailureThreshold int
	SubmitCooldown         time.Duration
	Client                 BatchClient
	Clock                  utils.Clock
	Logger                 *slog.Logger
}

// BatchExecutor submits one job script per trial to a batch queue. The
// queue listing is fetched at most once per poll interval and shared by all
// handles polled in between.
type BatchExecutor struct {
	opts    BatchOptions
	log     *slog.Logger
	breaker *submitBreaker

	mu       sync.Mutex
	jobs     map[int]*batchJob
	listing  map[string]JobState
	listErr  error
	lastList time.Time
	gen      int
	// requests counts status calls started; listReq is the request that
	// produced the current listing.
	requests int
	listReq  int
}

type batchJob struct {
	handle     Handle
	dir        string
	cancelled  bool
	final      *Status
	pollErrors int
	seenGen    int
	// sinceReq is the last status request started before the job was
	// registered. Listings from that request or earlier may not know it.
	sinceReq int
}

// NewBatch creates a BatchExecutor.
func NewBatch(opts BatchOptions) (*BatchExecutor, error) {
	if opts.Capacity <= 0 {
		return nil, models.NewConfigError("batch.max_concurrent_jobs", "must be positive, got %d", opts.Capacity)
	}
	if opts.Client == nil {
		return nil, errors.New("batch executor requires a client")
	}
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	ws, err := absWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}
	opts.Workspace = ws
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxPollErrors <= 0 {
		opts.MaxPollErrors = defaultMaxPollErrors
	}
	opts.PollInterval = durationOrDefault(opts.PollInterval, 10*time.Second)
	opts.SubmitCooldown = durationOrDefault(opts.SubmitCooldown, defaultSubmitCooldown)
	return &BatchExecutor{
		opts:    opts,
		log:     opts.Logger.With("backend", "batch"),
		breaker: newSubmitBreaker(opts.SubmitFailureThreshold, opts.SubmitCooldown, opts.Clock),
		jobs:    make(map[int]*batchJob),
	}, nil
}

func (e *BatchExecutor) Capacity() int { return e.opts.Capacity }

// Submit writes params.json and job.sh into the trial directory and hands
// the script to the queue. A submission failure is a DispatchError, as is a
// submission refused while the submit breaker is open.
func (e *BatchExecutor) Submit(ctx context.Context, t *models.Trial) (Handle, error) {
	dir, err := PrepareTrialDir(e.opts.Workspace, t)
	if err != nil {
		return Handle{}, &models.DispatchError{Backend: "batch", Err: err}
	}
	_ = os.Remove(filepath.Join(dir, ExitCodeFile))

	name := utils.JobName(e.opts.RunID, t.ID)
	script, err := RenderJobScript(e.opts.Preamble, name, dir, e.opts.Command, e.opts.Function, t)
	if err != nil {
		return Handle{}, err
	}
	scriptPath := filepath.Join(dir, JobScript)
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return Handle{}, &models.DispatchError{Backend: "batch", Err: err}
	}

	if !e.breaker.allow() {
		return Handle{}, &models.DispatchError{Backend: "batch", Err: ErrSubmitCircuitOpen}
	}
	jobID, err := e.opts.Client.Submit(ctx, scriptPath, name, dir)
	if err != nil {
		if e.breaker.failure() {
			e.log.Warn("submit breaker opened", "trial_id", t.ID, "cooldown", e.opts.SubmitCooldown, "error", err)
		}
		return Handle{}, &models.DispatchError{Backend: "batch", Err: err}
	}
	e.breaker.success()

	h := Handle{TrialID: t.ID, JobID: jobID}
	e.mu.Lock()
	e.jobs[t.ID] = &batchJob{handle: h, dir: dir, seenGen: e.gen, sinceReq: e.requests}
	e.mu.Unlock()
	e.log.Info("job submitted", "trial_id", t.ID, "job_id", jobID, "job_name", name)
	return h, nil
}

// Reattach re-registers a job submitted by an earlier process.
func (e *BatchExecutor) Reattach(_ context.Context, t *models.Trial) (Handle, error) {
	if t.JobID == "" {
		return Handle{}, fmt.Errorf("trial %d has no job id", t.ID)
	}
	h := Handle{TrialID: t.ID, JobID: t.JobID}
	e.mu.Lock()
	e.jobs[t.ID] = &batchJob{handle: h, dir: TrialDir(e.opts.Workspace, t.ID), seenGen: e.gen, sinceReq: e.requests}
	e.mu.Unlock()
	return h, nil
}

// Poll maps the cached queue listing onto the handle. While the status
// command fails the job reports unknown; after MaxPollErrors consecutive
// failures it is declared failed. A job missing from a listing requested
// before it was submitted is still queued; only a newer listing that omits
// it means the job left the queue.
func (e *BatchExecutor) Poll(ctx context.Context, h Handle) Status {
	e.mu.Lock()
	job, ok := e.jobs[h.TrialID]
	if !ok {
		e.mu.Unlock()
		return failedStatus(fmt.Errorf("%w: trial %d", ErrUnknownHandle, h.TrialID))
	}
	if job.final != nil {
		st := *job.final
		e.mu.Unlock()
		return st
	}
	e.mu.Unlock()

	e.refresh(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if job.cancelled {
		return e.settle(job, failedStatus(errors.New("job cancelled")))
	}

	if e.listErr != nil {
		if job.seenGen != e.gen {
			job.seenGen = e.gen
			job.pollErrors++
		}
		if job.pollErrors >= e.opts.MaxPollErrors {
			e.log.Error("giving up on job status", "trial_id", h.TrialID, "job_id", h.JobID, "errors", job.pollErrors)
			return e.settle(job, failedStatus(fmt.Errorf("status unavailable after %d attempts: %w", job.pollErrors, e.listErr)))
		}
		return Status{Phase: PhaseUnknown, Err: e.listErr}
	}
	job.pollErrors = 0
	job.seenGen = e.gen

	state, listed := e.listing[h.JobID]
	if !listed && e.listReq <= job.sinceReq {
		return Status{Phase: PhaseQueued}
	}
	switch state {
	case JobQueued:
		return Status{Phase: PhaseQueued}
	case JobRunning:
		return Status{Phase: PhaseRunning}
	case JobError:
		return e.settle(job, failedStatus(&models.ExecutionFailure{TrialID: h.TrialID, Reason: "job in error state"}))
	}
	return e.settle(job, e.collect(job))
}

// refresh re-reads the queue listing when the poll interval has elapsed.
func (e *BatchExecutor) refresh(ctx context.Context) {
	e.mu.Lock()
	now := e.opts.Clock.Now()
	if e.gen > 0 && now.Sub(e.lastList) < e.opts.PollInterval {
		e.mu.Unlock()
		return
	}
	e.lastList = now
	e.requests++
	req := e.requests
	e.mu.Unlock()

	listing, err := e.opts.Client.Status(ctx)

	e.mu.Lock()
	e.gen++
	e.listing, e.listErr, e.listReq = listing, err, req
	e.mu.Unlock()
	if err != nil {
		e.log.Warn("queue status failed", "error", err)
	}
}

// collect reads the artifacts of a job that left the queue.
func (e *BatchExecutor) collect(job *batchJob) Status {
	code, hasCode := ReadExitCode(job.dir)
	if hasCode && code != 0 {
		return Status{Phase: PhaseFailed, ExitCode: code, Err: &models.ExecutionFailure{TrialID: job.handle.TrialID, ExitCode: code}}
	}
	v, err := ReadObjective(job.dir, hasCode)
	if err != nil {
		return Status{Phase: PhaseFailed, ExitCode: code, Err: resultFailure(job.handle.TrialID, code, err)}
	}
	return Status{Phase: PhaseSucceeded, Objective: &v, ExitCode: code}
}

func (e *BatchExecutor) settle(job *batchJob, st Status) Status {
	job.final = &st
	return st
}

// Cancel deletes the job from the queue. Repeated calls and calls for jobs
// that already finished are no-ops.
func (e *BatchExecutor) Cancel(ctx context.Context, h Handle) error {
	e.mu.Lock()
	job, ok := e.jobs[h.TrialID]
	if !ok || job.cancelled || job.final != nil {
		e.mu.Unlock()
		return nil
	}
	job.cancelled = true
	e.mu.Unlock()

	if err := e.opts.Client.Cancel(ctx, h.JobID); err != nil {
		e.log.Warn("job cancel failed", "trial_id", h.TrialID, "job_id", h.JobID, "error", err)
		return fmt.Errorf("cancel job %s: %w", h.JobID, err)
	}
	return nil
}

// Close forgets all jobs. Queued jobs keep running on the cluster so a later
// resume can reattach to them.
func (e *BatchExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = make(map[int]*batchJob)
	return nil
}
