// Package executor runs trials on a local worker pool or an SGE-style batch
// queue behind one non-blocking interface.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/config"
	"github.com/aramoto99/new-aiaccel/pkg/logger"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

var (
	ErrUnknownHandle = errors.New("unknown trial handle")
	ErrClosed        = errors.New("executor closed")
)

// Phase is the backend's view of a submitted trial.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// Done reports whether the phase is final.
func (p Phase) Done() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Handle identifies a submitted trial to the backend that accepted it.
type Handle struct {
	TrialID int
	JobID   string
}

// Status is the result of one Poll. Objective is set only on success.
type Status struct {
	Phase     Phase
	Objective *float64
	ExitCode  int
	Err       error
}

// Executor accepts trials and reports their progress. Poll never blocks on
// the job itself; Cancel is idempotent.
type Executor interface {
	Capacity() int
	Submit(ctx context.Context, t *models.Trial) (Handle, error)
	Poll(ctx context.Context, h Handle) Status
	Cancel(ctx context.Context, h Handle) error
	Close() error
}

// Reattacher is implemented by backends whose jobs survive a restart of
// this process.
type Reattacher interface {
	Reattach(ctx context.Context, t *models.Trial) (Handle, error)
}

// Options are the collaborators New passes to the selected variant.
type Options struct {
	RunID  string
	Clock  utils.Clock
	Logger *slog.Logger

	// Runner overrides the subprocess runner of the local variant.
	Runner Runner
	// Client overrides the qsub/qstat/qdel client of the batch variant.
	Client BatchClient
}

// New builds the executor selected by cfg.Resource.Type.
func New(cfg *config.Config, opts Options) (Executor, error) {
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("executor")
	}

	switch cfg.Resource.Type {
	case config.ResourceLocal:
		runner := opts.Runner
		if runner == nil {
			runner = &CommandRunner{Command: cfg.Generic.Command(), Function: cfg.Generic.Function}
		}
		return NewLocal(LocalOptions{
			Workspace: cfg.Generic.Workspace,
			Workers:   cfg.Workers(),
			Runner:    runner,
			Logger:    opts.Logger,
		})

	case config.ResourceBatch:
		if cfg.Batch == nil {
			return nil, models.NewConfigError("batch", "resource.type is batch but no batch block is given")
		}
		interval, err := cfg.Batch.GetPollInterval()
		if err != nil {
			return nil, &models.ConfigError{Field: "batch.poll_interval", Err: err}
		}
		client := opts.Client
		if client == nil {
			client = &CommandClient{
				SubmitCommand: cfg.Batch.SubmitCommand,
				StatusCommand: cfg.Batch.StatusCommand,
				CancelCommand: cfg.Batch.CancelCommand,
				Group:         cfg.Batch.Group,
				Options:       cfg.Batch.ExecutionOptions,
			}
		}
		cooldown, err := cfg.Batch.GetSubmitCooldown()
		if err != nil {
			return nil, &models.ConfigError{Field: "batch.submit_cooldown", Err: err}
		}
		return NewBatch(BatchOptions{
			Workspace:              cfg.Generic.Workspace,
			RunID:                  opts.RunID,
			Capacity:               cfg.Batch.MaxConcurrentJobs,
			Command:                cfg.Generic.Command(),
			Function:               cfg.Generic.Function,
			Preamble:               cfg.Batch.Preamble(),
			PollInterval:           interval,
			MaxPollErrors:          cfg.Batch.MaxPollErrors,
			SubmitFailureThreshold: cfg.Batch.SubmitThreshold(),
			SubmitCooldown:         cooldown,
			Client:                 client,
			Clock:                  opts.Clock,
			Logger:                 opts.Logger,
		})
	}
	return nil, models.NewConfigError("resource.type", "unsupported resource type %q", cfg.Resource.Type)
}

func failedStatus(err error) Status {
	return Status{Phase: PhaseFailed, Err: err}
}

// absWorkspace anchors the workspace to the current directory. Commands run
// with the trial directory as their working directory, so every path handed
// to them must be absolute.
func absWorkspace(ws string) (string, error) {
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", &models.ConfigError{Field: "generic.workspace", Reason: "cannot resolve path", Err: err}
	}
	return abs, nil
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
