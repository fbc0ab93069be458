package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Job is one trial as handed to a Runner.
type Job struct {
	Trial *models.Trial
	Dir   string
}

// Runner evaluates one trial synchronously. It returns the process exit
// code; a non-nil error means the trial failed.
type Runner interface {
	Run(ctx context.Context, job Job) (int, error)
	// ReadsStdout reports whether the objective may be taken from stdout
	// when no result artifact is written.
	ReadsStdout() bool
}

// CommandRunner runs the user command as a subprocess with the assignment
// passed as --name=value arguments and HPO_* environment variables.
type CommandRunner struct {
	Command  string
	Function string
	Env      []string
}

func (r *CommandRunner) ReadsStdout() bool { return true }

func (r *CommandRunner) Run(ctx context.Context, job Job) (int, error) {
	argv := strings.Fields(r.Command)
	if len(argv) == 0 {
		return -1, errors.New("empty job command")
	}
	argv = append(argv, ParamArgs(job.Trial.Params)...)

	stdout, err := os.Create(filepath.Join(job.Dir, StdoutFile))
	if err != nil {
		return -1, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = job.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.Env = append(append(os.Environ(), r.Env...), TrialEnv(job, r.Function)...)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), fmt.Errorf("command exited: %w", err)
		}
		return -1, fmt.Errorf("run command: %w", err)
	}
	return 0, nil
}

// ObjectiveFunc is an in-process objective.
type ObjectiveFunc func(ctx context.Context, params models.Assignment) (float64, error)

// FuncRunner evaluates an ObjectiveFunc inside this process and writes its
// value to result.json.
type FuncRunner struct {
	Fn ObjectiveFunc
}

func (r FuncRunner) ReadsStdout() bool { return false }

func (r FuncRunner) Run(ctx context.Context, job Job) (int, error) {
	v, err := r.Fn(ctx, job.Trial.Params.Clone())
	if err != nil {
		return 1, err
	}
	if err := ctx.Err(); err != nil {
		return 1, err
	}
	if err := CheckFinite(v); err != nil {
		return 1, err
	}
	if err := WriteResult(job.Dir, v); err != nil {
		return 1, fmt.Errorf("write result: %w", err)
	}
	return 0, nil
}

// ParamArgs renders an assignment as --name=value arguments in name order.
func ParamArgs(params models.Assignment) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]string, 0, len(names))
	for _, name := range names {
		args = append(args, fmt.Sprintf("--%s=%s", name, FormatValue(params[name])))
	}
	return args
}

// FormatValue renders a parameter value the way it appears on a command line.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// TrialEnv returns the HPO_* variables describing a trial to the command.
func TrialEnv(job Job, function string) []string {
	env := []string{
		"HPO_TRIAL_ID=" + strconv.Itoa(job.Trial.ID),
		"HPO_TRIAL_DIR=" + job.Dir,
		"HPO_PARAMS_FILE=" + filepath.Join(job.Dir, ParamsFile),
		"HPO_RESULT_FILE=" + filepath.Join(job.Dir, ResultFile),
	}
	if function != "" {
		env = append(env, "HPO_FUNCTION="+function)
	}
	return env
}
