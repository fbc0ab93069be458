package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// JobState is a queue state as reported by the status command.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobError   JobState = "error"
)

// BatchClient talks to the batch scheduler. Status lists every job the
// scheduler still knows about; jobs missing from the listing have left the
// queue.
type BatchClient interface {
	Submit(ctx context.Context, scriptPath, jobName, workDir string) (string, error)
	Status(ctx context.Context) (map[string]JobState, error)
	Cancel(ctx context.Context, jobID string) error
}

// CommandClient drives qsub, qstat and qdel.
type CommandClient struct {
	SubmitCommand string
	StatusCommand string
	CancelCommand string
	Group         string
	Options       []string
}

var (
	sgeSubmitted = regexp.MustCompile(`[Yy]our job(?:-array)? (\d+)`)
	firstJobID   = regexp.MustCompile(`^\s*(\d+)(?:\.\S+)?\s*$`)
)

func (c *CommandClient) Submit(ctx context.Context, scriptPath, jobName, workDir string) (string, error) {
	argv := strings.Fields(c.SubmitCommand)
	if c.Group != "" {
		argv = append(argv, "-g", c.Group)
	}
	for _, opt := range c.Options {
		argv = append(argv, strings.Fields(opt)...)
	}
	argv = append(argv, "-N", jobName, scriptPath)

	out, err := c.exec(ctx, workDir, argv)
	if err != nil {
		return "", err
	}
	id, err := ParseSubmitOutput(out)
	if err != nil {
		return "", fmt.Errorf("%s: %w", argv[0], err)
	}
	return id, nil
}

func (c *CommandClient) Status(ctx context.Context) (map[string]JobState, error) {
	out, err := c.exec(ctx, "", strings.Fields(c.StatusCommand))
	if err != nil {
		return nil, err
	}
	return ParseStatusOutput(out), nil
}

func (c *CommandClient) Cancel(ctx context.Context, jobID string) error {
	argv := append(strings.Fields(c.CancelCommand), jobID)
	_, err := c.exec(ctx, "", argv)
	return err
}

func (c *CommandClient) exec(ctx context.Context, dir string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty batch command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseSubmitOutput extracts the job id from qsub output, either the SGE
// sentence "Your job 123 (...) has been submitted" or a bare id such as
// "123" or "123.pbs1".
func ParseSubmitOutput(out []byte) (string, error) {
	if m := sgeSubmitted.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	if m := firstJobID.FindSubmatch(bytes.TrimSpace(out)); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("cannot find job id in %q", strings.TrimSpace(string(out)))
}

// ParseStatusOutput parses an SGE qstat listing:
//
//	job-ID  prior   name  user  state submit/start at     queue  slots ja-task-ID
//	-----------------------------------------------------------------------------
//	123     0.25586 hpo-1 alice r     01/01/2024 00:00:00 gpu@n1 1
//
// States containing E map to error, r/t/R/s to running, anything else
// (qw, hqw, h) to queued.
func ParseStatusOutput(out []byte) map[string]JobState {
	states := make(map[string]JobState)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !isDigits(fields[0]) {
			continue
		}
		states[fields[0]] = classifyState(fields[4])
	}
	return states
}

func classifyState(code string) JobState {
	switch {
	case strings.Contains(code, "E"):
		return JobError
	case strings.ContainsAny(code, "rtRs"):
		return JobRunning
	default:
		return JobQueued
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
