package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aramoto99/new-aiaccel/internal/ledger"
	"github.com/aramoto99/new-aiaccel/internal/report"
	"github.com/aramoto99/new-aiaccel/pkg/models"
)

const objectiveScript = `#!/bin/sh
echo "evaluating $*"
echo 0.5
`

// writeConfig creates a workspace, an objective script printing 0.5 and a
// config running it on two local workers.
func writeConfig(t *testing.T, trials int) (cfgPath, ws string) {
	t.Helper()
	dir := t.TempDir()
	ws = filepath.Join(dir, "work")
	script := filepath.Join(dir, "objective.sh")
	require.NoError(t, os.WriteFile(script, []byte(objectiveScript), 0o755))

	cfg := fmt.Sprintf(`
generic:
  workspace: %s
  job_command: sh %s
  poll_interval: 10ms
  log_level: warn
resource:
  type: local
  num_workers: 2
optimize:
  search_algorithm: random
  goal: minimize
  trial_number: %d
  rand_seed: 7
  parameters:
    - {name: x, type: uniform_float, lower: -1, upper: 1}
    - {name: act, type: categorical, choices: [relu, tanh]}
`, ws, script, trials)
	cfgPath = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, ws
}

func runCLI(args ...string) (int, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String() + stderr.String()
}

func TestRunWritesReports(t *testing.T) {
	cfg, ws := writeConfig(t, 4)

	code, out := runCLI("run", "-c", cfg)
	require.Equal(t, exitOK, code, out)

	summary, err := report.ReadFinalResult(ws)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Counts[models.TrialStateFinished])
	require.NotNil(t, summary.Best)
	assert.Equal(t, 0.5, summary.Best.Objective)
	require.Contains(t, summary.Stats, "trial_duration_s")
	assert.Equal(t, int64(4), summary.Stats["trial_duration_s"].Count)
	assert.FileExists(t, filepath.Join(ws, report.ResultsFile))
	assert.DirExists(t, filepath.Join(ws, "trial-3"))
}

func TestRunRefusesExistingWorkspace(t *testing.T) {
	cfg, ws := writeConfig(t, 2)
	code, out := runCLI("run", "-c", cfg)
	require.Equal(t, exitOK, code, out)

	code, out = runCLI("run", "-c", cfg)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, out, "use resume or --clean")

	code, out = runCLI("resume", "-c", cfg)
	assert.Equal(t, exitOK, code, out)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "notes.txt"), []byte("keep"), 0o644))
	code, out = runCLI("run", "-c", cfg, "--clean")
	require.Equal(t, exitOK, code, out)
	assert.FileExists(t, filepath.Join(ws, "notes.txt"))

	summary, err := report.ReadFinalResult(ws)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Issued, "the cleaned run starts from trial 0")
}

func TestCleanKeepsRunWhenSearchIsInvalid(t *testing.T) {
	for name, edit := range map[string][2]string{
		"unknown algorithm": {"search_algorithm: random", "search_algorithm: annealing"},
		"inverted bounds":   {"lower: -1, upper: 1", "lower: 1, upper: -1"},
	} {
		t.Run(name, func(t *testing.T) {
			cfg, ws := writeConfig(t, 2)
			code, out := runCLI("run", "-c", cfg)
			require.Equal(t, exitOK, code, out)

			raw, err := os.ReadFile(cfg)
			require.NoError(t, err)
			require.Contains(t, string(raw), edit[0])
			broken := strings.Replace(string(raw), edit[0], edit[1], 1)
			require.NoError(t, os.WriteFile(cfg, []byte(broken), 0o644))

			code, out = runCLI("run", "-c", cfg, "--clean")
			assert.Equal(t, exitConfig, code, out)

			summary, err := report.ReadFinalResult(ws)
			require.NoError(t, err, "the previous run survives a rejected --clean")
			assert.Equal(t, 2, summary.Total)
			exists, err := ledger.Exists(ws, "")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestResumeRequiresRun(t *testing.T) {
	cfg, _ := writeConfig(t, 2)
	code, out := runCLI("resume", "-c", cfg)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, out, "holds no run to resume")
}

func TestCorruptLedgerExitCode(t *testing.T) {
	cfg, ws := writeConfig(t, 2)
	dir := ledger.Dir(ws)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte(`{"run_id":"run-x","trial_number":2}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trials.jsonl"), []byte("{not json\n"), 0o644))

	code, out := runCLI("resume", "-c", cfg)
	assert.Equal(t, exitLedger, code, out)
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitConfig},
		{"unknown command", []string{"launch"}, exitConfig},
		{"missing config", []string{"run"}, exitConfig},
		{"clean on resume", []string{"resume", "-c", "x.yaml", "--clean"}, exitConfig},
		{"unreadable config", []string{"run", "-c", "/nonexistent/config.yaml"}, exitConfig},
		{"help", []string{"help"}, exitOK},
		{"run help", []string{"run", "-h"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := runCLI(tt.args...)
			assert.Equal(t, tt.want, code, out)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(models.NewConfigError("optimize", "bad")))
	assert.Equal(t, exitLedger, exitCode(fmt.Errorf("open: %w", &models.LedgerCorruption{Path: "x"})))
	assert.Equal(t, exitFatal, exitCode(errors.New("boom")))
}
