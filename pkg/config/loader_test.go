package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localConfig = `
generic:
  workspace: ./work
  job_command: python user.py
  batch_job_timeout: 600
  poll_interval: 500ms
resource:
  type: local
  num_workers: 4
  retry:
    enabled: true
    max_retries: 2
optimize:
  search_algorithm: random
  goal: minimize
  trial_number: 30
  rand_seed: 42
  parameters:
    - {name: x1, type: uniform_float, lower: -5, upper: 5, initial: 0.0}
    - {name: n, type: int, lower: 1, upper: 8}
    - {name: act, type: categorical, choices: [relu, tanh], initial: tanh}
    - {name: lr, type: ordinal, sequence: [0.001, 0.01, 0.1]}
`

const batchConfig = `
generic:
  workspace: /scratch/work
  python_file: user.py
  function: main
resource:
  type: batch
batch:
  group: gaa50000
  script_preamble: "#$-l rt_C.small=1\n#$-j y"
  execution_options: ["-l h_rt=1:00:00"]
  max_concurrent_jobs: 8
optimize:
  goal: maximize
  trial_number: 10
  parameters:
    - {name: x, type: float, lower: 0, upper: 1}
`

func TestParseLocalConfig(t *testing.T) {
	cfg, err := ParseConfigYAMLString(localConfig)
	require.NoError(t, err)

	assert.Equal(t, ResourceLocal, cfg.Resource.Type)
	assert.Equal(t, 4, cfg.Workers())
	assert.Equal(t, "python user.py", cfg.Generic.Command())
	assert.Equal(t, 600*time.Second, cfg.Generic.GetTimeout())

	interval, err := cfg.Generic.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, interval)

	require.NotNil(t, cfg.Resource.Retry)
	assert.Equal(t, "exponential", cfg.Resource.Retry.Backoff, "default backoff")

	specs, err := cfg.Optimize.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 4)
	assert.Equal(t, models.ParameterTypeFloat, specs[0].Type)
	assert.Equal(t, models.ParameterTypeInt, specs[1].Type)
	assert.Equal(t, []string{"relu", "tanh"}, specs[2].Choices)
	assert.Equal(t, "tanh", specs[2].Initial)
	assert.Equal(t, []float64{0.001, 0.01, 0.1}, specs[3].Sequence)
}

func TestParseBatchConfigDefaults(t *testing.T) {
	cfg, err := ParseConfigYAMLString(batchConfig)
	require.NoError(t, err)

	require.NotNil(t, cfg.Batch)
	assert.Equal(t, 8, cfg.Workers())
	assert.Equal(t, "python3 user.py", cfg.Generic.Command())
	assert.Equal(t, "qsub", cfg.Batch.SubmitCommand)
	assert.Equal(t, "qstat", cfg.Batch.StatusCommand)
	assert.Equal(t, "qdel", cfg.Batch.CancelCommand)
	assert.Equal(t, 5, cfg.Batch.MaxPollErrors)
	assert.Equal(t, "#$-l rt_C.small=1\n#$-j y", cfg.Batch.Preamble())
	assert.Equal(t, "random", cfg.Optimize.SearchAlgorithm)
	assert.Equal(t, models.GoalMaximize, cfg.Optimize.Goal)

	interval, err := cfg.Batch.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, interval)

	assert.Nil(t, cfg.Batch.SubmitFailureThreshold)
	assert.Equal(t, 3, cfg.Batch.SubmitThreshold())
	cooldown, err := cfg.Batch.GetSubmitCooldown()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cooldown)
}

func TestValidateRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "batch block with local resource",
			yaml: `
generic: {job_command: run}
resource: {type: local, num_workers: 2}
batch: {group: g, max_concurrent_jobs: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "batch",
		},
		{
			name: "num_workers with batch resource",
			yaml: `
generic: {job_command: run}
resource: {type: batch, num_workers: 2}
batch: {group: g, max_concurrent_jobs: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "resource.num_workers",
		},
		{
			name: "batch resource without batch block",
			yaml: `
generic: {job_command: run}
resource: {type: batch}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "batch",
		},
		{
			name: "unknown resource type",
			yaml: `
generic: {job_command: run}
resource: {type: cloud}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "resource.type",
		},
		{
			name: "zero workers",
			yaml: `
generic: {job_command: run}
resource: {type: local, num_workers: 0}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "resource.num_workers",
		},
		{
			name: "missing command",
			yaml: `
resource: {type: local, num_workers: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "generic.job_command",
		},
		{
			name: "zero trial budget",
			yaml: `
generic: {job_command: run}
resource: {type: local, num_workers: 1}
optimize: {trial_number: 0, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "optimize.trial_number",
		},
		{
			name: "bad goal",
			yaml: `
generic: {job_command: run}
resource: {type: local, num_workers: 1}
optimize: {goal: sideways, trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "optimize.goal",
		},
		{
			name: "numeric parameter without bounds",
			yaml: `
generic: {job_command: run}
resource: {type: local, num_workers: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float}]}
`,
			field: "optimize.parameters[0]",
		},
		{
			name: "preamble given twice",
			yaml: `
generic: {job_command: run}
resource: {type: batch}
batch: {group: g, max_concurrent_jobs: 1, script_preamble: "#x", preamble_path: p.sh}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "batch.script_preamble",
		},
		{
			name: "bad submit cooldown",
			yaml: `
generic: {job_command: run}
resource: {type: batch}
batch: {group: g, max_concurrent_jobs: 1, submit_cooldown: later}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "batch.submit_cooldown",
		},
		{
			name: "bad poll interval",
			yaml: `
generic: {job_command: run, poll_interval: soon}
resource: {type: local, num_workers: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`,
			field: "generic.poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigYAMLString(tt.yaml)
			require.Error(t, err)
			var ce *models.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfigYAMLString(`
generic: {job_command: run, workspce: typo}
resource: {type: local, num_workers: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`)
	require.Error(t, err)
	assert.True(t, models.IsConfigError(err))

	_, err = ParseConfigYAMLString("")
	assert.True(t, models.IsConfigError(err))
}

func TestLoadConfigResolvesPreamblePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preamble.sh"), []byte("#$-l rt_F=1\n#$-cwd\n"), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
generic: {job_command: run}
resource: {type: batch}
batch: {group: g, max_concurrent_jobs: 2, preamble_path: preamble.sh}
optimize: {trial_number: 3, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "#$-l rt_F=1\n#$-cwd", cfg.Batch.Preamble())

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMakesWorkspaceAbsolute(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
generic: {job_command: run, workspace: ./runs/exp1}
resource: {type: local, num_workers: 1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.Generic.Workspace))
	assert.Equal(t, filepath.Join(cwd, "runs", "exp1"), cfg.Generic.Workspace)
}

func TestSubmitFailureThreshold(t *testing.T) {
	tests := []struct {
		name  string
		batch string
		want  int
	}{
		{"unset", "{group: g, max_concurrent_jobs: 1}", 3},
		{"explicit zero disables", "{group: g, max_concurrent_jobs: 1, submit_failure_threshold: 0}", 0},
		{"explicit", "{group: g, max_concurrent_jobs: 1, submit_failure_threshold: 7}", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfigYAMLString(`
generic: {job_command: run}
resource: {type: batch}
batch: ` + tt.batch + `
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Batch.SubmitThreshold())
		})
	}

	_, err := ParseConfigYAMLString(`
generic: {job_command: run}
resource: {type: batch}
batch: {group: g, max_concurrent_jobs: 1, submit_failure_threshold: -1}
optimize: {trial_number: 1, parameters: [{name: x, type: float, lower: 0, upper: 1}]}
`)
	var cerr *models.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "batch.submit_failure_threshold", cerr.Field)
}
