package config

import (
	"fmt"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Config is the immutable run configuration. It is built once by
// LoadConfig/ParseConfigYAML and passed by pointer into each component.
type Config struct {
	Generic  Generic  `yaml:"generic"`
	Resource Resource `yaml:"resource"`
	Batch    *Batch   `yaml:"batch,omitempty"`
	Optimize Optimize `yaml:"optimize"`
}

// Generic holds workspace, command and runtime settings
type Generic struct {
	Workspace       string `yaml:"workspace"`
	JobCommand      string `yaml:"job_command,omitempty"`
	PythonFile      string `yaml:"python_file,omitempty"`
	Function        string `yaml:"function,omitempty"`
	BatchJobTimeout int    `yaml:"batch_job_timeout"` // seconds, 0 disables
	PollInterval    string `yaml:"poll_interval"`     // e.g. "1s"
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"` // text or json
	LedgerDSN       string `yaml:"ledger_dsn,omitempty"`
	CallbackURL     string `yaml:"callback_url,omitempty"`
}

// ResourceType selects the executor variant
type ResourceType string

const (
	ResourceLocal ResourceType = "local"
	ResourceBatch ResourceType = "batch"
)

// Resource is the discriminant of the executor union. NumWorkers belongs to
// the local variant only; the batch variant lives in Config.Batch.
type Resource struct {
	Type       ResourceType `yaml:"type"`
	NumWorkers *int         `yaml:"num_workers,omitempty"`
	Retry      *RetryPolicy `yaml:"retry,omitempty"`
}

// RetryPolicy controls re-running failed or timed out trials
type RetryPolicy struct {
	Enabled    bool   `yaml:"enabled"`
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"` // exponential, linear, constant
	BaseMs     int    `yaml:"base_ms"`
}

const defaultSubmitFailureThreshold = 3

// Batch configures submission to an SGE-style batch queue
type Batch struct {
	Group             string   `yaml:"group"`
	ScriptPreamble    string   `yaml:"script_preamble,omitempty"`
	PreamblePath      string   `yaml:"preamble_path,omitempty"`
	ExecutionOptions  []string `yaml:"execution_options,omitempty"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	PollInterval      string   `yaml:"poll_interval"`
	MaxPollErrors     int      `yaml:"max_poll_errors"`
	// Consecutive qsub failures before submissions pause for SubmitCooldown.
	// Unset means 3; an explicit 0 disables the pause.
	SubmitFailureThreshold *int   `yaml:"submit_failure_threshold,omitempty"`
	SubmitCooldown         string `yaml:"submit_cooldown"`
	SubmitCommand          string `yaml:"submit_command"`
	StatusCommand          string `yaml:"status_command"`
	CancelCommand          string `yaml:"cancel_command"`

	resolvedPreamble string
}

// Optimize describes the search
type Optimize struct {
	SearchAlgorithm string      `yaml:"search_algorithm"`
	Goal            models.Goal `yaml:"goal"`
	TrialNumber     int         `yaml:"trial_number"`
	RandSeed        int64       `yaml:"rand_seed"`
	GridPoints      int         `yaml:"grid_points,omitempty"`
	StepSize        float64     `yaml:"step_size,omitempty"`
	Parameters      []Parameter `yaml:"parameters"`
}

// Parameter is the YAML form of a models.ParameterSpec
type Parameter struct {
	Name     string    `yaml:"name"`
	Type     string    `yaml:"type"`
	Lower    *float64  `yaml:"lower,omitempty"`
	Upper    *float64  `yaml:"upper,omitempty"`
	Choices  []any     `yaml:"choices,omitempty"`
	Sequence []float64 `yaml:"sequence,omitempty"`
	Initial  any       `yaml:"initial,omitempty"`
	Log      bool      `yaml:"log,omitempty"`
}

// Command returns the shell command that evaluates one trial.
func (g *Generic) Command() string {
	if g.JobCommand != "" {
		return g.JobCommand
	}
	if g.PythonFile != "" {
		return "python3 " + g.PythonFile
	}
	return ""
}

// GetPollInterval parses the control-loop tick interval
func (g *Generic) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(g.PollInterval)
}

// GetTimeout returns the per-trial wall-clock limit, zero when disabled
func (g *Generic) GetTimeout() time.Duration {
	return time.Duration(g.BatchJobTimeout) * time.Second
}

// GetPollInterval parses the batch status polling interval
func (b *Batch) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(b.PollInterval)
}

// SubmitThreshold returns the submit breaker threshold, 0 when disabled
func (b *Batch) SubmitThreshold() int {
	if b.SubmitFailureThreshold == nil {
		return defaultSubmitFailureThreshold
	}
	return *b.SubmitFailureThreshold
}

// GetSubmitCooldown parses how long submissions pause once the submit
// breaker opens
func (b *Batch) GetSubmitCooldown() (time.Duration, error) {
	return time.ParseDuration(b.SubmitCooldown)
}

// Workers returns the number of concurrent execution slots of the selected variant.
func (c *Config) Workers() int {
	if c.Resource.Type == ResourceBatch && c.Batch != nil {
		return c.Batch.MaxConcurrentJobs
	}
	if c.Resource.NumWorkers != nil {
		return *c.Resource.NumWorkers
	}
	return 0
}

// Specs converts the YAML parameters into parameter specs.
func (o *Optimize) Specs() ([]models.ParameterSpec, error) {
	specs := make([]models.ParameterSpec, 0, len(o.Parameters))
	for i, p := range o.Parameters {
		typ, err := models.ParseParameterType(p.Type)
		if err != nil {
			return nil, &models.ConfigError{Field: fmt.Sprintf("optimize.parameters[%d]", i), Err: err}
		}
		spec := models.ParameterSpec{
			Name:     p.Name,
			Type:     typ,
			Sequence: append([]float64(nil), p.Sequence...),
			Initial:  p.Initial,
			Log:      p.Log,
		}
		if p.Lower != nil {
			spec.Lower = *p.Lower
		}
		if p.Upper != nil {
			spec.Upper = *p.Upper
		}
		for _, c := range p.Choices {
			spec.Choices = append(spec.Choices, fmt.Sprint(c))
		}
		if typ == models.ParameterTypeCategorical && p.Initial != nil {
			spec.Initial = fmt.Sprint(p.Initial)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Preamble returns the job-script preamble text, inline or read from
// preamble_path by LoadConfig.
func (b *Batch) Preamble() string {
	if b.ScriptPreamble != "" {
		return b.ScriptPreamble
	}
	return b.resolvedPreamble
}
