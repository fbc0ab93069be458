package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// LoadConfig loads and parses a configuration file. The workspace is made
// absolute against the working directory, since jobs run inside their trial
// directories. A batch preamble_path is resolved relative to the config file
// and read once here.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	ws, err := filepath.Abs(cfg.Generic.Workspace)
	if err != nil {
		return nil, &models.ConfigError{Field: "generic.workspace", Reason: "cannot resolve path", Err: err}
	}
	cfg.Generic.Workspace = ws

	if b := cfg.Batch; b != nil && b.PreamblePath != "" {
		preamblePath := b.PreamblePath
		if !filepath.IsAbs(preamblePath) {
			preamblePath = filepath.Join(filepath.Dir(path), preamblePath)
		}
		text, err := os.ReadFile(preamblePath)
		if err != nil {
			return nil, &models.ConfigError{Field: "batch.preamble_path", Reason: "cannot read preamble", Err: err}
		}
		b.resolvedPreamble = strings.TrimRight(string(text), "\n")
	}
	return cfg, nil
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.Generic.LogLevel] {
		return models.NewConfigError("generic.log_level", "invalid log_level: %s (must be debug, info, warn, or error)", cfg.Generic.LogLevel)
	}
	if cfg.Generic.LogFormat != "text" && cfg.Generic.LogFormat != "json" {
		return models.NewConfigError("generic.log_format", "must be text or json, got %s", cfg.Generic.LogFormat)
	}

	if err := validateGeneric(&cfg.Generic); err != nil {
		return err
	}
	if err := validateResource(cfg); err != nil {
		return err
	}
	if err := validateOptimize(&cfg.Optimize); err != nil {
		return err
	}
	return nil
}

// validateGeneric validates the workspace and command settings
func validateGeneric(g *Generic) error {
	if g.JobCommand == "" && g.PythonFile == "" {
		return models.NewConfigError("generic.job_command", "one of job_command or python_file is required")
	}
	if g.JobCommand != "" && g.PythonFile != "" {
		return models.NewConfigError("generic.job_command", "job_command and python_file are mutually exclusive")
	}
	if g.Function != "" && g.PythonFile == "" {
		return models.NewConfigError("generic.function", "function requires python_file")
	}
	if g.BatchJobTimeout < 0 {
		return models.NewConfigError("generic.batch_job_timeout", "cannot be negative, got %d", g.BatchJobTimeout)
	}
	interval, err := g.GetPollInterval()
	if err != nil {
		return &models.ConfigError{Field: "generic.poll_interval", Reason: "invalid duration " + g.PollInterval, Err: err}
	}
	if interval <= 0 {
		return models.NewConfigError("generic.poll_interval", "must be positive, got %s", g.PollInterval)
	}
	return nil
}

// validateResource checks the resource discriminant and rejects fields that
// belong to the variant that was not selected.
func validateResource(cfg *Config) error {
	r := &cfg.Resource
	switch r.Type {
	case ResourceLocal:
		if cfg.Batch != nil {
			return models.NewConfigError("batch", "batch block given but resource.type is local")
		}
		if r.NumWorkers == nil {
			return models.NewConfigError("resource.num_workers", "required for resource.type local")
		}
		if *r.NumWorkers <= 0 {
			return models.NewConfigError("resource.num_workers", "must be positive, got %d", *r.NumWorkers)
		}
	case ResourceBatch:
		if r.NumWorkers != nil {
			return models.NewConfigError("resource.num_workers", "not allowed for resource.type batch (use batch.max_concurrent_jobs)")
		}
		if cfg.Batch == nil {
			return models.NewConfigError("batch", "required for resource.type batch")
		}
		if err := validateBatch(cfg.Batch); err != nil {
			return err
		}
	case "":
		return models.NewConfigError("resource.type", "required (local or batch)")
	default:
		return models.NewConfigError("resource.type", "invalid type %s (must be local or batch)", r.Type)
	}

	if p := r.Retry; p != nil {
		if p.MaxRetries < 0 {
			return models.NewConfigError("resource.retry.max_retries", "cannot be negative, got %d", p.MaxRetries)
		}
		validBackoffs := map[string]bool{
			"exponential": true,
			"linear":      true,
			"constant":    true,
		}
		if !validBackoffs[p.Backoff] {
			return models.NewConfigError("resource.retry.backoff", "invalid backoff type: %s (must be exponential, linear, or constant)", p.Backoff)
		}
		if p.BaseMs < 0 {
			return models.NewConfigError("resource.retry.base_ms", "cannot be negative, got %d", p.BaseMs)
		}
	}
	return nil
}

// validateBatch validates the batch-queue block
func validateBatch(b *Batch) error {
	if b.Group == "" {
		return models.NewConfigError("batch.group", "cannot be empty")
	}
	if b.ScriptPreamble != "" && b.PreamblePath != "" {
		return models.NewConfigError("batch.script_preamble", "script_preamble and preamble_path are mutually exclusive")
	}
	if b.MaxConcurrentJobs <= 0 {
		return models.NewConfigError("batch.max_concurrent_jobs", "must be positive, got %d", b.MaxConcurrentJobs)
	}
	if b.MaxPollErrors < 0 {
		return models.NewConfigError("batch.max_poll_errors", "cannot be negative, got %d", b.MaxPollErrors)
	}
	interval, err := b.GetPollInterval()
	if err != nil {
		return &models.ConfigError{Field: "batch.poll_interval", Reason: "invalid duration " + b.PollInterval, Err: err}
	}
	if interval <= 0 {
		return models.NewConfigError("batch.poll_interval", "must be positive, got %s", b.PollInterval)
	}
	if b.SubmitThreshold() < 0 {
		return models.NewConfigError("batch.submit_failure_threshold", "cannot be negative, got %d", b.SubmitThreshold())
	}
	cooldown, err := b.GetSubmitCooldown()
	if err != nil {
		return &models.ConfigError{Field: "batch.submit_cooldown", Reason: "invalid duration " + b.SubmitCooldown, Err: err}
	}
	if cooldown <= 0 {
		return models.NewConfigError("batch.submit_cooldown", "must be positive, got %s", b.SubmitCooldown)
	}
	for i, opt := range b.ExecutionOptions {
		if strings.ContainsAny(opt, "\n\r") {
			return models.NewConfigError(fmt.Sprintf("batch.execution_options[%d]", i), "must be a single line")
		}
	}
	return nil
}

// validateOptimize validates the search settings. Parameter semantics
// (bounds, initial values) are checked by the parameter space.
func validateOptimize(o *Optimize) error {
	if !o.Goal.Valid() {
		return models.NewConfigError("optimize.goal", "must be minimize or maximize, got %s", o.Goal)
	}
	if o.TrialNumber <= 0 {
		return models.NewConfigError("optimize.trial_number", "must be positive, got %d", o.TrialNumber)
	}
	if o.GridPoints < 2 {
		return models.NewConfigError("optimize.grid_points", "must be at least 2, got %d", o.GridPoints)
	}
	if o.StepSize < 0 {
		return models.NewConfigError("optimize.step_size", "cannot be negative, got %g", o.StepSize)
	}
	if len(o.Parameters) == 0 {
		return models.NewConfigError("optimize.parameters", "at least one parameter must be defined")
	}
	for i, p := range o.Parameters {
		if p.Name == "" {
			return models.NewConfigError(fmt.Sprintf("optimize.parameters[%d].name", i), "cannot be empty")
		}
		typ, err := models.ParseParameterType(p.Type)
		if err != nil {
			return &models.ConfigError{Field: fmt.Sprintf("optimize.parameters[%d].type", i), Err: err}
		}
		if typ.IsNumeric() && (p.Lower == nil || p.Upper == nil) {
			return models.NewConfigError(fmt.Sprintf("optimize.parameters[%d]", i), "%s requires lower and upper", p.Name)
		}
	}
	return nil
}
