package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"gopkg.in/yaml.v3"
)

// ParseConfigYAML parses a Config from YAML bytes, applies defaults and
// validates it. Unknown keys are rejected so that misspelled or misplaced
// fields are not silently ignored. Validation failures are *models.ConfigError.
func ParseConfigYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &models.ConfigError{Reason: "config is empty"}
		}
		return nil, &models.ConfigError{Reason: "failed to parse config yaml", Err: err}
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

func applyDefaults(cfg *Config) {
	g := &cfg.Generic
	if g.Workspace == "" {
		g.Workspace = "./work"
	}
	if g.PollInterval == "" {
		g.PollInterval = "1s"
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.LogFormat == "" {
		g.LogFormat = "text"
	}

	if r := cfg.Resource.Retry; r != nil && r.Backoff == "" {
		r.Backoff = "exponential"
	}

	if b := cfg.Batch; b != nil {
		if b.PollInterval == "" {
			b.PollInterval = "10s"
		}
		if b.MaxPollErrors == 0 {
			b.MaxPollErrors = 5
		}
		if b.SubmitCooldown == "" {
			b.SubmitCooldown = "1m"
		}
		if b.SubmitCommand == "" {
			b.SubmitCommand = "qsub"
		}
		if b.StatusCommand == "" {
			b.StatusCommand = "qstat"
		}
		if b.CancelCommand == "" {
			b.CancelCommand = "qdel"
		}
	}

	o := &cfg.Optimize
	if o.SearchAlgorithm == "" {
		o.SearchAlgorithm = "random"
	}
	if o.Goal == "" {
		o.Goal = models.GoalMinimize
	}
	if o.GridPoints == 0 {
		o.GridPoints = 5
	}
}
