package scheduler

import (
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/config"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// RetryPolicy decides whether a failed or timed out trial is re-issued under
// a new id.
type RetryPolicy struct {
	enabled    bool
	maxRetries int
	backoff    utils.BackoffStrategy
}

// NewRetryPolicyFromConfig creates a retry policy from config. A nil block
// disables retries.
func NewRetryPolicyFromConfig(cfg *config.RetryPolicy) *RetryPolicy {
	if cfg == nil {
		return &RetryPolicy{}
	}
	return NewRetryPolicy(cfg.Enabled, cfg.MaxRetries, cfg.Backoff, cfg.BaseMs)
}

// NewRetryPolicy creates a retry policy with explicit parameters
func NewRetryPolicy(enabled bool, maxRetries int, backoff string, baseMs int) *RetryPolicy {
	return &RetryPolicy{
		enabled:    enabled,
		maxRetries: maxRetries,
		backoff:    utils.BackoffFromConfig(backoff, baseMs, 0),
	}
}

func (p *RetryPolicy) Enabled() bool {
	return p.enabled
}

// ShouldRetry reports whether t gets another attempt. Only failed and timed
// out trials are retried, and only while their chain of retries is shorter
// than the limit.
func (p *RetryPolicy) ShouldRetry(t *models.Trial) bool {
	if !p.enabled {
		return false
	}
	if t.State != models.TrialStateFailed && t.State != models.TrialStateTimedOut {
		return false
	}
	return t.RetryCount < p.maxRetries
}

// GetBackoffDuration returns the wait before retry number attempt (1-based).
func (p *RetryPolicy) GetBackoffDuration(attempt int) time.Duration {
	if !p.enabled || attempt <= 0 || p.backoff == nil {
		return 0
	}
	return p.backoff.NextDelay(attempt - 1)
}

func (p *RetryPolicy) GetMaxRetries() int {
	return p.maxRetries
}
