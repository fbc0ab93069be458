package models

import (
	"errors"
	"fmt"
)

var (
	ErrTrialNotFound     = errors.New("trial not found")
	ErrInvalidTransition = errors.New("invalid trial state transition")
	ErrRunCancelled      = errors.New("run cancelled")
	ErrTrialTerminal     = errors.New("trial already terminal")
)

// ConfigError reports an invalid configuration. It is fatal and surfaced
// before any trial is created.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports an optimizer proposal that cannot be projected
// onto the parameter space.
type ValidationError struct {
	Parameter string
	Value     any
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for parameter %s: %s", e.Value, e.Parameter, e.Reason)
}

// DispatchError means the backend cannot accept work right now. The trial
// stays pending and submission is retried with backoff.
type DispatchError struct {
	Backend string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s backend cannot accept work: %v", e.Backend, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ExecutionFailure describes a trial that exited nonzero, crashed or left
// an unparsable result.
type ExecutionFailure struct {
	TrialID  int
	ExitCode int
	Reason   string
	Err      error
}

func (e *ExecutionFailure) Error() string {
	msg := fmt.Sprintf("trial %d failed", e.TrialID)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// TimeoutExceeded is recorded on trials that outlived their deadline.
type TimeoutExceeded struct {
	TrialID int
	Limit   string
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("trial %d exceeded timeout %s", e.TrialID, e.Limit)
}

// LedgerCorruption reports an unreadable or inconsistent ledger. It aborts
// the process.
type LedgerCorruption struct {
	Path   string
	Line   int
	Reason string
	Err    error
}

func (e *LedgerCorruption) Error() string {
	msg := "ledger corruption"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerCorruption) Unwrap() error { return e.Err }

// IsDispatchError reports whether err carries a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsLedgerCorruption reports whether err carries a LedgerCorruption.
func IsLedgerCorruption(err error) bool {
	var lc *LedgerCorruption
	return errors.As(err, &lc)
}
