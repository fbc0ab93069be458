// Package notify posts a run summary to generic.callback_url when a run
// ends.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/logger"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// ErrInvalidURL is returned for callback URLs that are not absolute http(s)
// URLs.
var ErrInvalidURL = errors.New("invalid callback URL")

// Run statuses reported in Payload.Status.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Payload is the JSON body posted to the callback URL.
type Payload struct {
	RunID         string                    `json:"run_id"`
	Status        string                    `json:"status"`
	Goal          models.Goal               `json:"goal"`
	TrialNumber   int                       `json:"trial_number"`
	Issued        int                       `json:"issued"`
	Counts        map[models.TrialState]int `json:"counts"`
	BestTrialID   *int                      `json:"best_trial_id,omitempty"`
	BestObjective *float64                  `json:"best_objective,omitempty"`
	BestParams    models.Assignment         `json:"best_params,omitempty"`
	DurationMs    int64                     `json:"duration_ms"`
	Error         string                    `json:"error,omitempty"`
	Timestamp     int64                     `json:"timestamp"` // when the notification was sent
}

// SetBest copies the best trial into p. A nil trial leaves p unchanged.
func (p *Payload) SetBest(best *models.Trial) {
	if best == nil || best.Objective == nil {
		return
	}
	id := best.ID
	v := *best.Objective
	p.BestTrialID = &id
	p.BestObjective = &v
	p.BestParams = best.Params.Clone()
}

// Notifier sends run notifications with retries.
type Notifier struct {
	httpClient *http.Client
	maxRetries int
	backoff    utils.BackoffStrategy
	secret     string
	log        *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetries sets the retry count and the delay between attempts.
func WithRetries(maxRetries int, backoff utils.BackoffStrategy) Option {
	return func(n *Notifier) {
		n.maxRetries = maxRetries
		n.backoff = backoff
	}
}

// WithSecret sends secret in the X-HPO-Callback-Secret header.
func WithSecret(secret string) Option {
	return func(n *Notifier) { n.secret = secret }
}

// NewNotifier creates a notifier with a 10s client timeout and three
// retries with exponential backoff from one second.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    utils.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, false),
		log:        logger.Component("notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ValidateCallbackURL checks that raw is an absolute http or https URL.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(strings.ReplaceAll(raw, "{run_id}", "run"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Send posts payload to callbackURL, replacing {run_id}, and retries on
// transport errors and non-2xx answers. It blocks until an attempt succeeds,
// retries are exhausted or ctx is done.
func (n *Notifier) Send(ctx context.Context, callbackURL string, payload Payload) error {
	if callbackURL == "" {
		return nil
	}
	if err := ValidateCallbackURL(callbackURL); err != nil {
		return err
	}
	finalURL := strings.ReplaceAll(callbackURL, "{run_id}", url.PathEscape(payload.RunID))

	payload.Timestamp = time.Now().UTC().UnixMilli()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.backoff.NextDelay(attempt - 1)
			n.log.Debug("retrying notification", "callback_url", finalURL, "run_id", payload.RunID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = n.post(ctx, finalURL, body)
		if lastErr == nil {
			n.log.Info("notification sent", "run_id", payload.RunID, "status", payload.Status)
			return nil
		}
		n.log.Warn("notification attempt failed", "callback_url", finalURL, "run_id", payload.RunID, "attempt", attempt+1, "error", lastErr)
	}

	n.log.Error("failed to send notification after retries",
		"callback_url", finalURL,
		"run_id", payload.RunID,
		"max_retries", n.maxRetries,
		"last_error", lastErr)
	return fmt.Errorf("notify %s: %w", finalURL, lastErr)
}

func (n *Notifier) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hpo/1.0")
	if n.secret != "" {
		req.Header.Set("X-HPO-Callback-Secret", n.secret)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 201))
	msg := string(data)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, msg)
}
