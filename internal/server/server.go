// Package server exposes a running optimization over HTTP and gRPC: run
// summary, trial listing and cancellation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aramoto99/new-aiaccel/internal/scheduler"
	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Run is the control surface of a scheduler.
type Run interface {
	Snapshot() scheduler.Snapshot
	CancelTrial(ctx context.Context, id int) error
	Cancel(ctx context.Context) error
}

// TrialSource reads trials from the ledger.
type TrialSource interface {
	Trials() []*models.Trial
	Get(id int) (*models.Trial, error)
}

// Summary is the wire form of a scheduler.Snapshot.
type Summary struct {
	RunID       string                    `json:"run_id"`
	Algorithm   string                    `json:"algorithm"`
	Goal        models.Goal               `json:"goal"`
	TrialNumber int                       `json:"trial_number"`
	Issued      int                       `json:"issued"`
	Counts      map[models.TrialState]int `json:"counts"`
	InFlight    []int                     `json:"in_flight"`
	Waiting     []int                     `json:"waiting"`
	Best        *models.Trial             `json:"best,omitempty"`
	StartedAt   string                    `json:"started_at,omitempty"`
	ETASeconds  float64                   `json:"eta_s"`
	Done        bool                      `json:"done"`
	Cancelled   bool                      `json:"cancelled"`
}

// NewSummary converts snap for the wire.
func NewSummary(snap scheduler.Snapshot) Summary {
	s := Summary{
		RunID:       snap.RunID,
		Algorithm:   snap.Algorithm,
		Goal:        snap.Goal,
		TrialNumber: snap.TrialNumber,
		Issued:      snap.Issued,
		Counts:      snap.Counts,
		InFlight:    snap.InFlight,
		Waiting:     snap.Waiting,
		Best:        snap.Best,
		ETASeconds:  snap.ETA.Seconds(),
		Done:        snap.Done,
		Cancelled:   snap.Cancelled,
	}
	if s.Counts == nil {
		s.Counts = map[models.TrialState]int{}
	}
	if s.InFlight == nil {
		s.InFlight = []int{}
	}
	if s.Waiting == nil {
		s.Waiting = []int{}
	}
	if !snap.StartedAt.IsZero() {
		s.StartedAt = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// filterTrials keeps trials in state (all when empty), newest last, and
// trims to the last limit entries when limit > 0.
func filterTrials(trials []*models.Trial, state string, limit int) ([]*models.Trial, error) {
	if state != "" && !models.TrialState(state).Valid() {
		return nil, fmt.Errorf("unknown trial state %q", state)
	}
	out := make([]*models.Trial, 0, len(trials))
	for _, t := range trials {
		if state == "" || string(t.State) == state {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrTrialNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTrialTerminal), errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, models.ErrTrialNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrTrialTerminal), errors.Is(err, scheduler.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
