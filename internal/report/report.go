// Package report writes the end-of-run artifacts into the workspace:
// final_result.yaml with the best trial and results.csv with every trial.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aramoto99/new-aiaccel/internal/executor"
	"github.com/aramoto99/new-aiaccel/internal/metrics"
	"github.com/aramoto99/new-aiaccel/pkg/models"
)

const (
	FinalResultFile = "final_result.yaml"
	ResultsFile     = "results.csv"
)

// Summary is the content of final_result.yaml.
type Summary struct {
	RunID     string                    `yaml:"run_id"`
	Goal      models.Goal               `yaml:"goal"`
	Total     int                       `yaml:"trial_number"`
	Issued    int                       `yaml:"issued"`
	Cancelled bool                      `yaml:"cancelled"`
	Duration  string                    `yaml:"duration"`
	Counts    map[models.TrialState]int `yaml:"counts"`
	Best      *BestTrial                `yaml:"best"`
	// Stats is keyed by metric name, e.g. trial_duration_s.
	Stats map[string]*metrics.Aggregation `yaml:"stats,omitempty"`
}

// BestTrial is the best finished trial with its parameters in space order.
type BestTrial struct {
	TrialID    int         `yaml:"trial_id"`
	Objective  float64     `yaml:"objective"`
	Parameters []Parameter `yaml:"parameters"`
}

// Parameter is one named value of the best assignment.
type Parameter struct {
	Name  string               `yaml:"name"`
	Type  models.ParameterType `yaml:"type"`
	Value any                  `yaml:"value"`
}

// NewSummary builds the summary of a run. best may be nil.
func NewSummary(runID string, goal models.Goal, total, issued int, cancelled bool, d time.Duration,
	counts map[models.TrialState]int, best *models.Trial, specs []models.ParameterSpec) *Summary {
	s := &Summary{
		RunID:     runID,
		Goal:      goal,
		Total:     total,
		Issued:    issued,
		Cancelled: cancelled,
		Duration:  d.Round(time.Millisecond).String(),
		Counts:    make(map[models.TrialState]int),
	}
	for _, st := range models.TerminalStates {
		s.Counts[st] = counts[st]
	}
	if best != nil && best.Objective != nil {
		b := &BestTrial{TrialID: best.ID, Objective: *best.Objective}
		for _, spec := range specs {
			b.Parameters = append(b.Parameters, Parameter{Name: spec.Name, Type: spec.Type, Value: best.Params[spec.Name]})
		}
		s.Best = b
	}
	return s
}

// WriteFinalResult writes s to workspace/final_result.yaml.
func WriteFinalResult(workspace string, s *Summary) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode final result: %w", err)
	}
	path := filepath.Join(workspace, FinalResultFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write final result: %w", err)
	}
	return path, nil
}

// ReadFinalResult loads a summary written by WriteFinalResult.
func ReadFinalResult(workspace string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(workspace, FinalResultFile))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode final result: %w", err)
	}
	return &s, nil
}

// WriteResults writes one CSV row per trial, ordered as given, to
// workspace/results.csv. Parameter columns follow specs.
func WriteResults(workspace string, specs []models.ParameterSpec, trials []*models.Trial) (string, error) {
	path := filepath.Join(workspace, ResultsFile)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create results: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"trial_id", "state"}
	for _, spec := range specs {
		header = append(header, spec.Name)
	}
	header = append(header, "objective", "started_at", "ended_at", "duration_s", "retry_of", "error")
	if err := w.Write(header); err != nil {
		return "", err
	}

	for _, t := range trials {
		row := []string{strconv.Itoa(t.ID), string(t.State)}
		for _, spec := range specs {
			v, ok := t.Params[spec.Name]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, executor.FormatValue(v))
		}
		objective := ""
		if t.Objective != nil {
			objective = strconv.FormatFloat(*t.Objective, 'g', -1, 64)
		}
		retryOf := ""
		if t.OriginID != nil {
			retryOf = strconv.Itoa(*t.OriginID)
		}
		row = append(row,
			objective,
			formatTime(t.StartedAt),
			formatTime(t.EndedAt),
			strconv.FormatFloat(t.Duration().Seconds(), 'f', 3, 64),
			retryOf,
			t.Error,
		)
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	return path, f.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
