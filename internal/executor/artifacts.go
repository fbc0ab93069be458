package executor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aramoto99/new-aiaccel/pkg/models"
)

// Artifact file names inside a trial directory.
const (
	ParamsFile   = "params.json"
	ResultFile   = "result.json"
	StdoutFile   = "stdout.log"
	JobScript    = "job.sh"
	ExitCodeFile = "exit_code"
)

var (
	// ErrNoObjective means neither the result artifact nor stdout held a value.
	ErrNoObjective = errors.New("no objective value reported")
	// ErrNonFiniteObjective means the reported objective was NaN or infinite.
	ErrNonFiniteObjective = errors.New("non-finite objective")
)

// TrialDir returns workspace/trial-<id>.
func TrialDir(workspace string, id int) string {
	return filepath.Join(workspace, fmt.Sprintf("trial-%d", id))
}

// PrepareTrialDir creates the trial directory and writes params.json.
func PrepareTrialDir(workspace string, t *models.Trial) (string, error) {
	dir := TrialDir(workspace, t.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create trial dir: %w", err)
	}
	data, err := json.MarshalIndent(t.Params, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ParamsFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write params: %w", err)
	}
	// a stale result from an earlier attempt must not be picked up
	_ = os.Remove(filepath.Join(dir, ResultFile))
	return dir, nil
}

// WriteResult writes {"objective": v} to dir/result.json.
func WriteResult(dir string, v float64) error {
	data, err := json.Marshal(map[string]float64{"objective": v})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ResultFile), data, 0o644)
}

// ReadObjective reads the objective of a completed trial. It accepts
// result.json holding a bare number, {"objective": x} or {"result": x}.
// With stdoutFallback set and no result.json, the last numeric line of
// stdout.log is used. NaN and infinities are rejected with
// ErrNonFiniteObjective.
func ReadObjective(dir string, stdoutFallback bool) (float64, error) {
	v, err := readObjective(dir, stdoutFallback)
	if err != nil {
		return 0, err
	}
	if err := CheckFinite(v); err != nil {
		return 0, err
	}
	return v, nil
}

func readObjective(dir string, stdoutFallback bool) (float64, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	switch {
	case err == nil:
		return parseResult(data)
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("read result: %w", err)
	}

	if stdoutFallback {
		out, err := os.ReadFile(filepath.Join(dir, StdoutFile))
		if err == nil {
			if v, ok := LastNumericLine(out); ok {
				return v, nil
			}
		}
	}
	return 0, ErrNoObjective
}

// CheckFinite returns ErrNonFiniteObjective for NaN and infinities.
func CheckFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", ErrNonFiniteObjective, v)
	}
	return nil
}

// resultFailure describes a trial whose objective could not be used.
func resultFailure(trialID, code int, err error) *models.ExecutionFailure {
	reason := "unparsable result"
	if errors.Is(err, ErrNonFiniteObjective) {
		reason = "non-finite objective"
	}
	return &models.ExecutionFailure{TrialID: trialID, ExitCode: code, Reason: reason, Err: err}
}

func parseResult(data []byte) (float64, error) {
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("result.json is not valid JSON")
	}
	res := gjson.ParseBytes(data)
	if res.Type != gjson.Number {
		res = res.Get("objective")
		if !res.Exists() {
			res = gjson.GetBytes(data, "result")
		}
	}
	if res.Type != gjson.Number {
		return 0, fmt.Errorf("result.json holds no numeric objective")
	}
	return res.Float(), nil
}

// LastNumericLine returns the last line of out that parses as a number,
// "nan" and "inf" included so a diverging objective is not masked by an
// earlier line.
func LastNumericLine(out []byte) (float64, bool) {
	var (
		last  float64
		found bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if v, err := strconv.ParseFloat(strings.TrimSpace(sc.Text()), 64); err == nil {
			last, found = v, true
		}
	}
	return last, found
}

// ReadExitCode reads the exit_code file written by a batch job script.
func ReadExitCode(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ExitCodeFile))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}
