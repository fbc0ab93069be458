package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadObjectiveFormats(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		stdout  string
		want    float64
		wantErr bool
	}{
		{name: "bare number", result: "3.5", want: 3.5},
		{name: "objective key", result: `{"objective": -2}`, want: -2},
		{name: "result key", result: `{"result": 7, "extra": "x"}`, want: 7},
		{name: "no number", result: `{"objective": "high"}`, wantErr: true},
		{name: "invalid json", result: `{"objective":`, wantErr: true},
		{name: "stdout fallback", stdout: "epoch 1\nloss\n0.75\ndone\n", want: 0.75},
		{name: "nothing", stdout: "no numbers here\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.result != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ResultFile), []byte(tt.result), 0o644))
			}
			if tt.stdout != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, StdoutFile), []byte(tt.stdout), 0o644))
			}
			got, err := ReadObjective(dir, true)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadObjectiveRejectsNonFinite(t *testing.T) {
	tests := []struct {
		name   string
		result string
		stdout string
	}{
		{name: "stdout nan", stdout: "0.5\nnan\n"},
		{name: "stdout inf", stdout: "-Inf\n"},
		{name: "result overflow", result: `{"objective": 1e999}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.result != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ResultFile), []byte(tt.result), 0o644))
			}
			if tt.stdout != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, StdoutFile), []byte(tt.stdout), 0o644))
			}
			_, err := ReadObjective(dir, true)
			assert.ErrorIs(t, err, ErrNonFiniteObjective)
		})
	}

	failure := resultFailure(4, 0, fmt.Errorf("%w: NaN", ErrNonFiniteObjective))
	assert.Equal(t, "non-finite objective", failure.Reason)
	assert.Equal(t, "unparsable result", resultFailure(4, 0, ErrNoObjective).Reason)
}

func TestReadObjectiveWithoutStdoutFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StdoutFile), []byte("1.0\n"), 0o644))
	_, err := ReadObjective(dir, false)
	assert.ErrorIs(t, err, ErrNoObjective)
}

func TestPrepareTrialDirClearsStaleResult(t *testing.T) {
	ws := t.TempDir()
	trial := models.NewTrial(3, models.Assignment{"n": int64(2), "act": "relu"}, time.Now())
	dir, err := PrepareTrialDir(ws, trial)
	require.NoError(t, err)
	require.NoError(t, WriteResult(dir, 1))

	_, err = PrepareTrialDir(ws, trial)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, ResultFile))

	data, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 2, "act": "relu"}`, string(data))
}

func TestRenderJobScriptIsDeterministic(t *testing.T) {
	trial := models.NewTrial(7, models.Assignment{"b": 1.5, "a": "it's", "c": int64(3)}, time.Now())

	first, err := RenderJobScript("#$-l rt_F=1\n", "hpo-abc-7", "/work/trial-7", "python3 train.py", "main", trial)
	require.NoError(t, err)
	second, err := RenderJobScript("#$-l rt_F=1\n", "hpo-abc-7", "/work/trial-7", "python3 train.py", "main", trial)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, `#!/bin/bash
#$-l rt_F=1
#$ -N hpo-abc-7

cd /work/trial-7
export HPO_TRIAL_ID=7
export HPO_TRIAL_DIR=/work/trial-7
export HPO_PARAMS_FILE=/work/trial-7/params.json
export HPO_RESULT_FILE=/work/trial-7/result.json
export HPO_FUNCTION=main

python3 train.py '--a=it'\''s' --b=1.5 --c=3 > stdout.log 2>&1
echo $? > exit_code
`, first)

	_, err = RenderJobScript("", "bad name", "/w", "python3 x.py", "", trial)
	assert.Error(t, err)
	_, err = RenderJobScript("", "ok", "/w", " ", "", trial)
	assert.Error(t, err)
}

func TestLastNumericLine(t *testing.T) {
	v, ok := LastNumericLine([]byte("1\n2\n  3e-2  \nfoo\n"))
	assert.True(t, ok)
	assert.Equal(t, 0.03, v)

	_, ok = LastNumericLine(nil)
	assert.False(t, ok)
}
