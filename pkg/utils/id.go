package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRunID generates a run ID with a timestamp prefix
func GenerateRunID() string {
	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("run-%s-%s", timestamp, strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// JobName builds the batch job name for a trial, e.g. "hpo-3f2a9c1b-12".
func JobName(runID string, trialID int) string {
	short := runID
	if i := strings.LastIndex(runID, "-"); i >= 0 && i+1 < len(runID) {
		short = runID[i+1:]
	}
	return fmt.Sprintf("hpo-%s-%d", short, trialID)
}
