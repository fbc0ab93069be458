package scheduler

import (
	"sort"
	"time"
)

// TimeoutMonitor tracks a wall-clock deadline per running trial. It is
// owned by the control loop and not safe for concurrent use.
type TimeoutMonitor struct {
	limit    time.Duration
	deadline map[int]time.Time
}

// NewTimeoutMonitor creates a monitor; a non-positive limit disables it.
func NewTimeoutMonitor(limit time.Duration) *TimeoutMonitor {
	return &TimeoutMonitor{limit: limit, deadline: make(map[int]time.Time)}
}

// Limit returns the per-trial limit.
func (m *TimeoutMonitor) Limit() time.Duration {
	return m.limit
}

// Start begins timing trialID from startedAt. Starting a trial twice keeps
// the first deadline.
func (m *TimeoutMonitor) Start(trialID int, startedAt time.Time) {
	if m.limit <= 0 {
		return
	}
	if _, ok := m.deadline[trialID]; ok {
		return
	}
	m.deadline[trialID] = startedAt.Add(m.limit)
}

// Stop forgets trialID.
func (m *TimeoutMonitor) Stop(trialID int) {
	delete(m.deadline, trialID)
}

// Expired returns, in id order, the trials whose deadline is not after now
// and stops tracking them.
func (m *TimeoutMonitor) Expired(now time.Time) []int {
	var out []int
	for id, d := range m.deadline {
		if !now.Before(d) {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	for _, id := range out {
		delete(m.deadline, id)
	}
	return out
}

// Tracked returns the number of trials being timed.
func (m *TimeoutMonitor) Tracked() int {
	return len(m.deadline)
}
