// Package metrics aggregates per-trial measurements of a run: how long
// trials ran, how long they waited for a slot and the objectives they
// reported.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

// Metric names recorded for every terminal trial.
const (
	MetricTrialDuration = "trial_duration_s"
	MetricQueueWait     = "trial_queue_wait_s"
	MetricObjective     = "trial_objective"
)

// Point is one recorded value.
type Point struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// Aggregation summarizes the values of one series.
type Aggregation struct {
	Count int64   `yaml:"count" json:"count"`
	Sum   float64 `yaml:"sum" json:"sum"`
	Min   float64 `yaml:"min" json:"min"`
	Max   float64 `yaml:"max" json:"max"`
	Mean  float64 `yaml:"mean" json:"mean"`
	P50   float64 `yaml:"p50" json:"p50"`
	P95   float64 `yaml:"p95" json:"p95"`
}

// Collector stores labelled series in memory. It is safe for concurrent
// use.
type Collector struct {
	mu sync.RWMutex

	// metric name -> label key -> points
	series map[string]map[string][]Point
}

func NewCollector() *Collector {
	return &Collector{series: make(map[string]map[string][]Point)}
}

// Record appends value to the series of name and labels.
func (c *Collector) Record(name string, value float64, ts time.Time, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := labelKey(labels)
	if c.series[name] == nil {
		c.series[name] = make(map[string][]Point)
	}
	c.series[name][key] = append(c.series[name][key], Point{Timestamp: ts, Value: value, Labels: copyLabels(labels)})
}

// RecordTrial records the measurements of a terminal trial, labelled with
// its state. Trials that never started are skipped.
func (c *Collector) RecordTrial(t *models.Trial) {
	if !t.State.IsTerminal() || t.StartedAt.IsZero() {
		return
	}
	labels := map[string]string{"state": string(t.State)}
	c.Record(MetricTrialDuration, t.Duration().Seconds(), t.EndedAt, labels)
	if !t.CreatedAt.IsZero() && !t.StartedAt.Before(t.CreatedAt) {
		c.Record(MetricQueueWait, t.StartedAt.Sub(t.CreatedAt).Seconds(), t.StartedAt, labels)
	}
	if t.Objective != nil {
		c.Record(MetricObjective, *t.Objective, t.EndedAt, labels)
	}
}

// Series returns a copy of the points recorded for name with exactly
// labels.
func (c *Collector) Series(name string, labels map[string]string) []Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	points := c.series[name][labelKey(labels)]
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{Timestamp: p.Timestamp, Value: p.Value, Labels: copyLabels(p.Labels)}
	}
	return out
}

// Aggregate summarizes name across every label set whose labels include
// match. A nil match aggregates the whole metric. It returns nil when no
// point matches.
func (c *Collector) Aggregate(name string, match map[string]string) *Aggregation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var values []float64
	for _, points := range c.series[name] {
		for _, p := range points {
			if matches(p.Labels, match) {
				values = append(values, p.Value)
			}
		}
	}
	return aggregate(values)
}

// Names returns the recorded metric names, sorted.
func (c *Collector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary aggregates every metric over all label sets.
func (c *Collector) Summary() map[string]*Aggregation {
	out := make(map[string]*Aggregation)
	for _, name := range c.Names() {
		if agg := c.Aggregate(name, nil); agg != nil {
			out[name] = agg
		}
	}
	return out
}

func matches(labels, match map[string]string) bool {
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func aggregate(values []float64) *Aggregation {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	sum := utils.Sum(sorted)
	return &Aggregation{
		Count: int64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / float64(len(sorted)),
		P50:   utils.Percentile(sorted, 50),
		P95:   utils.Percentile(sorted, 95),
	}
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
