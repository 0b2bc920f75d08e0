// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Timed operations.
const (
	OpMatch      = "match"
	OpSynthesize = "synthesize"
	OpTrain      = "train"
)

// Counters.
const (
	MatchHit         = "match_hit"
	MatchSynthesized = "match_synthesized"
	MatchFallback    = "match_fallback"
	TrainOK          = "train_ok"
	TrainError       = "train_error"
	Approved         = "approved"
	Rejected         = "rejected"
	Promoted         = "promoted"
	Feedback         = "feedback"
	Outcomes         = "outcomes"
	TestFailures     = "test_failures"
)

type operationMetrics struct {
	count     int64
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
}

// OperationSnapshot provides computed stats for one timed operation.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot is the collector state at a point in time.
type Snapshot struct {
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Operations    map[string]OperationSnapshot `json:"operations"`
	Counters      map[string]int64             `json:"counters"`
}

// Collector aggregates timings and counters. All methods are safe for
// concurrent use and on a nil receiver, which records nothing.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*operationMetrics
	counters  map[string]int64
}

func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*operationMetrics),
		counters:  make(map[string]int64),
	}
}

// RecordTiming records one run of op.
func (c *Collector) RecordTiming(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[op]
	if !ok {
		m = &operationMetrics{minTime: d, maxTime: d}
		c.ops[op] = m
	}
	m.count++
	m.totalTime += d
	if d < m.minTime {
		m.minTime = d
	}
	if d > m.maxTime {
		m.maxTime = d
	}
}

// Since records the time elapsed from start for op.
func (c *Collector) Since(op string, start time.Time) {
	c.RecordTiming(op, time.Since(start))
}

func (c *Collector) Inc(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// Counter returns the current value of name.
func (c *Collector) Counter(name string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Snapshot returns a point-in-time copy of all metrics.
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Operations: map[string]OperationSnapshot{},
		Counters:   map[string]int64{},
	}
	if c == nil {
		return snap
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap.UptimeSeconds = time.Since(c.startTime).Seconds()
	for op, m := range c.ops {
		snap.Operations[op] = OperationSnapshot{
			Count:       m.count,
			TotalTimeMs: m.totalTime.Milliseconds(),
			AvgTimeMs:   float64(m.totalTime.Milliseconds()) / float64(m.count),
			MinTimeMs:   m.minTime.Milliseconds(),
			MaxTimeMs:   m.maxTime.Milliseconds(),
		}
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	return snap
}

// CounterNames returns the recorded counter names, sorted.
func (s Snapshot) CounterNames() []string {
	names := make([]string, 0, len(s.Counters))
	for k := range s.Counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
