// Package job models the Job Engine's (C8) scheduled polling/trigger
// activities: what to read, how often, and where fired rows land.
package job

import "time"

// Type selects how a Job schedules its work.
type Type string

const (
	// TypeContinuous polls every mapped field on every tick.
	TypeContinuous Type = "continuous"
	// TypeTrigger polls but only writes a row when a configured Trigger fires.
	TypeTrigger Type = "trigger"
)

// Status is the lifecycle state of a Job's worker.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusDegraded Status = "degraded"
)

// ColumnSelection controls which mapped fields a trigger job's rows include.
type ColumnSelection string

const (
	ColumnsAll    ColumnSelection = "all"
	ColumnsSubset ColumnSelection = "subset"
)

// Batching buffers multiple ticks' rows before issuing a multi-row INSERT.
// MaxRows<=0 disables batching (one INSERT per tick, the default).
type Batching struct {
	MaxRows       int           `json:"max_rows"`
	MaxIntervalMs int           `json:"max_interval_ms"`
}

// Enabled reports whether batching buffers rows rather than writing per tick.
func (b Batching) Enabled() bool { return b.MaxRows > 0 }

// FlushInterval returns the configured max buffering interval, or zero if unset.
func (b Batching) FlushInterval() time.Duration {
	if b.MaxIntervalMs <= 0 {
		return 0
	}
	return time.Duration(b.MaxIntervalMs) * time.Millisecond
}

// Job is a scheduled polling or trigger-driven activity over one or more
// device tables (spec.md §3 "Job").
type Job struct {
	ID          string
	Name        string
	Description string
	Type        Type
	Tables      []string // device table ids
	Columns     ColumnSelection
	IntervalMs  int
	Enabled     bool
	Status      Status
	Triggers    []Trigger
	Batching    Batching
	CPUBudget   int // soft scheduling hint; 0 = unconstrained

	ConsecutiveWriteFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interval returns IntervalMs as a time.Duration.
func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalMs) * time.Millisecond
}

// DegradedThreshold is the default consecutive-write-failure count
// (spec.md §4.8) after which a running job transitions to Degraded.
const DegradedThreshold = 10

// ShouldDegrade reports whether the job's consecutive write-failure count
// has crossed the threshold that demotes a running job to StatusDegraded.
func (j Job) ShouldDegrade() bool {
	return j.ConsecutiveWriteFailures >= DegradedThreshold
}

// TriggersByTable groups the job's triggers by their table id, preserving
// the per-table evaluation grouping spec.md §4.8 describes for trigger jobs.
func (j Job) TriggersByTable() map[string][]Trigger {
	grouped := make(map[string][]Trigger)
	for _, t := range j.Triggers {
		grouped[t.TableID] = append(grouped[t.TableID], t)
	}
	return grouped
}
