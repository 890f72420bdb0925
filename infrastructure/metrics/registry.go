package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// secondRingCapacity holds 30 minutes of per-second job samples — exactly
// the ≥1800-entry latency ring floor spec.md §4.9 requires.
const secondRingCapacity = 1800

// JobSample is one second's worth of counters for a single job
// (spec.md §4.9 "per-job ring buffer of per-second samples").
type JobSample struct {
	UnixSecond int64
	Reads      int
	ReadErr    int
	Writes     int
	WriteErr   int
	Triggers   int
	Fires      int
	Suppressed int
}

// latencyRing is a fixed-capacity circular buffer of (timestamp, ms)
// pairs, hand-rolled rather than pulled from a library — it backs only
// this package's per-job latency window and has no caller outside it.
type latencyRing struct {
	ts  []int64
	val []float64
	pos int
	len int
}

func newLatencyRing(capacity int) *latencyRing {
	return &latencyRing{ts: make([]int64, capacity), val: make([]float64, capacity)}
}

func (r *latencyRing) add(unixSecond int64, ms float64) {
	r.ts[r.pos] = unixSecond
	r.val[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.ts)
	if r.len < len(r.ts) {
		r.len++
	}
}

// since returns every sample with ts >= floor, newest-information-
// preserving (unordered is fine; callers sort when they need percentiles).
func (r *latencyRing) since(floor int64) []float64 {
	out := make([]float64, 0, r.len)
	for i := 0; i < r.len; i++ {
		if r.ts[i] >= floor {
			out = append(out, r.val[i])
		}
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// jobRing is the per-job ring buffer pair: per-second counters plus
// rolling read/write latency rings.
type jobRing struct {
	mu        sync.Mutex
	samples   []JobSample
	pos       int
	len       int
	readLat   *latencyRing
	writeLat  *latencyRing
	activeRun *ActiveRun
}

func newJobRing() *jobRing {
	return &jobRing{
		samples:  make([]JobSample, secondRingCapacity),
		readLat:  newLatencyRing(secondRingCapacity),
		writeLat: newLatencyRing(secondRingCapacity),
	}
}

func (jr *jobRing) currentSample(now int64) *JobSample {
	if jr.len > 0 {
		last := &jr.samples[(jr.pos-1+len(jr.samples))%len(jr.samples)]
		if last.UnixSecond == now {
			return last
		}
	}
	jr.samples[jr.pos] = JobSample{UnixSecond: now}
	cur := &jr.samples[jr.pos]
	jr.pos = (jr.pos + 1) % len(jr.samples)
	if jr.len < len(jr.samples) {
		jr.len++
	}
	return cur
}

// Summary is the counts+percentiles view returned by Registry.Summary.
type Summary struct {
	Reads      int
	ReadErr    int
	Writes     int
	WriteErr   int
	Triggers   int
	Fires      int
	Suppressed int
	ReadP50    float64
	ReadP95    float64
	WriteP50   float64
	WriteP95   float64
}

// ActiveRun accumulates the running totals for one Run (spec.md §4.9 run
// lifecycle).
type ActiveRun struct {
	JobID       string
	StartedAt   time.Time
	Rows        int64
	ReadLatSum  float64
	ReadCount   int64
	WriteLatSum float64
	WriteCount  int64
	Errors      int64
	LastError   *string
}

// Registry is the Metrics Registry (C9)'s ring-buffer half: the system of
// record for summary()/timeseries(). The parallel Prometheus registry in
// metrics.go is additive and never read from here.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*jobRing

	prom *Metrics
	now  func() time.Time
}

// NewRegistry constructs a Registry. prom may be nil to skip the
// additive Prometheus export.
func NewRegistry(prom *Metrics) *Registry {
	return &Registry{jobs: make(map[string]*jobRing), prom: prom, now: time.Now}
}

func (r *Registry) ringFor(jobID string) *jobRing {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.jobs[jobID]
	if !ok {
		jr = newJobRing()
		r.jobs[jobID] = jr
	}
	return jr
}

// RecordRead records one field read's outcome and latency.
func (r *Registry) RecordRead(jobID string, latencyMs float64, ok bool) {
	jr := r.ringFor(jobID)
	now := r.now().Unix()

	jr.mu.Lock()
	s := jr.currentSample(now)
	s.Reads++
	if !ok {
		s.ReadErr++
	}
	jr.readLat.add(now, latencyMs)
	if jr.activeRun != nil {
		jr.activeRun.ReadLatSum += latencyMs
		jr.activeRun.ReadCount++
		if !ok {
			jr.activeRun.Errors++
		}
	}
	jr.mu.Unlock()

	if r.prom != nil {
		status := "ok"
		if !ok {
			status = "error"
		}
		r.prom.RecordTagRead("", status, time.Duration(latencyMs*float64(time.Millisecond)))
	}
}

// RecordWrite records one table write's outcome, latency, and row count.
func (r *Registry) RecordWrite(jobID string, latencyMs float64, rows int, ok bool) {
	jr := r.ringFor(jobID)
	now := r.now().Unix()

	jr.mu.Lock()
	s := jr.currentSample(now)
	s.Writes++
	if !ok {
		s.WriteErr++
	}
	jr.writeLat.add(now, latencyMs)
	if jr.activeRun != nil {
		jr.activeRun.WriteLatSum += latencyMs
		jr.activeRun.WriteCount++
		jr.activeRun.Rows += int64(rows)
		if !ok {
			jr.activeRun.Errors++
		}
	}
	jr.mu.Unlock()

	if r.prom != nil {
		r.prom.RecordRowsWritten(jobID, "", rows)
	}
}

// RecordTrigger records a trigger evaluation: fired reports whether the
// trigger's predicate matched, suppressed whether a cooldown blocked the
// write it would otherwise have caused.
func (r *Registry) RecordTrigger(jobID string, fired, suppressed bool) {
	jr := r.ringFor(jobID)
	now := r.now().Unix()

	jr.mu.Lock()
	s := jr.currentSample(now)
	s.Triggers++
	if fired {
		s.Fires++
	}
	if suppressed {
		s.Suppressed++
	}
	jr.mu.Unlock()
}

// Summary returns counts and p50/p95 latencies over the last windowS
// seconds (spec.md §4.9: "from the last ≤600 latency samples").
func (r *Registry) Summary(jobID string, windowS int) Summary {
	jr := r.ringFor(jobID)
	floor := r.now().Add(-time.Duration(windowS) * time.Second).Unix()

	jr.mu.Lock()
	defer jr.mu.Unlock()

	var out Summary
	for i := 0; i < jr.len; i++ {
		s := jr.samples[i]
		if s.UnixSecond < floor {
			continue
		}
		out.Reads += s.Reads
		out.ReadErr += s.ReadErr
		out.Writes += s.Writes
		out.WriteErr += s.WriteErr
		out.Triggers += s.Triggers
		out.Fires += s.Fires
		out.Suppressed += s.Suppressed
	}

	readSamples := capSamples(jr.readLat.since(floor), 600)
	writeSamples := capSamples(jr.writeLat.since(floor), 600)
	sort.Float64s(readSamples)
	sort.Float64s(writeSamples)
	out.ReadP50 = percentile(readSamples, 0.50)
	out.ReadP95 = percentile(readSamples, 0.95)
	out.WriteP50 = percentile(writeSamples, 0.50)
	out.WriteP95 = percentile(writeSamples, 0.95)
	return out
}

func capSamples(samples []float64, max int) []float64 {
	if len(samples) <= max {
		return samples
	}
	return samples[len(samples)-max:]
}

// Timeseries replays the per-second ring filtered by now-ts <= windowS
// (spec.md §4.9 timeseries()).
func (r *Registry) Timeseries(jobID string, windowS int) []JobSample {
	jr := r.ringFor(jobID)
	floor := r.now().Add(-time.Duration(windowS) * time.Second).Unix()

	jr.mu.Lock()
	defer jr.mu.Unlock()

	out := make([]JobSample, 0, jr.len)
	for i := 0; i < jr.len; i++ {
		if jr.samples[i].UnixSecond >= floor {
			out = append(out, jr.samples[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnixSecond < out[j].UnixSecond })
	return out
}

// StartRun allocates an active run for jobID (spec.md §4.9 start_run).
func (r *Registry) StartRun(jobID string) *ActiveRun {
	jr := r.ringFor(jobID)
	jr.mu.Lock()
	defer jr.mu.Unlock()
	jr.activeRun = &ActiveRun{JobID: jobID, StartedAt: r.now()}
	return jr.activeRun
}

// EndRun finalizes jobID's active run, computing averages and error_pct
// (spec.md §4.9 end_run), and clears it so a later StartRun begins fresh.
func (r *Registry) EndRun(jobID string) *ActiveRun {
	jr := r.ringFor(jobID)
	jr.mu.Lock()
	defer jr.mu.Unlock()
	run := jr.activeRun
	jr.activeRun = nil
	return run
}

// ReadLatAvg returns the mean read latency recorded against run so far.
func (a *ActiveRun) ReadLatAvg() float64 {
	if a == nil || a.ReadCount == 0 {
		return 0
	}
	return a.ReadLatSum / float64(a.ReadCount)
}

// WriteLatAvg returns the mean write latency recorded against run so far.
func (a *ActiveRun) WriteLatAvg() float64 {
	if a == nil || a.WriteCount == 0 {
		return 0
	}
	return a.WriteLatSum / float64(a.WriteCount)
}

// ErrorPct implements error_pct = errors / max(1,rows) * 100.
func (a *ActiveRun) ErrorPct() float64 {
	if a == nil {
		return 0
	}
	denom := a.Rows
	if denom < 1 {
		denom = 1
	}
	return float64(a.Errors) / float64(denom) * 100.0
}

// WriteMinuteRollup persists the aggregate of jobID's trailing 60 seconds
// (Summary(jobID, 60), counted back from the call time) into
// app_metrics_jobs_minute under minuteUTC (spec.md §4.9 minute rollup
// writer). The window is not aligned to minuteUTC's boundaries.
func (r *Registry) WriteMinuteRollup(ctx context.Context, db *sqlx.DB, jobID string, minuteUTC time.Time) error {
	s := r.Summary(jobID, 60)
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO app_metrics_jobs_minute
			(job_id, minute_utc, reads, read_err, writes, write_err, read_p50, read_p95, write_p50, write_p95, triggers, fires, suppressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, minuteUTC.Format("2006-01-02T15:04"), s.Reads, s.ReadErr, s.Writes, s.WriteErr,
		s.ReadP50, s.ReadP95, s.WriteP50, s.WriteP95, s.Triggers, s.Fires, s.Suppressed)
	return err
}
