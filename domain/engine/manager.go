// Package engine implements the Job Engine (C8): one worker goroutine per
// running job, continuous or trigger scheduling, and the preflight checks
// create_job must pass before a job is accepted (spec.md §4.8).
package engine

import (
	"context"
	"sync"
	"time"

	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/logging"
	"github.com/RohithBalasubramani/plc-logger/infrastructure/metrics"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/device"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
	"github.com/RohithBalasubramani/plc-logger/domain/mapping"
)

// joinDeadline is how long pause/stop/delete wait for a worker to exit
// cleanly before abandoning it (spec.md §5 "daemon semantics").
const joinDeadline = 2 * time.Second

// running tracks one job's live worker.
type running struct {
	cancel chan struct{}
	done   chan struct{}
}

// Manager is the Job Engine (C8): it owns the set of currently-running
// job workers and every lifecycle transition between them.
type Manager struct {
	store      catalog.Store
	engines    mapping.Engine
	resolver   *mapping.Resolver
	supervisor *device.Supervisor
	metrics    *metrics.Registry
	logger     *logging.Logger

	mu      sync.Mutex
	workers map[string]*running
}

// NewManager wires the Job Engine to the other components it drives ticks
// through: the Target Registry (via the mapping.Engine interface), the
// Mapping Resolver, the Device Session Manager, and the Metrics Registry.
func NewManager(store catalog.Store, engines mapping.Engine, resolver *mapping.Resolver, supervisor *device.Supervisor, reg *metrics.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		store:      store,
		engines:    engines,
		resolver:   resolver,
		supervisor: supervisor,
		metrics:    reg,
		logger:     logger,
		workers:    make(map[string]*running),
	}
}

// CreateJob validates and persists a new job definition, enforcing
// spec.md §4.8's preflight checks (NO_TABLES/NO_MAPPED_COLUMNS/TYPE_INVALID)
// on top of catalog.Store.CreateJob's own NO_TABLES/TYPE_INVALID checks.
func (m *Manager) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.Type != job.TypeContinuous && j.Type != job.TypeTrigger {
		return job.Job{}, agenterrors.TypeInvalid(string(j.Type))
	}
	if len(j.Tables) == 0 {
		return job.Job{}, agenterrors.NoTables()
	}
	for _, tableID := range j.Tables {
		table, err := m.store.GetTable(ctx, tableID)
		if err != nil {
			return job.Job{}, err
		}
		if table.MappingHealth == catalog.MappingUnmapped {
			return job.Job{}, agenterrors.NoMappedColumns(tableID)
		}
	}
	return m.store.CreateJob(ctx, j)
}

// Start moves a job to running: it begins a metrics run and spawns its
// worker goroutine (spec.md §4.8 lifecycle).
func (m *Manager) Start(ctx context.Context, jobID string) error {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, already := m.workers[jobID]; already {
		m.mu.Unlock()
		return nil
	}
	rn := &running{cancel: make(chan struct{}), done: make(chan struct{})}
	m.workers[jobID] = rn
	m.mu.Unlock()

	for _, tableID := range j.Tables {
		table, err := m.store.GetTable(ctx, tableID)
		if err != nil {
			continue
		}
		if table.DBTargetID == nil {
			continue
		}
		_, _ = m.resolver.Hydrate(ctx, *table.DBTargetID, table.ID, table.LogicalName)
	}

	m.metrics.StartRun(jobID)
	if err := m.store.UpdateJobStatus(ctx, jobID, job.StatusRunning); err != nil {
		return err
	}

	w := newWorker(j, m.store, m.engines, m.resolver, m.supervisor, m.metrics, m.logger)
	go w.run(rn.cancel, rn.done)
	return nil
}

// stop signals the running worker and joins it, finalizing its run and
// recording status. Idempotent when the job has no live worker.
func (m *Manager) stop(ctx context.Context, jobID string, status job.Status) error {
	m.mu.Lock()
	rn, ok := m.workers[jobID]
	if ok {
		delete(m.workers, jobID)
	}
	m.mu.Unlock()

	if ok {
		close(rn.cancel)
		select {
		case <-rn.done:
		case <-time.After(joinDeadline):
			if m.logger != nil {
				m.logger.Info(ctx, "job worker abandoned past join deadline", map[string]interface{}{"job_id": jobID})
			}
		}
	}

	if run := m.metrics.EndRun(jobID); run != nil {
		stoppedAt := time.Now().UTC()
		durationMs := stoppedAt.Sub(run.StartedAt).Milliseconds()
		r := catalog.Run{
			JobID:       jobID,
			StartedAt:   run.StartedAt,
			StoppedAt:   &stoppedAt,
			DurationMs:  &durationMs,
			Rows:        run.Rows,
			ReadLatAvg:  run.ReadLatAvg(),
			WriteLatAvg: run.WriteLatAvg(),
			ErrorPct:    run.ErrorPct(),
			LastError:   run.LastError,
		}
		_ = m.store.AppendRun(ctx, r)
	}

	return m.store.UpdateJobStatus(ctx, jobID, status)
}

// Pause stops the worker but records StatusPaused (restartable via Start).
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	return m.stop(ctx, jobID, job.StatusPaused)
}

// Stop stops the worker and records StatusStopped.
func (m *Manager) Stop(ctx context.Context, jobID string) error {
	return m.stop(ctx, jobID, job.StatusStopped)
}

// Delete is idempotent: stop (if running), cascade-delete run history and
// rollups, and remove the job's config (spec.md §4.8 "delete").
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	_ = m.stop(ctx, jobID, job.StatusStopped)
	return m.store.DeleteJob(ctx, jobID)
}

// DryRunPreview is dry_run(job_id)'s result: one read-only pass over every
// mapped field the job would have written, without touching run history,
// metrics, or the target database.
type DryRunPreview struct {
	JobID  string
	Tables map[string]map[string]interface{}
}

// DryRun performs one read-only tick for jobID: it reads every mapped
// field of every table the job references and reports what a real tick
// would have written, without writing any row or updating metrics/run
// state (spec.md §6 dry_run verb).
func (m *Manager) DryRun(ctx context.Context, jobID string) (DryRunPreview, error) {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return DryRunPreview{}, err
	}

	preview := DryRunPreview{JobID: jobID, Tables: make(map[string]map[string]interface{})}
	for _, tableID := range j.Tables {
		table, err := m.store.GetTable(ctx, tableID)
		if err != nil {
			continue
		}
		if table.DBTargetID != nil {
			_, _ = m.resolver.Hydrate(ctx, *table.DBTargetID, table.ID, table.LogicalName)
		}

		values := make(map[string]interface{})
		for _, row := range m.resolver.Rows(table.ID) {
			values[row.FieldKey] = readFieldForPreview(ctx, m.supervisor, table.DeviceID, row)
		}
		preview.Tables[table.LogicalName] = values
	}
	return preview, nil
}
