package control

import (
	"context"
	"time"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	"github.com/RohithBalasubramani/plc-logger/domain/job"
)

// --- Mappings --------------------------------------------------------------

func (s *Service) UpsertMapping(ctx context.Context, token, targetID, tableID, logicalName string, row catalog.MappingRow) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.resolver.Upsert(ctx, targetID, tableID, logicalName, row); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) ReplaceMapping(ctx context.Context, token, targetID, tableID, logicalName string, rows []catalog.MappingRow) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.resolver.Replace(ctx, targetID, tableID, logicalName, rows); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) DeleteMappingRow(ctx context.Context, token, targetID, tableID, logicalName, fieldKey string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.resolver.DeleteRow(ctx, targetID, tableID, logicalName, fieldKey); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) ValidateMapping(ctx context.Context, token, tableID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	result, err := s.resolver.Validate(ctx, tableID)
	if err != nil {
		return fail(err)
	}
	return ok(result)
}

// --- Jobs --------------------------------------------------------------

func (s *Service) CreateJob(ctx context.Context, token string, j job.Job) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	created, err := s.jobs.CreateJob(ctx, j)
	if err != nil {
		return fail(err)
	}
	return ok(created)
}

func (s *Service) ListJobs(ctx context.Context, token string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(jobs)
}

func (s *Service) DeleteJob(ctx context.Context, token, jobID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) StartJob(ctx context.Context, token, jobID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.jobs.Start(ctx, jobID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) PauseJob(ctx context.Context, token, jobID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.jobs.Pause(ctx, jobID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) StopJob(ctx context.Context, token, jobID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	if err := s.jobs.Stop(ctx, jobID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) DryRunJob(ctx context.Context, token, jobID string) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	preview, err := s.jobs.DryRun(ctx, jobID)
	if err != nil {
		return fail(err)
	}
	return ok(preview)
}

// JobMetrics reports C9's rolling summary plus a per-sample timeseries for
// the window (spec.md §4.10 "job_metrics(job_id, range)").
func (s *Service) JobMetrics(ctx context.Context, token, jobID string, rangeSeconds int) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	summary := s.metricsReg.Summary(jobID, rangeSeconds)
	series := s.metricsReg.Timeseries(jobID, rangeSeconds)
	return ok(map[string]interface{}{"summary": summary, "timeseries": series})
}

func (s *Service) JobRuns(ctx context.Context, token, jobID string, from, to *time.Time) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	runs, err := s.store.ListRuns(ctx, jobID, from, to)
	if err != nil {
		return fail(err)
	}
	return ok(runs)
}

// SystemSummary reports host CPU/memory/disk/net samples alongside a
// per-status job count, for the agent's overview panel (spec.md §4.10
// "system_summary()").
func (s *Service) SystemSummary(ctx context.Context, token string, rangeSeconds int) Result {
	if err := s.authorize(token); err != nil {
		return fail(err)
	}
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fail(err)
	}
	byStatus := make(map[job.Status]int)
	for _, j := range jobs {
		byStatus[j.Status]++
	}
	var samples interface{}
	if s.sampler != nil {
		samples = s.sampler.Snapshot(rangeSeconds)
	}
	return ok(map[string]interface{}{
		"jobs_by_status": byStatus,
		"system":         samples,
	})
}
