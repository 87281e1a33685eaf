package pipeline

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
)

// StallMonitorJobName is the scheduler registration name for the sweep
const StallMonitorJobName = "stall-monitor"

// StallMonitor fails jobs whose heartbeat has gone quiet. A job that is
// genuinely waiting (decisions, convergence polls) keeps refreshing its
// UpdatedAt; one whose process died does not, and the sweep catches it.
type StallMonitor struct {
	jobs      interfaces.JobStorage
	logger    arbor.ILogger
	threshold time.Duration
}

// NewStallMonitor creates the stall monitor with the given heartbeat age
// threshold
func NewStallMonitor(jobs interfaces.JobStorage, logger arbor.ILogger, threshold time.Duration) *StallMonitor {
	if threshold <= 0 {
		threshold = 60 * time.Minute
	}
	return &StallMonitor{
		jobs:      jobs,
		logger:    logger,
		threshold: threshold,
	}
}

// Register adds the sweep to the scheduler on the given cron schedule
func (m *StallMonitor) Register(scheduler interfaces.SchedulerService, schedule string) error {
	return scheduler.RegisterJob(
		StallMonitorJobName,
		schedule,
		"Fails active jobs whose heartbeat exceeded the stall threshold",
		m.Sweep,
	)
}

// Sweep marks every stale active job as failed, preserving the last known
// step in the diagnostic
func (m *StallMonitor) Sweep() error {
	ctx := context.Background()

	stale, err := m.jobs.GetStaleJobs(ctx, m.threshold)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		m.logger.Debug().Msg("No stalled jobs found")
		return nil
	}

	for _, job := range stale {
		lastStep := job.CurrentStep
		if lastStep == "" {
			lastStep = "unknown"
		}

		m.logger.Warn().
			Str("job_id", job.ID).
			Str("last_step", lastStep).
			Str("heartbeat_age", time.Since(job.UpdatedAt).Round(time.Second).String()).
			Msg("Job stalled, marking failed")

		if _, err := m.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			if !j.Status.IsTerminal() {
				j.Error = "stalled: no heartbeat for over " + m.threshold.String()
			}
			return nil
		}); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record stall diagnostic")
		}

		if err := m.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, "Stalled at: "+lastStep); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark stalled job failed")
		}
	}

	m.logger.Info().
		Int("count", len(stale)).
		Msg("Stall sweep completed")
	return nil
}
