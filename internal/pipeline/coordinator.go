// Package pipeline contains the proposal orchestration core: the job
// coordinator, the per-unit review state machine, and the stall monitor.
// All three run on the durable step runtime, so a restarted process
// re-enters in-flight jobs and resumes where the step records left off.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/runtime"
)

// Coordinator drives a job through its phases: preparation, parallel unit
// dispatch, convergence, assembly, final scoring, completion. Unit review
// itself runs in the ReviewMachine; the coordinator only waits for every
// unit to resolve, in any order.
type Coordinator struct {
	rt     *runtime.Runtime
	jobs   interfaces.JobStorage
	units  interfaces.UnitStorage
	events interfaces.EventService
	logger arbor.ILogger
	config Config

	activeMu sync.Mutex
	active   map[string]bool
}

// NewCoordinator creates a pipeline coordinator
func NewCoordinator(
	rt *runtime.Runtime,
	jobs interfaces.JobStorage,
	units interfaces.UnitStorage,
	events interfaces.EventService,
	logger arbor.ILogger,
	config Config,
) *Coordinator {
	return &Coordinator{
		rt:     rt,
		jobs:   jobs,
		units:  units,
		events: events,
		logger: logger,
		config: config,
		active: make(map[string]bool),
	}
}

// beginRun claims the in-process execution slot for a job; false means a
// pipeline for this job is already running here
func (c *Coordinator) beginRun(jobID string) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if c.active[jobID] {
		return false
	}
	c.active[jobID] = true
	return true
}

func (c *Coordinator) endRun(jobID string) {
	c.activeMu.Lock()
	delete(c.active, jobID)
	c.activeMu.Unlock()
}

// Start subscribes the coordinator to generation requests and wires
// job-scoped cancellation
func (c *Coordinator) Start() error {
	if err := c.rt.CancelOn(interfaces.EventGenerationCancelled); err != nil {
		return fmt.Errorf("failed to register cancel handler: %w", err)
	}

	return c.events.Subscribe(interfaces.EventGenerationRequested, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		jobID := interfaces.PayloadString(payload, "job_id")
		if jobID == "" {
			return fmt.Errorf("generation request missing job_id")
		}

		go func() {
			if err := c.Execute(context.Background(), jobID); err != nil {
				c.logger.Error().
					Err(err).
					Str("job_id", jobID).
					Msg("Pipeline execution ended with error")
			}
		}()
		return nil
	})
}

// Execute runs the full pipeline for one job. Safe to call again for the
// same job: a concurrently running or already finished job turns the
// invocation into a no-op, while an interrupted job is re-entered and
// resumes from its step records.
func (c *Coordinator) Execute(ctx context.Context, jobID string) (err error) {
	if !c.beginRun(jobID) {
		c.logger.Warn().Str("job_id", jobID).Msg("Pipeline already running for job, duplicate invocation ignored")
		return nil
	}
	defer c.endRun(jobID)

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		c.logger.Warn().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Msg("Job already finished, duplicate invocation ignored")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
			c.failJob(jobID, err)
		}
	}()

	runErr := c.rt.Run(ctx, jobID, func(run *runtime.Run) error {
		return c.pipeline(run)
	})

	switch {
	case runErr == nil:
		if relErr := c.rt.Release(context.Background(), jobID); relErr != nil {
			c.logger.Warn().Err(relErr).Str("job_id", jobID).Msg("Failed to release job working memory")
		}
		return nil

	case errors.Is(runErr, runtime.ErrRunCancelled):
		c.logger.Info().Str("job_id", jobID).Msg("Pipeline cancelled")
		if stErr := c.jobs.UpdateJobStatus(context.Background(), jobID, models.JobStatusCancelled, "Cancelled"); stErr != nil {
			c.logger.Warn().Err(stErr).Str("job_id", jobID).Msg("Failed to mark job cancelled")
		}
		c.skipUnresolvedUnits(jobID)
		if relErr := c.rt.Release(context.Background(), jobID); relErr != nil {
			c.logger.Warn().Err(relErr).Str("job_id", jobID).Msg("Failed to release job working memory")
		}
		return nil

	default:
		c.failJob(jobID, runErr)
		return runErr
	}
}

// pipeline is the durable phase sequence
func (c *Coordinator) pipeline(run *runtime.Run) error {
	jobID := run.JobID()
	ctx := run.Context()

	if _, err := run.Step("mark-processing", func(ctx context.Context) (interface{}, error) {
		if err := c.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, "Starting pipeline"); err != nil {
			return nil, err
		}
		return nil, c.jobs.UpdateJobProgress(ctx, jobID, 5, "Starting pipeline")
	}); err != nil {
		return err
	}

	// Preparation phase: a timeout or reported failure here is fatal,
	// nothing downstream can run without seeded units. The start event is
	// re-published on every entry; preparation seeding is idempotent and a
	// re-entered run replays the memoized reply.
	if err := c.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventPreparationStart,
		Payload: map[string]interface{}{"job_id": jobID},
	}); err != nil {
		return err
	}

	prep, err := run.WaitForEvent(interfaces.EventPreparationComplete, runtime.MatchJob(jobID), c.config.PreparationTimeout)
	if err != nil {
		return err
	}
	if prep.TimedOut {
		return fmt.Errorf("preparation timed out after %s", c.config.PreparationTimeout)
	}
	if success, _ := interfaces.PayloadBool(prep.Payload, "success"); !success {
		return fmt.Errorf("preparation failed: %s", interfaces.PayloadString(prep.Payload, "error"))
	}
	if err := c.jobs.UpdateJobProgress(ctx, jobID, 10, "Preparation complete"); err != nil {
		return err
	}

	// Dispatch every unresolved unit for parallel generation. Dispatch is
	// deliberately not memoized: a re-entered run publishes again, and unit
	// runs whose unit already resolved exit immediately.
	units, err := c.units.ListUnits(ctx, jobID)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("no units seeded for job %s", jobID)
	}
	for _, unit := range units {
		if unit.Status.IsResolved() {
			continue
		}
		if err := c.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventUnitGenerate,
			Payload: map[string]interface{}{
				"job_id":  jobID,
				"unit_id": unit.UnitID,
			},
		}); err != nil {
			return err
		}
	}

	if err := c.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusReview,
		fmt.Sprintf("Generating %d units", len(units))); err != nil {
		return err
	}

	// Convergence: poll until every unit resolves, in any order. Each poll
	// refreshes the job heartbeat so the stall monitor sees liveness.
	if err := c.awaitConvergence(run); err != nil {
		return err
	}

	// Assembly and final scoring are degradable: a timeout or reported
	// failure marks the phase annotation failed but never blocks completion
	if err := c.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing, "Assembling document"); err != nil {
		return err
	}
	if err := c.runAssembly(run); err != nil {
		return err
	}
	if err := c.jobs.UpdateJobProgress(ctx, jobID, 95, "Scoring final document"); err != nil {
		return err
	}
	if err := c.runFinalScoring(run); err != nil {
		return err
	}

	if err := c.jobs.UpdateJobProgress(ctx, jobID, 100, "Completed"); err != nil {
		return err
	}
	if err := c.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted, "Completed"); err != nil {
		return err
	}

	c.logger.Info().Str("job_id", jobID).Msg("Pipeline completed")
	return nil
}

// awaitConvergence polls unit records until all are resolved or the
// ceiling elapses. Resolution order does not matter.
func (c *Coordinator) awaitConvergence(run *runtime.Run) error {
	jobID := run.JobID()
	deadline := time.Now().Add(c.config.ConvergenceCeiling)

	for {
		if run.Cancelled() {
			return runtime.ErrRunCancelled
		}

		units, err := c.units.ListUnits(run.Context(), jobID)
		if err != nil {
			return err
		}

		resolved := 0
		for _, unit := range units {
			if unit.Status.IsResolved() {
				resolved++
			}
		}

		percent := aggregateProgress(units)
		step := fmt.Sprintf("Awaiting units: %d/%d resolved", resolved, len(units))
		if err := c.jobs.UpdateJobProgress(run.Context(), jobID, percent, step); err != nil {
			return err
		}

		if resolved == len(units) && len(units) > 0 {
			c.logger.Info().
				Str("job_id", jobID).
				Int("unit_count", len(units)).
				Msg("All units resolved")
			return nil
		}

		// The ceiling is a safety valve, not a failure: proceed to assembly
		// with whatever resolved
		if time.Now().After(deadline) {
			c.logger.Warn().
				Str("job_id", jobID).
				Int("resolved", resolved).
				Int("unit_count", len(units)).
				Dur("ceiling", c.config.ConvergenceCeiling).
				Msg("Convergence ceiling reached, proceeding with resolved units")
			return nil
		}

		select {
		case <-time.After(c.config.ConvergencePollInterval):
		case <-run.Context().Done():
			return run.Context().Err()
		}
	}
}

// runAssembly publishes assembly.start and waits for the collaborator,
// degrading on timeout or failure
func (c *Coordinator) runAssembly(run *runtime.Run) error {
	jobID := run.JobID()

	// Re-published on every entry; assembly overwrites its own output and a
	// re-entered run replays the memoized reply
	if err := c.events.Publish(run.Context(), interfaces.Event{
		Type:    interfaces.EventAssemblyStart,
		Payload: map[string]interface{}{"job_id": jobID},
	}); err != nil {
		return err
	}

	result, err := run.WaitForEvent(interfaces.EventAssemblyComplete, runtime.MatchJob(jobID), c.config.AssemblyTimeout)
	if err != nil {
		return err
	}

	success := false
	documentPath := ""
	if !result.TimedOut {
		success, _ = interfaces.PayloadBool(result.Payload, "success")
		documentPath = interfaces.PayloadString(result.Payload, "document_path")
	}

	_, err = c.jobs.UpdateJob(run.Context(), jobID, func(job *models.Job) error {
		if success {
			job.AssemblyStatus = models.PhaseStatusCompleted
			job.DocumentPath = documentPath
		} else {
			job.AssemblyStatus = models.PhaseStatusFailed
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !success {
		c.logger.Warn().
			Str("job_id", jobID).
			Bool("timed_out", result.TimedOut).
			Msg("Assembly degraded, continuing to completion")
	}
	return nil
}

// runFinalScoring publishes scoring.start and waits for the collaborator,
// degrading on timeout or failure
func (c *Coordinator) runFinalScoring(run *runtime.Run) error {
	jobID := run.JobID()

	// Re-published on every entry, same contract as assembly
	if err := c.events.Publish(run.Context(), interfaces.Event{
		Type:    interfaces.EventScoringStart,
		Payload: map[string]interface{}{"job_id": jobID},
	}); err != nil {
		return err
	}

	result, err := run.WaitForEvent(interfaces.EventScoringComplete, runtime.MatchJob(jobID), c.config.ScoringTimeout)
	if err != nil {
		return err
	}

	success := false
	var score float64
	if !result.TimedOut {
		success, _ = interfaces.PayloadBool(result.Payload, "success")
		if v, ok := result.Payload["score"].(float64); ok {
			score = v
		}
	}

	_, err = c.jobs.UpdateJob(run.Context(), jobID, func(job *models.Job) error {
		if success {
			job.FinalScoringStatus = models.PhaseStatusCompleted
			job.FinalScore = &models.ComplianceDetail{Score: score}
		} else {
			job.FinalScoringStatus = models.PhaseStatusFailed
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !success {
		c.logger.Warn().
			Str("job_id", jobID).
			Bool("timed_out", result.TimedOut).
			Msg("Final scoring degraded, continuing to completion")
	}
	return nil
}

// failJob records the terminal diagnostic and marks the job failed
func (c *Coordinator) failJob(jobID string, cause error) {
	ctx := context.Background()

	c.logger.Error().
		Err(cause).
		Str("job_id", jobID).
		Msg("Pipeline failed")

	if _, err := c.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if !job.Status.IsTerminal() {
			job.Error = cause.Error()
		}
		return nil
	}); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record job error")
	}

	if err := c.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, "Error: "+cause.Error()); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}

	if err := c.rt.Release(ctx, jobID); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to release job working memory")
	}
}

// skipUnresolvedUnits marks every non-resolved unit skipped after a cancel
func (c *Coordinator) skipUnresolvedUnits(jobID string) {
	ctx := context.Background()
	units, err := c.units.ListUnits(ctx, jobID)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to list units for skip")
		return
	}
	for _, unit := range units {
		if unit.Status.IsResolved() {
			continue
		}
		if _, err := c.units.UpdateUnit(ctx, jobID, unit.UnitID, func(u *models.Unit) error {
			if !u.Status.IsResolved() {
				u.Status = models.UnitStatusSkipped
			}
			return nil
		}); err != nil {
			c.logger.Warn().Err(err).Str("unit", unit.Key).Msg("Failed to skip unit")
		}
	}
}

// aggregateProgress maps unit states onto the job progress bar. Each unit
// owns the [floor, ceiling] segment assigned by its definition; the job
// percent is the sum of per-segment completion.
func aggregateProgress(units []*models.Unit) int {
	if len(units) == 0 {
		return 10
	}

	total := 10.0
	for _, unit := range units {
		width := float64(unit.ProgressCeiling - unit.ProgressFloor)
		if width < 0 {
			width = 0
		}
		total += unitFraction(unit.Status) * width
	}

	if total > 90 {
		total = 90
	}
	return int(total)
}

func unitFraction(status models.UnitStatus) float64 {
	switch status {
	case models.UnitStatusPending:
		return 0
	case models.UnitStatusGenerating:
		return 0.3
	case models.UnitStatusReadyForScoring, models.UnitStatusScoring:
		return 0.6
	case models.UnitStatusAwaitingApproval:
		return 0.8
	case models.UnitStatusIterating:
		return 0.5
	default:
		return 1
	}
}
