package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/runtime"
)

// ReviewContext carries the definition-derived inputs for a unit review
type ReviewContext struct {
	SystemInstruction string
	Criteria          interfaces.ScoringCriteria
}

// DefinitionResolver looks up the proposal definition backing a job
type DefinitionResolver interface {
	ResolveReviewContext(ctx context.Context, jobID string) (*ReviewContext, error)
}

// ReviewMachine runs the generate, score, decide loop for individual
// units. Each unit progresses independently; an unrecoverable failure
// blocks that unit without failing the job.
type ReviewMachine struct {
	rt        *runtime.Runtime
	units     interfaces.UnitStorage
	events    interfaces.EventService
	generator interfaces.GenerationService
	resolver  DefinitionResolver
	logger    arbor.ILogger
	config    Config
}

// NewReviewMachine creates the unit review state machine
func NewReviewMachine(
	rt *runtime.Runtime,
	units interfaces.UnitStorage,
	events interfaces.EventService,
	generator interfaces.GenerationService,
	resolver DefinitionResolver,
	logger arbor.ILogger,
	config Config,
) *ReviewMachine {
	return &ReviewMachine{
		rt:        rt,
		units:     units,
		events:    events,
		generator: generator,
		resolver:  resolver,
		logger:    logger,
		config:    config,
	}
}

// Start subscribes the machine to unit dispatch events
func (m *ReviewMachine) Start() error {
	return m.events.Subscribe(interfaces.EventUnitGenerate, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		jobID := interfaces.PayloadString(payload, "job_id")
		unitID, ok := interfaces.PayloadInt(payload, "unit_id")
		if jobID == "" || !ok {
			return fmt.Errorf("unit dispatch missing job_id or unit_id")
		}

		go m.runUnit(jobID, unitID)
		return nil
	})
}

// runUnit drives one unit to resolution on the durable runtime. The run
// is scoped to the unit so its wait records never collide with a sibling
// unit awaiting the same event type.
func (m *ReviewMachine) runUnit(jobID string, unitID int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.JobTimeout)
	defer cancel()

	err := m.rt.RunScoped(ctx, jobID, fmt.Sprintf("unit-%d", unitID), func(run *runtime.Run) error {
		return m.review(run, unitID)
	})
	if err == nil {
		return
	}

	if errors.Is(err, runtime.ErrRunCancelled) {
		m.markSkipped(jobID, unitID)
		return
	}

	// Containment: a review failure blocks this unit, never the job
	m.logger.Error().
		Err(err).
		Str("job_id", jobID).
		Int("unit_id", unitID).
		Msg("Unit review failed, blocking unit")
	m.blockUnit(jobID, unitID, err.Error())
}

// review is the bounded generate, score, decide loop for one unit
func (m *ReviewMachine) review(run *runtime.Run, unitID int) error {
	jobID := run.JobID()
	ctx := run.Context()

	rc, err := m.resolver.ResolveReviewContext(ctx, jobID)
	if err != nil {
		return fmt.Errorf("definition lookup failed: %w", err)
	}

	for {
		unit, err := m.units.GetUnit(ctx, jobID, unitID)
		if err != nil {
			return err
		}
		if unit.Status.IsResolved() {
			return nil
		}
		iter := unit.Iteration

		content, err := m.generateIteration(run, unit, rc, iter)
		if err != nil {
			return err
		}

		score, err := m.scoreIteration(run, unit, rc, content, iter)
		if err != nil {
			return err
		}

		decision, timedOut, err := m.awaitDecision(run, unitID, iter)
		if err != nil {
			return err
		}
		if timedOut {
			m.logger.Warn().
				Str("job_id", jobID).
				Int("unit_id", unitID).
				Int("iteration", iter).
				Msg("No decision within timeout, blocking unit")
			m.blockUnit(jobID, unitID, fmt.Sprintf("no decision within %s", m.config.DecisionTimeout))
			return nil
		}

		resolved, err := m.applyDecision(ctx, unit, decision, score, iter)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
	}
}

// generateIteration produces content for one iteration as a durable step.
// Iterations past the first carry the prior draft and reviewer feedback.
func (m *ReviewMachine) generateIteration(run *runtime.Run, unit *models.Unit, rc *ReviewContext, iter int) (string, error) {
	jobID := run.JobID()
	unitID := unit.UnitID

	if _, err := m.units.UpdateUnit(run.Context(), jobID, unitID, func(u *models.Unit) error {
		u.Status = models.UnitStatusGenerating
		return nil
	}); err != nil {
		return "", err
	}

	stepName := fmt.Sprintf("unit-%d-generate-iter-%d", unitID, iter)
	raw, err := run.Step(stepName, func(ctx context.Context) (interface{}, error) {
		request := &interfaces.GenerationRequest{
			SystemInstruction: rc.SystemInstruction,
			Prompt:            unit.Prompt,
		}
		if iter > 1 {
			request.PriorContent = unit.Content
			request.Feedback = lastFeedback(unit)
		}
		return m.generator.Generate(ctx, request)
	})
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	var content string
	if err := runtime.DecodeResult(raw, &content); err != nil {
		return "", err
	}

	if _, err := m.units.UpdateUnit(run.Context(), jobID, unitID, func(u *models.Unit) error {
		u.Content = content
		u.Status = models.UnitStatusReadyForScoring
		return nil
	}); err != nil {
		return "", err
	}

	if err := m.events.Publish(run.Context(), interfaces.Event{
		Type: interfaces.EventUnitGenerated,
		Payload: map[string]interface{}{
			"job_id":    jobID,
			"unit_id":   unitID,
			"iteration": iter,
		},
	}); err != nil {
		return "", err
	}

	return content, nil
}

// scoreIteration scores the draft as a durable step and parks the unit in
// awaiting_approval with its compliance breakdown
func (m *ReviewMachine) scoreIteration(run *runtime.Run, unit *models.Unit, rc *ReviewContext, content string, iter int) (*interfaces.ScoreResult, error) {
	jobID := run.JobID()
	unitID := unit.UnitID

	if _, err := m.units.UpdateUnit(run.Context(), jobID, unitID, func(u *models.Unit) error {
		u.Status = models.UnitStatusScoring
		return nil
	}); err != nil {
		return nil, err
	}

	stepName := fmt.Sprintf("unit-%d-score-iter-%d", unitID, iter)
	raw, err := run.Step(stepName, func(ctx context.Context) (interface{}, error) {
		return m.generator.Score(ctx, content, rc.Criteria)
	})
	if err != nil {
		return nil, fmt.Errorf("scoring failed: %w", err)
	}

	var score interfaces.ScoreResult
	if err := runtime.DecodeResult(raw, &score); err != nil {
		return nil, err
	}

	if _, err := m.units.UpdateUnit(run.Context(), jobID, unitID, func(u *models.Unit) error {
		u.Score = score.Score
		u.Compliance = &models.ComplianceDetail{
			Score:     score.Score,
			Strengths: score.Strengths,
			Gaps:      score.Gaps,
			MinScore:  rc.Criteria.MinScore,
		}
		u.Status = models.UnitStatusAwaitingApproval
		return nil
	}); err != nil {
		return nil, err
	}

	if err := m.events.Publish(run.Context(), interfaces.Event{
		Type: interfaces.EventUnitConsult,
		Payload: map[string]interface{}{
			"job_id":    jobID,
			"unit_id":   unitID,
			"iteration": iter,
			"score":     score.Score,
		},
	}); err != nil {
		return nil, err
	}

	return &score, nil
}

// awaitDecision suspends until a decision for exactly this iteration
// arrives. Decisions for earlier iterations never match the predicate, so
// a duplicate or stale verdict is discarded rather than double-applied.
func (m *ReviewMachine) awaitDecision(run *runtime.Run, unitID, iter int) (*models.Decision, bool, error) {
	jobID := run.JobID()

	predicate := func(payload map[string]interface{}) bool {
		if !runtime.MatchJobUnit(jobID, unitID)(payload) {
			return false
		}
		decisionIter, ok := interfaces.PayloadInt(payload, "iteration")
		if !ok || decisionIter == 0 {
			return true
		}
		return decisionIter == iter
	}

	result, err := run.WaitForEvent(interfaces.EventUnitDecision, predicate, m.config.DecisionTimeout)
	if err != nil {
		return nil, false, err
	}
	if result.TimedOut {
		return nil, true, nil
	}

	decision, err := models.DecisionFromPayload(result.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("invalid decision payload: %w", err)
	}
	return decision, false, nil
}

// applyDecision archives the verdict and either resolves the unit or
// advances it into the next iteration. The iteration ceiling forces
// approval with the CeilingForced caveat rather than looping forever.
func (m *ReviewMachine) applyDecision(ctx context.Context, unit *models.Unit, decision *models.Decision, score *interfaces.ScoreResult, iter int) (bool, error) {
	jobID := unit.JobID
	unitID := unit.UnitID

	entry := models.FeedbackEntry{
		Iteration:  iter,
		Decision:   string(decision.Decision),
		Feedback:   decision.Feedback,
		FinalScore: decision.FinalScore,
		ReceivedAt: time.Now().UTC(),
	}

	if decision.Decision == models.DecisionApproved {
		_, err := m.units.UpdateUnit(ctx, jobID, unitID, func(u *models.Unit) error {
			u.Status = models.UnitStatusApproved
			u.Score = decision.FinalScore
			u.FeedbackHistory = append(u.FeedbackHistory, entry)
			return nil
		})
		if err != nil {
			return false, err
		}
		m.logger.Info().
			Str("job_id", jobID).
			Int("unit_id", unitID).
			Int("iteration", iter).
			Msg("Unit approved")
		return true, nil
	}

	if iter >= m.config.MaxIterations {
		_, err := m.units.UpdateUnit(ctx, jobID, unitID, func(u *models.Unit) error {
			u.Status = models.UnitStatusApproved
			u.FeedbackHistory = append(u.FeedbackHistory, entry)
			if u.Compliance == nil {
				u.Compliance = &models.ComplianceDetail{Score: score.Score}
			}
			u.Compliance.CeilingForced = true
			return nil
		})
		if err != nil {
			return false, err
		}
		m.logger.Warn().
			Str("job_id", jobID).
			Int("unit_id", unitID).
			Int("max_iterations", m.config.MaxIterations).
			Msg("Iteration ceiling reached, approving with caveat")
		return true, nil
	}

	_, err := m.units.UpdateUnit(ctx, jobID, unitID, func(u *models.Unit) error {
		u.Status = models.UnitStatusIterating
		u.Iteration = iter + 1
		u.FeedbackHistory = append(u.FeedbackHistory, entry)
		return nil
	})
	if err != nil {
		return false, err
	}
	m.logger.Info().
		Str("job_id", jobID).
		Int("unit_id", unitID).
		Int("next_iteration", iter+1).
		Msg("Unit iterating on reviewer feedback")
	return false, nil
}

// blockUnit resolves a unit as blocked with a diagnostic. Best effort:
// the unit may already have resolved.
func (m *ReviewMachine) blockUnit(jobID string, unitID int, reason string) {
	_, err := m.units.UpdateUnit(context.Background(), jobID, unitID, func(u *models.Unit) error {
		if u.Status.IsResolved() {
			return nil
		}
		u.Status = models.UnitStatusBlocked
		u.Error = reason
		return nil
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Int("unit_id", unitID).
			Msg("Failed to block unit")
	}
}

func (m *ReviewMachine) markSkipped(jobID string, unitID int) {
	_, err := m.units.UpdateUnit(context.Background(), jobID, unitID, func(u *models.Unit) error {
		if u.Status.IsResolved() {
			return nil
		}
		u.Status = models.UnitStatusSkipped
		return nil
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Int("unit_id", unitID).
			Msg("Failed to skip unit")
	}
}

// lastFeedback returns the reviewer feedback from the most recent
// archived decision
func lastFeedback(unit *models.Unit) string {
	for i := len(unit.FeedbackHistory) - 1; i >= 0; i-- {
		if unit.FeedbackHistory[i].Feedback != "" {
			return unit.FeedbackHistory[i].Feedback
		}
	}
	return ""
}
