// Package scoring computes the cross-unit consistency score over the
// assembled proposal in response to scoring.start, and reports the result
// on scoring.complete.
package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
)

// CriteriaSource resolves the scoring criteria for a job's definition
type CriteriaSource interface {
	DefinitionForJob(ctx context.Context, jobID string) (*models.ProposalDefinition, error)
}

// Service is the final scoring collaborator
type Service struct {
	units     interfaces.UnitStorage
	events    interfaces.EventService
	generator interfaces.GenerationService
	criteria  CriteriaSource
	logger    arbor.ILogger
}

// NewService creates the final scoring service
func NewService(
	units interfaces.UnitStorage,
	events interfaces.EventService,
	generator interfaces.GenerationService,
	criteria CriteriaSource,
	logger arbor.ILogger,
) *Service {
	return &Service{
		units:     units,
		events:    events,
		generator: generator,
		criteria:  criteria,
		logger:    logger,
	}
}

// Start subscribes the service to scoring.start events
func (s *Service) Start() error {
	return s.events.Subscribe(interfaces.EventScoringStart, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		jobID := interfaces.PayloadString(payload, "job_id")
		if jobID == "" {
			return fmt.Errorf("scoring start missing job_id")
		}

		result, err := s.score(ctx, jobID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Final scoring failed")
			return s.events.Publish(ctx, interfaces.Event{
				Type: interfaces.EventScoringComplete,
				Payload: map[string]interface{}{
					"job_id":  jobID,
					"success": false,
					"error":   err.Error(),
				},
			})
		}

		return s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventScoringComplete,
			Payload: map[string]interface{}{
				"job_id":  jobID,
				"success": true,
				"score":   result.Score,
			},
		})
	})
}

// score assesses the full document rather than individual sections: the
// per-unit reviews already judged each section, this pass judges how the
// sections hang together.
func (s *Service) score(ctx context.Context, jobID string) (*interfaces.ScoreResult, error) {
	units, err := s.units.ListUnits(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	included := 0
	for _, unit := range units {
		if unit.Status != models.UnitStatusApproved || unit.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", unit.Name, unit.Content)
		included++
	}
	if included == 0 {
		return nil, fmt.Errorf("no approved content to score")
	}

	def, err := s.criteria.DefinitionForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	criteria := interfaces.ScoringCriteria{
		Dimensions: append([]string{"cross-section consistency", "narrative coherence"}, def.Criteria.Dimensions...),
		MinScore:   def.Criteria.MinScore,
	}

	result, err := s.generator.Score(ctx, b.String(), criteria)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("sections", included).
		Str("score", fmt.Sprintf("%.1f", result.Score)).
		Msg("Final document scored")

	return result, nil
}
