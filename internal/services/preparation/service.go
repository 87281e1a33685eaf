// Package preparation seeds a job's unit records from its proposal
// definition in response to preparation.start, and reports the outcome on
// preparation.complete.
package preparation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
)

// DefinitionSource resolves the proposal definition backing a job
type DefinitionSource interface {
	DefinitionForJob(ctx context.Context, jobID string) (*models.ProposalDefinition, error)
}

// Service is the preparation collaborator
type Service struct {
	jobs        interfaces.JobStorage
	units       interfaces.UnitStorage
	events      interfaces.EventService
	definitions DefinitionSource
	logger      arbor.ILogger
}

// NewService creates the preparation service
func NewService(
	jobs interfaces.JobStorage,
	units interfaces.UnitStorage,
	events interfaces.EventService,
	definitions DefinitionSource,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:        jobs,
		units:       units,
		events:      events,
		definitions: definitions,
		logger:      logger,
	}
}

// Start subscribes the service to preparation.start events
func (s *Service) Start() error {
	return s.events.Subscribe(interfaces.EventPreparationStart, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		jobID := interfaces.PayloadString(payload, "job_id")
		if jobID == "" {
			return fmt.Errorf("preparation start missing job_id")
		}

		if err := s.prepare(ctx, jobID); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Preparation failed")
			return s.events.Publish(ctx, interfaces.Event{
				Type: interfaces.EventPreparationComplete,
				Payload: map[string]interface{}{
					"job_id":  jobID,
					"success": false,
					"error":   err.Error(),
				},
			})
		}

		return s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventPreparationComplete,
			Payload: map[string]interface{}{
				"job_id":  jobID,
				"success": true,
			},
		})
	})
}

// prepare validates the definition and seeds the unit records. Idempotent:
// a replayed start finds the units already created and succeeds.
func (s *Service) prepare(ctx context.Context, jobID string) error {
	def, err := s.definitions.DefinitionForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("definition lookup failed: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	created := 0
	for _, ud := range def.Units {
		unit := models.NewUnit(jobID, ud.ID, ud.Name, ud.Prompt, ud.ProgressFloor, ud.ProgressCeiling)
		if err := s.units.CreateUnit(ctx, unit); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("failed to seed unit %d: %w", ud.ID, err)
		}
		created++
	}

	if _, err := s.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		job.UnitCount = len(def.Units)
		return nil
	}); err != nil {
		return err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("definition", def.Name).
		Int("units_seeded", created).
		Int("unit_count", len(def.Units)).
		Msg("Preparation complete")

	return nil
}
