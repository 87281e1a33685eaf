// Package proposals is the request boundary: it owns proposal definitions,
// creates jobs, submits reviewer decisions, and requests or cancels
// generation. Everything downstream reacts to the events published here.
package proposals

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/pipeline"
)

// Service implements the proposal request boundary
type Service struct {
	config *common.ProposalsConfig
	jobs   interfaces.JobStorage
	units  interfaces.UnitStorage
	events interfaces.EventService
	logger arbor.ILogger

	mu          sync.RWMutex
	definitions map[string]*models.ProposalDefinition
}

// NewService loads the proposal definitions and creates the service. The
// built-in default definition is always available unless a file shadows it.
func NewService(
	config *common.ProposalsConfig,
	jobs interfaces.JobStorage,
	units interfaces.UnitStorage,
	events interfaces.EventService,
	logger arbor.ILogger,
) (*Service, error) {
	definitions, err := models.LoadProposalDefinitions(config.DefinitionsDir)
	if err != nil {
		return nil, err
	}

	builtin := models.DefaultProposalDefinition()
	if _, exists := definitions[builtin.Name]; !exists {
		definitions[builtin.Name] = builtin
	}

	logger.Info().
		Int("definition_count", len(definitions)).
		Str("definitions_dir", config.DefinitionsDir).
		Msg("Proposal definitions loaded")

	return &Service{
		config:      config,
		jobs:        jobs,
		units:       units,
		events:      events,
		logger:      logger,
		definitions: definitions,
	}, nil
}

// Definition returns a loaded definition by name; an empty name selects
// the configured default
func (s *Service) Definition(name string) (*models.ProposalDefinition, error) {
	if name == "" {
		name = s.config.DefaultName
	}
	if name == "" {
		name = "default"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[name]
	if !exists {
		return nil, fmt.Errorf("unknown proposal definition %q", name)
	}
	return def, nil
}

// DefinitionForJob resolves the definition a job was created with
func (s *Service) DefinitionForJob(ctx context.Context, jobID string) (*models.ProposalDefinition, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.Definition(job.DefinitionName)
}

// ResolveReviewContext implements pipeline.DefinitionResolver
func (s *Service) ResolveReviewContext(ctx context.Context, jobID string) (*pipeline.ReviewContext, error) {
	def, err := s.DefinitionForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &pipeline.ReviewContext{
		SystemInstruction: def.SystemInstruction,
		Criteria: interfaces.ScoringCriteria{
			Dimensions: def.Criteria.Dimensions,
			MinScore:   def.Criteria.MinScore,
		},
	}, nil
}

// CreateJob creates a draft job against a definition. The input map is
// snapshotted on the job and never mutated afterwards.
func (s *Service) CreateJob(ctx context.Context, definitionName string, input map[string]interface{}) (*models.Job, error) {
	def, err := s.Definition(definitionName)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(common.NewJobID(), def.Name, input, len(def.Units))
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("definition", def.Name).
		Int("unit_count", job.UnitCount).
		Msg("Proposal job created")

	return job, nil
}

// RequestGeneration kicks off the pipeline for a created job
func (s *Service) RequestGeneration(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already finished with status %s", jobID, job.Status)
	}

	return s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventGenerationRequested,
		Payload: map[string]interface{}{"job_id": jobID},
	})
}

// SubmitDecision validates and publishes a reviewer decision. The verdict
// is pinned to the unit's current iteration when the caller leaves the
// iteration unset; a decision for an older iteration is rejected here
// before it ever hits the event bus.
func (s *Service) SubmitDecision(ctx context.Context, decision *models.Decision) error {
	if decision == nil {
		return fmt.Errorf("decision is required")
	}
	if err := decision.Validate(); err != nil {
		return err
	}

	unit, err := s.units.GetUnit(ctx, decision.JobID, decision.UnitID)
	if err != nil {
		return err
	}
	if unit.Status.IsResolved() {
		return fmt.Errorf("unit %s already resolved as %s", unit.Key, unit.Status)
	}

	if decision.Iteration == 0 {
		decision.Iteration = unit.Iteration
	} else if decision.Iteration != unit.Iteration {
		return fmt.Errorf("decision targets iteration %d but unit %s is on iteration %d",
			decision.Iteration, unit.Key, unit.Iteration)
	}

	s.logger.Info().
		Str("job_id", decision.JobID).
		Int("unit_id", decision.UnitID).
		Int("iteration", decision.Iteration).
		Str("decision", string(decision.Decision)).
		Msg("Decision submitted")

	return s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventUnitDecision,
		Payload: decision.Payload(),
	})
}

// Cancel requests teardown of a running job
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already finished with status %s", jobID, job.Status)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Cancellation requested")

	return s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventGenerationCancelled,
		Payload: map[string]interface{}{"job_id": jobID},
	})
}

// GetJob returns a job with its unit records
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, []*models.Unit, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	units, err := s.units.ListUnits(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, units, nil
}

// ListJobs queries jobs through the storage filters
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.jobs.ListJobs(ctx, opts)
}
