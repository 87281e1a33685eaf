package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/pipeline"
	"github.com/ternarybob/compono/internal/runtime"
	"github.com/ternarybob/compono/internal/services/assembly"
	"github.com/ternarybob/compono/internal/services/events"
	"github.com/ternarybob/compono/internal/services/llm"
	"github.com/ternarybob/compono/internal/services/preparation"
	"github.com/ternarybob/compono/internal/services/proposals"
	"github.com/ternarybob/compono/internal/services/scheduler"
	"github.com/ternarybob/compono/internal/services/scoring"
	badgerstore "github.com/ternarybob/compono/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService
	Scheduler      interfaces.SchedulerService

	Runtime           *runtime.Runtime
	GenerationService interfaces.GenerationService
	ProviderFactory   *llm.ProviderFactory

	ProposalService    *proposals.Service
	PreparationService *preparation.Service
	AssemblyService    *assembly.Service
	ScoringService     *scoring.Service

	Coordinator   *pipeline.Coordinator
	ReviewMachine *pipeline.ReviewMachine
	StallMonitor  *pipeline.StallMonitor
}

// New initializes the application with all dependencies wired but not yet
// listening; call Start to bring the pipeline online
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := badgerstore.NewManager(&cfg.Storage.Badger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.EventService = events.NewService(logger)

	pipelineConfig := pipeline.ConfigFrom(&cfg.Pipeline)
	app.Runtime = runtime.New(
		storageManager.StepStorage(),
		app.EventService,
		logger,
		runtime.Config{
			MaxStepRetries: cfg.Pipeline.StepRetries,
			RetryBackoff:   common.ParseDurationOr(cfg.Pipeline.StepRetryBackoff, 0),
		},
	)

	app.ProviderFactory = llm.NewProviderFactory(&cfg.Gemini, &cfg.Claude, &cfg.LLM, logger)
	app.GenerationService = llm.NewService(app.ProviderFactory, logger)

	app.ProposalService, err = proposals.NewService(
		&cfg.Proposals,
		storageManager.JobStorage(),
		storageManager.UnitStorage(),
		app.EventService,
		logger,
	)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize proposal service: %w", err)
	}

	app.PreparationService = preparation.NewService(
		storageManager.JobStorage(),
		storageManager.UnitStorage(),
		app.EventService,
		app.ProposalService,
		logger,
	)
	app.AssemblyService = assembly.NewService(
		storageManager.JobStorage(),
		storageManager.UnitStorage(),
		app.EventService,
		logger,
		cfg.Output.Dir,
	)
	app.ScoringService = scoring.NewService(
		storageManager.UnitStorage(),
		app.EventService,
		app.GenerationService,
		app.ProposalService,
		logger,
	)

	app.Coordinator = pipeline.NewCoordinator(
		app.Runtime,
		storageManager.JobStorage(),
		storageManager.UnitStorage(),
		app.EventService,
		logger,
		pipelineConfig,
	)
	app.ReviewMachine = pipeline.NewReviewMachine(
		app.Runtime,
		storageManager.UnitStorage(),
		app.EventService,
		app.GenerationService,
		app.ProposalService,
		logger,
		pipelineConfig,
	)

	app.Scheduler = scheduler.NewService(logger)
	app.StallMonitor = pipeline.NewStallMonitor(
		storageManager.JobStorage(),
		logger,
		common.ParseDurationOr(cfg.Scheduler.StallThreshold, 0),
	)

	return app, nil
}

// Start subscribes every component to the event bus and starts the
// scheduler. Subscription order does not matter; the bus fans out.
func (a *App) Start(ctx context.Context) error {
	if err := a.PreparationService.Start(); err != nil {
		return fmt.Errorf("failed to start preparation service: %w", err)
	}
	if err := a.AssemblyService.Start(); err != nil {
		return fmt.Errorf("failed to start assembly service: %w", err)
	}
	if err := a.ScoringService.Start(); err != nil {
		return fmt.Errorf("failed to start scoring service: %w", err)
	}
	if err := a.ReviewMachine.Start(); err != nil {
		return fmt.Errorf("failed to start review machine: %w", err)
	}
	if err := a.Coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if err := a.StallMonitor.Register(a.Scheduler, a.Config.Scheduler.StallSchedule); err != nil {
		return fmt.Errorf("failed to register stall monitor: %w", err)
	}
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.recoverInterruptedJobs(ctx)

	a.Logger.Info().
		Str("environment", a.Config.Environment).
		Msg("Application started")
	return nil
}

// recoverInterruptedJobs re-enters jobs a previous process left mid-run.
// Their step records replay the completed phases, so each resumes where
// it stopped instead of staying parked forever.
func (a *App) recoverInterruptedJobs(ctx context.Context) {
	for _, status := range []models.JobStatus{models.JobStatusProcessing, models.JobStatusReview} {
		jobs, err := a.StorageManager.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{Status: status})
		if err != nil {
			a.Logger.Warn().Err(err).Str("status", string(status)).Msg("Recovery scan failed")
			continue
		}
		for _, job := range jobs {
			a.Logger.Info().
				Str("job_id", job.ID).
				Str("status", string(job.Status)).
				Msg("Re-entering interrupted job")
			go func(jobID string) {
				if err := a.Coordinator.Execute(context.Background(), jobID); err != nil {
					a.Logger.Error().Err(err).Str("job_id", jobID).Msg("Re-entered job ended with error")
				}
			}(job.ID)
		}
	}
}

// Shutdown stops background work and closes storage
func (a *App) Shutdown() {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.ProviderFactory != nil {
		if err := a.ProviderFactory.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Provider factory close failed")
		}
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}

	a.Logger.Info().Msg("Application stopped")
}
