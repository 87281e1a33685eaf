package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob applies a partial mutation inside a read-modify-write and
// refreshes the heartbeat timestamp
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if err := mutate(&job); err != nil {
		return nil, err
	}

	job.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(jobID, &job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return &job, nil
}

// UpdateJobStatus moves the status enum. Terminal states are write-once:
// once a job is completed, failed or cancelled, further status writes are
// silently ignored.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, currentStep string) error {
	_, err := s.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if job.Status.IsTerminal() {
			s.logger.Debug().
				Str("job_id", jobID).
				Str("current", string(job.Status)).
				Str("requested", string(status)).
				Msg("Ignoring status write on terminal job")
			return nil
		}

		job.Status = status
		if currentStep != "" {
			job.CurrentStep = currentStep
		}
		if status == models.JobStatusProcessing && job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
		if status.IsTerminal() {
			job.MarkFinished()
		}
		return nil
	})
	return err
}

// UpdateJobProgress raises progress_percent; it never decreases while the
// job is processing
func (s *JobStorage) UpdateJobProgress(ctx context.Context, jobID string, percent int, currentStep string) error {
	_, err := s.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if job.Status.IsTerminal() {
			return nil
		}
		if percent > job.ProgressPercent {
			job.ProgressPercent = percent
		}
		if currentStep != "" {
			job.CurrentStep = currentStep
		}
		return nil
	})
	return err
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.OrderBy != "" {
			query = query.SortBy(opts.OrderBy)
			if opts.Desc {
				query = query.Reverse()
			}
		} else {
			query = query.SortBy("CreatedAt").Reverse()
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// GetStaleJobs returns active jobs whose heartbeat is older than the
// threshold. Both processing and review count as active: review jobs are
// heartbeated by the convergence poll, so a dead process stops refreshing
// either way. Used by the stall monitor sweep.
func (s *JobStorage) GetStaleJobs(ctx context.Context, threshold time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	var jobs []models.Job
	err := s.db.Store().Find(&jobs,
		badgerhold.Where("Status").In(models.JobStatusProcessing, models.JobStatusReview).And("UpdatedAt").Lt(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
