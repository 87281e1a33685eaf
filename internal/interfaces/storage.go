package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/compono/internal/models"
)

// JobListOptions filters job queries
type JobListOptions struct {
	Status  models.JobStatus
	Limit   int
	Offset  int
	OrderBy string
	Desc    bool
}

// JobStorage persists proposal job records. Every successful write
// refreshes the job's UpdatedAt heartbeat.
type JobStorage interface {
	// CreateJob inserts a new job; fails if the id already exists
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob returns a job by id
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJob applies a partial mutation inside a read-modify-write.
	// The mutate function receives the freshly read record.
	UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, error)

	// UpdateJobStatus moves the status enum; terminal states are never
	// re-entered (a second terminal write is a silent no-op)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, currentStep string) error

	// UpdateJobProgress raises progress_percent (monotonic while
	// processing) and sets the display step text
	UpdateJobProgress(ctx context.Context, jobID string, percent int, currentStep string) error

	// ListJobs queries jobs with filters
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)

	// GetStaleJobs returns processing jobs whose heartbeat is older than
	// the threshold
	GetStaleJobs(ctx context.Context, threshold time.Duration) ([]*models.Job, error)
}

// UnitStorage persists unit records with optimistic concurrency. Units are
// separate keyed records so concurrent sibling updates never lose writes.
type UnitStorage interface {
	// CreateUnit inserts a new unit record
	CreateUnit(ctx context.Context, unit *models.Unit) error

	// GetUnit returns one unit
	GetUnit(ctx context.Context, jobID string, unitID int) (*models.Unit, error)

	// ListUnits returns all units for a job ordered by unit id
	ListUnits(ctx context.Context, jobID string) ([]*models.Unit, error)

	// UpdateUnit applies a mutation under the unit's version token,
	// retrying the read-modify-write on conflict
	UpdateUnit(ctx context.Context, jobID string, unitID int, mutate func(*models.Unit) error) (*models.Unit, error)
}

// StepStorage persists step execution records for the durable runtime
type StepStorage interface {
	// GetStep returns the record for (job_id, step_name), or nil when the
	// step has never completed or failed
	GetStep(ctx context.Context, jobID, stepName string) (*models.StepRecord, error)

	// PutStep upserts a step record
	PutStep(ctx context.Context, record *models.StepRecord) error

	// DeleteJobSteps removes all step records for a job (run cleanup)
	DeleteJobSteps(ctx context.Context, jobID string) error
}

// StorageManager aggregates the storage surfaces behind one lifecycle
type StorageManager interface {
	JobStorage() JobStorage
	UnitStorage() UnitStorage
	StepStorage() StepStorage
	Close() error
}
