package interfaces

import "time"

// ScheduledJobStatus reports a registered scheduler job
type ScheduledJobStatus struct {
	Name        string
	Schedule    string
	Description string
	Enabled     bool
	LastRun     *time.Time
	NextRun     *time.Time
	IsRunning   bool
	LastError   string
}

// SchedulerService manages cron-driven background jobs (e.g. the stall
// monitor sweep), independent of any pipeline job's lifecycle
type SchedulerService interface {
	// RegisterJob registers a handler on a cron schedule
	RegisterJob(name, schedule, description string, handler func() error) error

	// Start begins dispatching registered jobs
	Start() error

	// Stop halts the scheduler
	Stop() error

	// TriggerJob runs a registered job immediately
	TriggerJob(name string) error

	// GetJobStatus returns the status of a registered job
	GetJobStatus(name string) (*ScheduledJobStatus, error)

	// IsRunning returns true when the scheduler is active
	IsRunning() bool
}
