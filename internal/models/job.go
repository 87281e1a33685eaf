package models

import (
	"time"
)

// JobStatus is the closed machine-checked status enum for a proposal job.
// CurrentStep carries the human-readable progress text and is never parsed
// for control flow.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusIntake     JobStatus = "intake"
	JobStatusValidating JobStatus = "validating"
	JobStatusBlocked    JobStatus = "blocked"
	JobStatusProcessing JobStatus = "processing"
	JobStatusReview     JobStatus = "review"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true for states a job never leaves
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Phase annotation values for degradable phases (assembly, final scoring)
const (
	PhaseStatusCompleted = "completed"
	PhaseStatusFailed    = "failed"
)

// Job is one end-to-end request to produce a composite proposal document.
// Units are stored as separate keyed records (see Unit), not embedded here,
// so concurrent unit updates never contend on the job record.
type Job struct {
	ID             string    `json:"id"`
	DefinitionName string    `json:"definition_name"` // Proposal definition used for this job
	Status         JobStatus `json:"status"`

	// ProgressPercent is monotonic non-decreasing while Status is processing
	ProgressPercent int `json:"progress_percent"`

	// CurrentStep is display-only free text describing the active step
	CurrentStep string `json:"current_step"`

	// Error holds the terminal diagnostic when Status is failed
	Error string `json:"error,omitempty"`

	// Input is the immutable request payload snapshot at creation time
	Input map[string]interface{} `json:"input"`

	UnitCount int `json:"unit_count"`

	// Degradable phase annotations; a timed-out assembly or final scoring
	// marks its annotation failed without blocking completion
	AssemblyStatus     string `json:"assembly_status,omitempty"`
	FinalScoringStatus string `json:"final_scoring_status,omitempty"`

	// FinalScore is the cross-unit consistency score computed at the end
	FinalScore *ComplianceDetail `json:"final_score,omitempty"`

	// DocumentPath points at the assembled output when assembly succeeded
	DocumentPath string `json:"document_path,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"` // Heartbeat: refreshed by every successful state write
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a job in draft state
func NewJob(id, definitionName string, input map[string]interface{}, unitCount int) *Job {
	if input == nil {
		input = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Job{
		ID:             id,
		DefinitionName: definitionName,
		Status:         JobStatusDraft,
		Input:          input,
		UnitCount:      unitCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkStarted transitions the job into processing
func (j *Job) MarkStarted() {
	j.Status = JobStatusProcessing
	now := time.Now().UTC()
	j.StartedAt = &now
}

// MarkFinished stamps the terminal timestamp
func (j *Job) MarkFinished() {
	now := time.Now().UTC()
	j.FinishedAt = &now
}
