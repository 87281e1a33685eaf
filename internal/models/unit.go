package models

import (
	"fmt"
	"time"
)

// UnitStatus is the per-unit review state machine enum
type UnitStatus string

const (
	UnitStatusPending          UnitStatus = "pending"
	UnitStatusGenerating       UnitStatus = "generating"
	UnitStatusReadyForScoring  UnitStatus = "ready_for_scoring"
	UnitStatusScoring          UnitStatus = "scoring"
	UnitStatusAwaitingApproval UnitStatus = "awaiting_approval"
	UnitStatusIterating        UnitStatus = "iterating"
	UnitStatusApproved         UnitStatus = "approved"
	UnitStatusBlocked          UnitStatus = "blocked"
	UnitStatusSkipped          UnitStatus = "skipped"
)

// IsResolved returns true when the unit no longer blocks job convergence
func (s UnitStatus) IsResolved() bool {
	return s == UnitStatusApproved || s == UnitStatusBlocked || s == UnitStatusSkipped
}

// ComplianceDetail is the structured scoring breakdown for a unit
type ComplianceDetail struct {
	Score     float64  `json:"score"`
	Strengths []string `json:"strengths,omitempty"`
	Gaps      []string `json:"gaps,omitempty"`
	MinScore  float64  `json:"min_score,omitempty"`

	// CeilingForced records that approval was forced when the iteration
	// ceiling was reached rather than granted by a reviewer
	CeilingForced bool `json:"ceiling_forced,omitempty"`
}

// FeedbackEntry archives one consumed decision event for audit
type FeedbackEntry struct {
	Iteration  int       `json:"iteration"`
	Decision   string    `json:"decision"`
	Feedback   string    `json:"feedback,omitempty"`
	FinalScore float64   `json:"final_score,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Unit is one independently generated sub-section of the proposal.
// Each unit is its own keyed record with an optimistic concurrency Version,
// so sibling units updating concurrently never lose writes.
type Unit struct {
	Key    string `json:"key"` // "<job_id>/<unit_id>", storage key
	JobID  string `json:"job_id"`
	UnitID int    `json:"unit_id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`

	Status    UnitStatus `json:"status"`
	Iteration int        `json:"iteration"` // Starts at 1, bounded by pipeline.max_iterations
	Score     float64    `json:"score"`
	Content   string     `json:"content,omitempty"`

	Compliance      *ComplianceDetail `json:"compliance_detail,omitempty"`
	FeedbackHistory []FeedbackEntry   `json:"feedback_history,omitempty"`
	Error           string            `json:"error,omitempty"`

	// Progress range this unit occupies on the job's progress bar
	ProgressFloor   int `json:"progress_floor"`
	ProgressCeiling int `json:"progress_ceiling"`

	// Version is the optimistic concurrency token; every successful
	// update increments it
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnitKey builds the storage key for a unit record
func UnitKey(jobID string, unitID int) string {
	return fmt.Sprintf("%s/%d", jobID, unitID)
}

// NewUnit creates a pending unit at iteration 1
func NewUnit(jobID string, unitID int, name, prompt string, progressFloor, progressCeiling int) *Unit {
	return &Unit{
		Key:             UnitKey(jobID, unitID),
		JobID:           jobID,
		UnitID:          unitID,
		Name:            name,
		Prompt:          prompt,
		Status:          UnitStatusPending,
		Iteration:       1,
		ProgressFloor:   progressFloor,
		ProgressCeiling: progressCeiling,
		UpdatedAt:       time.Now().UTC(),
	}
}
