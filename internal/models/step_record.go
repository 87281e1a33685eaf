package models

import (
	"encoding/json"
	"time"
)

// StepStatus tracks the lifecycle of one durable step execution
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord memoizes one named step inside a job run. A completed record
// means the step's side-effecting body ran to completion exactly once for
// this job; re-entering the run returns the stored result without
// re-executing the body.
type StepRecord struct {
	Key      string     `json:"key"` // "<job_id>|<step_name>"
	JobID    string     `json:"job_id"`
	StepName string     `json:"step_name"`
	Status   StepStatus `json:"status"`

	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`

	UpdatedAt time.Time `json:"updated_at"`
}

// StepKey builds the storage key for a step record
func StepKey(jobID, stepName string) string {
	return jobID + "|" + stepName
}
