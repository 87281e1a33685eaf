package models

import (
	"fmt"
)

// DecisionType is the human verdict on a unit awaiting approval
type DecisionType string

const (
	DecisionApproved DecisionType = "approved"
	DecisionIterate  DecisionType = "iterate"
)

// Decision is the external, human-originated signal correlated to
// (job_id, unit_id) that unblocks a unit's review state machine.
type Decision struct {
	JobID      string       `json:"job_id"`
	UnitID     int          `json:"unit_id"`
	Iteration  int          `json:"iteration"` // Which iteration the verdict applies to
	Decision   DecisionType `json:"decision"`
	Feedback   string       `json:"feedback,omitempty"`    // Required when iterating
	FinalScore float64      `json:"final_score,omitempty"` // Required when approving
}

// Validate enforces the decision contract
func (d *Decision) Validate() error {
	if d.JobID == "" {
		return fmt.Errorf("decision requires a job_id")
	}
	if d.UnitID < 1 {
		return fmt.Errorf("decision requires a positive unit_id")
	}
	switch d.Decision {
	case DecisionApproved:
		if d.FinalScore <= 0 {
			return fmt.Errorf("approval requires a final_score")
		}
	case DecisionIterate:
		if d.Feedback == "" {
			return fmt.Errorf("iterate requires feedback")
		}
	default:
		return fmt.Errorf("unknown decision %q", d.Decision)
	}
	return nil
}

// Payload serializes the decision as an event payload map
func (d *Decision) Payload() map[string]interface{} {
	return map[string]interface{}{
		"job_id":      d.JobID,
		"unit_id":     d.UnitID,
		"iteration":   d.Iteration,
		"decision":    string(d.Decision),
		"feedback":    d.Feedback,
		"final_score": d.FinalScore,
	}
}

// DecisionFromPayload parses a unit.decision event payload
func DecisionFromPayload(payload map[string]interface{}) (*Decision, error) {
	if payload == nil {
		return nil, fmt.Errorf("decision payload is nil")
	}
	d := &Decision{
		JobID:    stringField(payload, "job_id"),
		Decision: DecisionType(stringField(payload, "decision")),
		Feedback: stringField(payload, "feedback"),
	}
	d.UnitID = intField(payload, "unit_id")
	d.Iteration = intField(payload, "iteration")
	d.FinalScore = floatField(payload, "final_score")
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func intField(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
