package interfaces

import "context"

// GenerationRequest carries the prompt and context for one content generation call
type GenerationRequest struct {
	// SystemInstruction frames the generation (proposal tone, audience)
	SystemInstruction string

	// Prompt is the unit-specific generation prompt
	Prompt string

	// Feedback carries reviewer feedback when regenerating during an iterate loop
	Feedback string

	// PriorContent is the previous iteration's content, present when iterating
	PriorContent string

	// Model optionally selects a specific provider model
	Model string
}

// ScoringCriteria describes what a quality score is measured against
type ScoringCriteria struct {
	Dimensions []string // e.g. "clarity", "completeness", "compliance"
	MinScore   float64  // advisory threshold recorded alongside results
}

// ScoreResult is a structured quality assessment of generated content.
// A low score is a normal result, not an error; errors mean the scoring
// call itself failed.
type ScoreResult struct {
	Score     float64  `json:"score"` // 0-100
	Strengths []string `json:"strengths"`
	Gaps      []string `json:"gaps"`
}

// GenerationService is the content-generation collaborator boundary.
// The orchestrator treats it as a black box with possible transient failure.
type GenerationService interface {
	// Generate produces content for the given request
	Generate(ctx context.Context, request *GenerationRequest) (string, error)

	// Score computes a quality score for generated content against criteria
	Score(ctx context.Context, content string, criteria ScoringCriteria) (*ScoreResult, error)
}
