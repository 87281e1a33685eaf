package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
)

// Service implements the GenerationService interface over the provider
// factory. It owns prompt composition for generation, regeneration with
// reviewer feedback, and structured quality scoring.
type Service struct {
	factory *ProviderFactory
	logger  arbor.ILogger
}

// NewService creates a generation service backed by the provider factory
func NewService(factory *ProviderFactory, logger arbor.ILogger) interfaces.GenerationService {
	return &Service{
		factory: factory,
		logger:  logger,
	}
}

// Generate produces content for the request. On iterations past the first
// the prior content and reviewer feedback are carried as conversation
// turns so the provider revises rather than starts over.
func (s *Service) Generate(ctx context.Context, request *interfaces.GenerationRequest) (string, error) {
	if request == nil || request.Prompt == "" {
		return "", fmt.Errorf("generation request requires a prompt")
	}

	messages := []Message{
		{Role: RoleUser, Content: request.Prompt},
	}

	if request.PriorContent != "" {
		messages = append(messages,
			Message{Role: RoleAssistant, Content: request.PriorContent},
			Message{Role: RoleUser, Content: revisionPrompt(request.Feedback)},
		)
	}

	resp, err := s.factory.GenerateContent(ctx, &ContentRequest{
		Messages:          messages,
		Model:             request.Model,
		SystemInstruction: request.SystemInstruction,
	})
	if err != nil {
		return "", fmt.Errorf("content generation failed: %w", err)
	}

	s.logger.Debug().
		Str("provider", string(resp.Provider)).
		Str("model", resp.Model).
		Int("content_length", len(resp.Text)).
		Msg("Content generated")

	return resp.Text, nil
}

// Score computes a quality score for content against criteria. The model
// is asked for a strict JSON object; a malformed reply is a failed call,
// not a low score.
func (s *Service) Score(ctx context.Context, content string, criteria interfaces.ScoringCriteria) (*interfaces.ScoreResult, error) {
	if content == "" {
		return nil, fmt.Errorf("cannot score empty content")
	}

	resp, err := s.factory.GenerateContent(ctx, &ContentRequest{
		Messages: []Message{
			{Role: RoleUser, Content: scoringPrompt(content, criteria)},
		},
		SystemInstruction: "You are a strict proposal quality reviewer. Respond with JSON only.",
		Temperature:       0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring call failed: %w", err)
	}

	result, err := parseScoreResult(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("scoring response unusable: %w", err)
	}

	s.logger.Debug().
		Str("provider", string(resp.Provider)).
		Str("score", fmt.Sprintf("%.1f", result.Score)).
		Int("gap_count", len(result.Gaps)).
		Msg("Content scored")

	return result, nil
}

func revisionPrompt(feedback string) string {
	var b strings.Builder
	b.WriteString("Revise the draft above.")
	if feedback != "" {
		b.WriteString(" Address this reviewer feedback:\n\n")
		b.WriteString(feedback)
	}
	b.WriteString("\n\nReturn the complete revised section, not a diff or commentary.")
	return b.String()
}

func scoringPrompt(content string, criteria interfaces.ScoringCriteria) string {
	dimensions := criteria.Dimensions
	if len(dimensions) == 0 {
		dimensions = []string{"clarity", "completeness", "compliance"}
	}

	var b strings.Builder
	b.WriteString("Assess the following content against these dimensions: ")
	b.WriteString(strings.Join(dimensions, ", "))
	b.WriteString(".\n")
	if criteria.MinScore > 0 {
		fmt.Fprintf(&b, "The acceptance threshold is %.0f out of 100.\n", criteria.MinScore)
	}
	b.WriteString("Respond with exactly one JSON object of the form:\n")
	b.WriteString(`{"score": <number 0-100>, "strengths": ["..."], "gaps": ["..."]}`)
	b.WriteString("\n\nContent:\n\n")
	b.WriteString(content)
	return b.String()
}

// parseScoreResult extracts the JSON score object from a model reply,
// tolerating markdown code fences and surrounding prose
func parseScoreResult(text string) (*interfaces.ScoreResult, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in scoring response")
	}

	var result interfaces.ScoreResult
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("failed to parse scoring JSON: %w", err)
	}

	if result.Score < 0 || result.Score > 100 {
		return nil, fmt.Errorf("score %.1f outside 0-100 range", result.Score)
	}

	return &result, nil
}
