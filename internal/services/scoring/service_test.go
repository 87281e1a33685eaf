package scoring

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/services/events"
	badgerstore "github.com/ternarybob/compono/internal/storage/badger"
)

type recordingScorer struct {
	mu       sync.Mutex
	content  string
	criteria interfaces.ScoringCriteria
	result   *interfaces.ScoreResult
	err      error
}

func (r *recordingScorer) Generate(ctx context.Context, request *interfaces.GenerationRequest) (string, error) {
	return "", nil
}

func (r *recordingScorer) Score(ctx context.Context, content string, criteria interfaces.ScoringCriteria) (*interfaces.ScoreResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = content
	r.criteria = criteria
	return r.result, r.err
}

type staticCriteria struct {
	def *models.ProposalDefinition
}

func (s *staticCriteria) DefinitionForJob(ctx context.Context, jobID string) (*models.ProposalDefinition, error) {
	return s.def, nil
}

type scoringHarness struct {
	t       *testing.T
	units   interfaces.UnitStorage
	events  interfaces.EventService
	scorer  *recordingScorer
	results chan map[string]interface{}
}

func newScoringHarness(t *testing.T) *scoringHarness {
	logger := common.GetLogger()
	manager, err := badgerstore.NewManager(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	bus := events.NewService(logger)
	scorer := &recordingScorer{result: &interfaces.ScoreResult{Score: 83, Strengths: []string{"consistent"}, Gaps: nil}}
	criteria := &staticCriteria{def: &models.ProposalDefinition{
		Name:     "default",
		Units:    []models.UnitDefinition{{ID: 1, Name: "Summary", Prompt: "p"}},
		Criteria: models.CriteriaDefinition{MinScore: 80, Dimensions: []string{"clarity"}},
	}}

	h := &scoringHarness{
		t:       t,
		units:   manager.UnitStorage(),
		events:  bus,
		scorer:  scorer,
		results: make(chan map[string]interface{}, 1),
	}

	require.NoError(t, bus.Subscribe(interfaces.EventScoringComplete, func(ctx context.Context, event interfaces.Event) error {
		h.results <- interfaces.PayloadMap(event)
		return nil
	}))
	require.NoError(t, NewService(manager.UnitStorage(), bus, scorer, criteria, logger).Start())
	return h
}

func (h *scoringHarness) seedUnit(jobID string, unitID int, name string, status models.UnitStatus, content string) {
	unit := models.NewUnit(jobID, unitID, name, "prompt", 10, 50)
	unit.Status = status
	unit.Content = content
	require.NoError(h.t, h.units.CreateUnit(context.Background(), unit))
}

func (h *scoringHarness) start(jobID string) map[string]interface{} {
	h.t.Helper()
	require.NoError(h.t, h.events.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventScoringStart,
		Payload: map[string]interface{}{"job_id": jobID},
	}))
	select {
	case payload := <-h.results:
		return payload
	case <-time.After(5 * time.Second):
		h.t.Fatal("scoring.complete never published")
		return nil
	}
}

func TestScoreAssessesApprovedSectionsTogether(t *testing.T) {
	h := newScoringHarness(t)
	h.seedUnit("job-s1", 1, "Summary", models.UnitStatusApproved, "We will refresh the network.")
	h.seedUnit("job-s1", 2, "Detail", models.UnitStatusApproved, "Three phases over six months.")
	h.seedUnit("job-s1", 3, "Pricing", models.UnitStatusBlocked, "should not appear")

	payload := h.start("job-s1")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.True(t, success)
	require.Equal(t, 83.0, payload["score"])

	h.scorer.mu.Lock()
	defer h.scorer.mu.Unlock()
	require.Contains(t, h.scorer.content, "## Summary")
	require.Contains(t, h.scorer.content, "Three phases")
	require.NotContains(t, h.scorer.content, "should not appear")
	require.Less(t, strings.Index(h.scorer.content, "Summary"), strings.Index(h.scorer.content, "Detail"))
}

func TestScoreAddsConsistencyDimensions(t *testing.T) {
	h := newScoringHarness(t)
	h.seedUnit("job-s2", 1, "Summary", models.UnitStatusApproved, "Content.")

	payload := h.start("job-s2")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.True(t, success)

	h.scorer.mu.Lock()
	defer h.scorer.mu.Unlock()
	require.Equal(t, []string{"cross-section consistency", "narrative coherence", "clarity"}, h.scorer.criteria.Dimensions)
	require.Equal(t, 80.0, h.scorer.criteria.MinScore)
}

func TestScoreFailsWithNoApprovedContent(t *testing.T) {
	h := newScoringHarness(t)
	h.seedUnit("job-s3", 1, "Summary", models.UnitStatusSkipped, "")

	payload := h.start("job-s3")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.False(t, success)
	require.Contains(t, interfaces.PayloadString(payload, "error"), "no approved content")
}
