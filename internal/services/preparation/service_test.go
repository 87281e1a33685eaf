package preparation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/services/events"
	badgerstore "github.com/ternarybob/compono/internal/storage/badger"
)

type stubDefinitionSource struct {
	def *models.ProposalDefinition
	err error
}

func (s *stubDefinitionSource) DefinitionForJob(ctx context.Context, jobID string) (*models.ProposalDefinition, error) {
	return s.def, s.err
}

type preparationHarness struct {
	t       *testing.T
	jobs    interfaces.JobStorage
	units   interfaces.UnitStorage
	events  interfaces.EventService
	source  *stubDefinitionSource
	results chan map[string]interface{}
}

func newPreparationHarness(t *testing.T) *preparationHarness {
	logger := common.GetLogger()
	manager, err := badgerstore.NewManager(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	bus := events.NewService(logger)
	source := &stubDefinitionSource{def: &models.ProposalDefinition{
		Name:              "two-part",
		SystemInstruction: "Write formally.",
		Units: []models.UnitDefinition{
			{ID: 1, Name: "Summary", Prompt: "Write the summary.", ProgressFloor: 10, ProgressCeiling: 50},
			{ID: 2, Name: "Detail", Prompt: "Write the detail.", ProgressFloor: 50, ProgressCeiling: 90},
		},
	}}

	h := &preparationHarness{
		t:       t,
		jobs:    manager.JobStorage(),
		units:   manager.UnitStorage(),
		events:  bus,
		source:  source,
		results: make(chan map[string]interface{}, 2),
	}

	require.NoError(t, bus.Subscribe(interfaces.EventPreparationComplete, func(ctx context.Context, event interfaces.Event) error {
		h.results <- interfaces.PayloadMap(event)
		return nil
	}))
	require.NoError(t, NewService(h.jobs, h.units, bus, source, logger).Start())
	return h
}

func (h *preparationHarness) start(jobID string) map[string]interface{} {
	h.t.Helper()
	require.NoError(h.t, h.events.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventPreparationStart,
		Payload: map[string]interface{}{"job_id": jobID},
	}))
	select {
	case payload := <-h.results:
		return payload
	case <-time.After(5 * time.Second):
		h.t.Fatal("preparation.complete never published")
		return nil
	}
}

func TestPrepareSeedsUnits(t *testing.T) {
	h := newPreparationHarness(t)
	require.NoError(t, h.jobs.CreateJob(context.Background(), models.NewJob("job-p1", "two-part", nil, 0)))

	payload := h.start("job-p1")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.True(t, success)

	units, err := h.units.ListUnits(context.Background(), "job-p1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, "Summary", units[0].Name)
	require.Equal(t, "Write the summary.", units[0].Prompt)
	require.Equal(t, models.UnitStatusPending, units[0].Status)
	require.Equal(t, 1, units[0].Iteration)
	require.Equal(t, 10, units[0].ProgressFloor)
	require.Equal(t, 50, units[0].ProgressCeiling)

	job, err := h.jobs.GetJob(context.Background(), "job-p1")
	require.NoError(t, err)
	require.Equal(t, 2, job.UnitCount)
}

func TestPrepareIsIdempotent(t *testing.T) {
	h := newPreparationHarness(t)
	require.NoError(t, h.jobs.CreateJob(context.Background(), models.NewJob("job-p2", "two-part", nil, 0)))

	first := h.start("job-p2")
	success, _ := interfaces.PayloadBool(first, "success")
	require.True(t, success)

	// Mutate a unit so a replay can be shown to leave it alone
	_, err := h.units.UpdateUnit(context.Background(), "job-p2", 1, func(u *models.Unit) error {
		u.Status = models.UnitStatusGenerating
		return nil
	})
	require.NoError(t, err)

	second := h.start("job-p2")
	success, _ = interfaces.PayloadBool(second, "success")
	require.True(t, success)

	units, err := h.units.ListUnits(context.Background(), "job-p2")
	require.NoError(t, err)
	require.Len(t, units, 2)
	require.Equal(t, models.UnitStatusGenerating, units[0].Status)
}

func TestPrepareReportsDefinitionFailure(t *testing.T) {
	h := newPreparationHarness(t)
	h.source.def = nil
	h.source.err = errors.New("unknown proposal definition \"ghost\"")
	require.NoError(t, h.jobs.CreateJob(context.Background(), models.NewJob("job-p3", "ghost", nil, 0)))

	payload := h.start("job-p3")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.False(t, success)
	require.Contains(t, interfaces.PayloadString(payload, "error"), "definition lookup failed")

	units, err := h.units.ListUnits(context.Background(), "job-p3")
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestPrepareRejectsInvalidDefinition(t *testing.T) {
	h := newPreparationHarness(t)
	h.source.def = &models.ProposalDefinition{Name: "broken"}
	require.NoError(t, h.jobs.CreateJob(context.Background(), models.NewJob("job-p4", "broken", nil, 0)))

	payload := h.start("job-p4")
	success, _ := interfaces.PayloadBool(payload, "success")
	require.False(t, success)
}
