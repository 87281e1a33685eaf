package badger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/models"
)

func TestStepGetAbsentReturnsNil(t *testing.T) {
	store := NewStepStorage(newTestDB(t), common.GetLogger())

	record, err := store.GetStep(context.Background(), "job-1", "never-ran")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestStepPutAndGet(t *testing.T) {
	store := NewStepStorage(newTestDB(t), common.GetLogger())
	ctx := context.Background()

	require.NoError(t, store.PutStep(ctx, &models.StepRecord{
		JobID:    "job-1",
		StepName: "unit-1-generate-iter-1",
		Status:   models.StepStatusCompleted,
		Result:   json.RawMessage(`"Executive summary draft"`),
		Attempts: 1,
	}))

	record, err := store.GetStep(ctx, "job-1", "unit-1-generate-iter-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, models.StepStatusCompleted, record.Status)
	require.JSONEq(t, `"Executive summary draft"`, string(record.Result))
	require.False(t, record.UpdatedAt.IsZero())

	// Upsert overwrites in place
	require.NoError(t, store.PutStep(ctx, &models.StepRecord{
		JobID:    "job-1",
		StepName: "unit-1-generate-iter-1",
		Status:   models.StepStatusFailed,
		Error:    "boom",
		Attempts: 3,
	}))
	record, err = store.GetStep(ctx, "job-1", "unit-1-generate-iter-1")
	require.NoError(t, err)
	require.Equal(t, models.StepStatusFailed, record.Status)
	require.Equal(t, 3, record.Attempts)
}

func TestDeleteJobStepsIsScoped(t *testing.T) {
	store := NewStepStorage(newTestDB(t), common.GetLogger())
	ctx := context.Background()

	for _, jobID := range []string{"job-1", "job-2"} {
		require.NoError(t, store.PutStep(ctx, &models.StepRecord{
			JobID:    jobID,
			StepName: "mark-processing",
			Status:   models.StepStatusCompleted,
			Attempts: 1,
		}))
	}

	require.NoError(t, store.DeleteJobSteps(ctx, "job-1"))

	gone, err := store.GetStep(ctx, "job-1", "mark-processing")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := store.GetStep(ctx, "job-2", "mark-processing")
	require.NoError(t, err)
	require.NotNil(t, kept)
}
