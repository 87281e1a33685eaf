package badger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/models"
)

func TestUnitCreateAndList(t *testing.T) {
	store := NewUnitStorage(newTestDB(t), common.GetLogger())
	ctx := context.Background()

	for _, id := range []int{3, 1, 2} {
		unit := models.NewUnit("job-1", id, "Section", "prompt", 10, 30)
		require.NoError(t, store.CreateUnit(ctx, unit))
	}
	require.NoError(t, store.CreateUnit(ctx, models.NewUnit("job-2", 1, "Other", "prompt", 0, 100)))

	units, err := store.ListUnits(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, units, 3)
	for i, unit := range units {
		require.Equal(t, i+1, unit.UnitID)
		require.Equal(t, models.UnitStatusPending, unit.Status)
		require.Equal(t, 1, unit.Iteration)
	}

	err = store.CreateUnit(ctx, models.NewUnit("job-1", 1, "Dup", "prompt", 0, 10))
	require.Error(t, err)
}

func TestUnitUpdateIncrementsVersion(t *testing.T) {
	store := NewUnitStorage(newTestDB(t), common.GetLogger())
	ctx := context.Background()

	require.NoError(t, store.CreateUnit(ctx, models.NewUnit("job-1", 1, "Section", "prompt", 10, 30)))

	updated, err := store.UpdateUnit(ctx, "job-1", 1, func(u *models.Unit) error {
		u.Status = models.UnitStatusGenerating
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, updated.Version)
	require.Equal(t, models.UnitStatusGenerating, updated.Status)

	updated, err = store.UpdateUnit(ctx, "job-1", 1, func(u *models.Unit) error {
		u.Iteration++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)
	require.Equal(t, 2, updated.Iteration)
}

func TestUnitConcurrentUpdatesNeverLoseWrites(t *testing.T) {
	store := NewUnitStorage(newTestDB(t), common.GetLogger())
	ctx := context.Background()

	require.NoError(t, store.CreateUnit(ctx, models.NewUnit("job-1", 1, "Section", "prompt", 10, 30)))

	const writers = 5
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateUnit(ctx, "job-1", 1, func(u *models.Unit) error {
				u.Iteration++
				return nil
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	unit, err := store.GetUnit(ctx, "job-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1+writers, unit.Iteration)
	require.Equal(t, writers, unit.Version)
}

func TestUnitUpdateMissingUnit(t *testing.T) {
	store := NewUnitStorage(newTestDB(t), common.GetLogger())

	_, err := store.UpdateUnit(context.Background(), "job-1", 99, func(u *models.Unit) error {
		return nil
	})
	require.Error(t, err)
}
