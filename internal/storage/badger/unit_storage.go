package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxUpdateRetries bounds the optimistic concurrency retry loop
const maxUpdateRetries = 5

// UnitStorage implements the UnitStorage interface for Badger. Units are
// separate keyed records; updates run inside a badger transaction so a
// conflicting concurrent commit is detected and retried rather than lost.
type UnitStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUnitStorage creates a new UnitStorage instance
func NewUnitStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UnitStorage {
	return &UnitStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UnitStorage) CreateUnit(ctx context.Context, unit *models.Unit) error {
	if unit.Key == "" {
		unit.Key = models.UnitKey(unit.JobID, unit.UnitID)
	}
	unit.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Insert(unit.Key, unit); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("unit already exists: %s", unit.Key)
		}
		return fmt.Errorf("failed to create unit: %w", err)
	}
	return nil
}

func (s *UnitStorage) GetUnit(ctx context.Context, jobID string, unitID int) (*models.Unit, error) {
	var unit models.Unit
	key := models.UnitKey(jobID, unitID)
	if err := s.db.Store().Get(key, &unit); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("unit not found: %s", key)
		}
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &unit, nil
}

func (s *UnitStorage) ListUnits(ctx context.Context, jobID string) ([]*models.Unit, error) {
	var units []models.Unit
	if err := s.db.Store().Find(&units, badgerhold.Where("JobID").Eq(jobID).SortBy("UnitID")); err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	result := make([]*models.Unit, len(units))
	for i := range units {
		result[i] = &units[i]
	}
	return result, nil
}

// UpdateUnit applies a mutation under the unit's version token. The whole
// read-modify-write runs in one badger transaction; a concurrent commit
// surfaces as ErrConflict and the mutation is re-applied to the fresh
// record, up to maxUpdateRetries times.
func (s *UnitStorage) UpdateUnit(ctx context.Context, jobID string, unitID int, mutate func(*models.Unit) error) (*models.Unit, error) {
	key := models.UnitKey(jobID, unitID)

	var updated models.Unit
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			var unit models.Unit
			if err := s.db.Store().TxGet(txn, key, &unit); err != nil {
				if err == badgerhold.ErrNotFound {
					return fmt.Errorf("unit not found: %s", key)
				}
				return fmt.Errorf("failed to get unit: %w", err)
			}

			if err := mutate(&unit); err != nil {
				return err
			}

			unit.Version++
			unit.UpdatedAt = time.Now().UTC()

			if err := s.db.Store().TxUpdate(txn, key, unit); err != nil {
				return fmt.Errorf("failed to update unit: %w", err)
			}

			updated = unit
			return nil
		})
		if err == nil {
			return &updated, nil
		}
		if err != badgerdb.ErrConflict {
			return nil, err
		}

		s.logger.Debug().
			Str("unit", key).
			Int("attempt", attempt+1).
			Msg("Unit update conflict, retrying")
	}

	return nil, fmt.Errorf("unit update for %s did not converge after %d attempts", key, maxUpdateRetries)
}
