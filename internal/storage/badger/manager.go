package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
)

// Manager aggregates the badger-backed storage surfaces
type Manager struct {
	db    *BadgerDB
	jobs  interfaces.JobStorage
	units interfaces.UnitStorage
	steps interfaces.StepStorage
}

// NewManager opens the database and wires the storage implementations
func NewManager(config *common.BadgerConfig, logger arbor.ILogger) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:    db,
		jobs:  NewJobStorage(db, logger),
		units: NewUnitStorage(db, logger),
		steps: NewStepStorage(db, logger),
	}, nil
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

func (m *Manager) UnitStorage() interfaces.UnitStorage {
	return m.units
}

func (m *Manager) StepStorage() interfaces.StepStorage {
	return m.steps
}

func (m *Manager) Close() error {
	return m.db.Close()
}
