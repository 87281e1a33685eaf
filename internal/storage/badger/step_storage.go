package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// StepStorage implements the StepStorage interface for Badger
type StepStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStepStorage creates a new StepStorage instance
func NewStepStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StepStorage {
	return &StepStorage{
		db:     db,
		logger: logger,
	}
}

// GetStep returns the record for (job_id, step_name), nil when the step
// has never been recorded
func (s *StepStorage) GetStep(ctx context.Context, jobID, stepName string) (*models.StepRecord, error) {
	var record models.StepRecord
	key := models.StepKey(jobID, stepName)
	if err := s.db.Store().Get(key, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step record: %w", err)
	}
	return &record, nil
}

func (s *StepStorage) PutStep(ctx context.Context, record *models.StepRecord) error {
	if record.Key == "" {
		record.Key = models.StepKey(record.JobID, record.StepName)
	}
	record.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(record.Key, record); err != nil {
		return fmt.Errorf("failed to save step record: %w", err)
	}
	return nil
}

// DeleteJobSteps removes all step records for a job. Called when a job
// reaches a terminal state and its working memory is released.
func (s *StepStorage) DeleteJobSteps(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.StepRecord{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete step records for %s: %w", jobID, err)
	}
	return nil
}
