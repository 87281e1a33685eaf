package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
	"github.com/ternarybob/compono/internal/services/events"
)

// memorySteps is an in-memory StepStorage for runtime tests
type memorySteps struct {
	mu      sync.Mutex
	records map[string]*models.StepRecord
}

func newMemorySteps() *memorySteps {
	return &memorySteps{records: make(map[string]*models.StepRecord)}
}

func (m *memorySteps) GetStep(ctx context.Context, jobID, stepName string) (*models.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[models.StepKey(jobID, stepName)]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (m *memorySteps) PutStep(ctx context.Context, record *models.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.Key == "" {
		record.Key = models.StepKey(record.JobID, record.StepName)
	}
	copied := *record
	m.records[record.Key] = &copied
	return nil
}

func (m *memorySteps) DeleteJobSteps(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.records {
		if record.JobID == jobID {
			delete(m.records, key)
		}
	}
	return nil
}

func newTestRuntime(t *testing.T) (*Runtime, *memorySteps, interfaces.EventService) {
	t.Helper()
	steps := newMemorySteps()
	bus := events.NewService(common.GetLogger())
	rt := New(steps, bus, common.GetLogger(), Config{
		MaxStepRetries: 2,
		RetryBackoff:   time.Millisecond,
	})
	return rt, steps, bus
}

func TestStepMemoization(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	executions := 0

	runOnce := func() (string, error) {
		var result string
		err := rt.Run(context.Background(), "job-1", func(run *Run) error {
			raw, err := run.Step("compute", func(ctx context.Context) (interface{}, error) {
				executions++
				return "answer", nil
			})
			if err != nil {
				return err
			}
			return DecodeResult(raw, &result)
		})
		return result, err
	}

	first, err := runOnce()
	require.NoError(t, err)
	require.Equal(t, "answer", first)

	// A re-entered run returns the stored result without executing the body
	second, err := runOnce()
	require.NoError(t, err)
	require.Equal(t, "answer", second)
	require.Equal(t, 1, executions)
}

func TestStepRetriesAreBounded(t *testing.T) {
	rt, steps, _ := newTestRuntime(t)
	attempts := 0

	err := rt.Run(context.Background(), "job-1", func(run *Run) error {
		_, err := run.Step("flaky", func(ctx context.Context) (interface{}, error) {
			attempts++
			return nil, errors.New("boom")
		})
		return err
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts) // first attempt plus two retries

	record, getErr := steps.GetStep(context.Background(), "job-1", "flaky")
	require.NoError(t, getErr)
	require.NotNil(t, record)
	require.Equal(t, models.StepStatusFailed, record.Status)
	require.Equal(t, 3, record.Attempts)
}

func TestStepRecoversFromTransientFailure(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	attempts := 0

	err := rt.Run(context.Background(), "job-1", func(run *Run) error {
		_, err := run.Step("transient", func(ctx context.Context) (interface{}, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("temporary")
			}
			return attempts, nil
		})
		return err
	})

	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestWaitForEventDelivery(t *testing.T) {
	rt, _, bus := newTestRuntime(t)

	done := make(chan *WaitResult, 1)
	go func() {
		_ = rt.Run(context.Background(), "job-1", func(run *Run) error {
			result, err := run.WaitForEvent(interfaces.EventUnitDecision, MatchJob("job-1"), 5*time.Second)
			if err != nil {
				return err
			}
			done <- result
			return nil
		})
	}()

	// Give the waiter time to register, then publish a matching event and
	// a non-matching one for another job
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventUnitDecision,
		Payload: map[string]interface{}{"job_id": "other-job"},
	}))
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventUnitDecision,
		Payload: map[string]interface{}{"job_id": "job-1", "decision": "approved"},
	}))

	select {
	case result := <-done:
		require.False(t, result.TimedOut)
		require.Equal(t, "approved", interfaces.PayloadString(result.Payload, "decision"))
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not complete")
	}
}

func TestWaitForEventBufferedBeforeWaiter(t *testing.T) {
	rt, _, bus := newTestRuntime(t)

	// Subscribe the runtime first so the publish lands in the pending buffer
	rt.ensureSubscribed(interfaces.EventAssemblyComplete)
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventAssemblyComplete,
		Payload: map[string]interface{}{"job_id": "job-1", "success": true},
	}))

	err := rt.Run(context.Background(), "job-1", func(run *Run) error {
		result, err := run.WaitForEvent(interfaces.EventAssemblyComplete, MatchJob("job-1"), 500*time.Millisecond)
		if err != nil {
			return err
		}
		if result.TimedOut {
			return errors.New("expected buffered delivery, got timeout")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestWaitForEventTimeoutIsMemoized(t *testing.T) {
	rt, _, _ := newTestRuntime(t)

	runWait := func() (*WaitResult, time.Duration) {
		var result *WaitResult
		started := time.Now()
		err := rt.Run(context.Background(), "job-1", func(run *Run) error {
			var err error
			result, err = run.WaitForEvent(interfaces.EventScoringComplete, MatchJob("job-1"), 50*time.Millisecond)
			return err
		})
		require.NoError(t, err)
		return result, time.Since(started)
	}

	first, _ := runWait()
	require.True(t, first.TimedOut)

	// The replay returns the recorded timeout outcome instantly
	second, elapsed := runWait()
	require.True(t, second.TimedOut)
	require.Less(t, elapsed, 40*time.Millisecond)
}

func TestCancelTearsDownWaitingRun(t *testing.T) {
	rt, _, bus := newTestRuntime(t)
	require.NoError(t, rt.CancelOn(interfaces.EventGenerationCancelled))

	done := make(chan error, 1)
	go func() {
		done <- rt.Run(context.Background(), "job-1", func(run *Run) error {
			_, err := run.WaitForEvent(interfaces.EventUnitDecision, MatchJob("job-1"), time.Minute)
			return err
		})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventGenerationCancelled,
		Payload: map[string]interface{}{"job_id": "job-1"},
	}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRunCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled")
	}

	// Later steps on the same job refuse to start
	err := rt.Run(context.Background(), "job-1", func(run *Run) error {
		_, err := run.Step("after-cancel", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		return err
	})
	require.ErrorIs(t, err, ErrRunCancelled)
}

func TestCancelOnlyAffectsMatchingJob(t *testing.T) {
	rt, _, bus := newTestRuntime(t)
	require.NoError(t, rt.CancelOn(interfaces.EventGenerationCancelled))

	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventGenerationCancelled,
		Payload: map[string]interface{}{"job_id": "job-other"},
	}))

	err := rt.Run(context.Background(), "job-1", func(run *Run) error {
		_, err := run.Step("unaffected", func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		})
		return err
	})
	require.NoError(t, err)
}

func TestReleaseClearsWorkingMemory(t *testing.T) {
	rt, steps, _ := newTestRuntime(t)

	require.NoError(t, rt.Run(context.Background(), "job-1", func(run *Run) error {
		_, err := run.Step("only", func(ctx context.Context) (interface{}, error) {
			return 1, nil
		})
		return err
	}))
	require.NoError(t, rt.Release(context.Background(), "job-1"))

	record, err := steps.GetStep(context.Background(), "job-1", "only")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestRepeatedWaitsAreSequenced(t *testing.T) {
	rt, _, bus := newTestRuntime(t)

	decisions := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(context.Background(), "job-1", func(run *Run) error {
			for i := 0; i < 2; i++ {
				result, err := run.WaitForEvent(interfaces.EventUnitDecision, MatchJob("job-1"), 5*time.Second)
				if err != nil {
					return err
				}
				decisions <- interfaces.PayloadString(result.Payload, "decision")
			}
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	for i, verdict := range []string{"iterate", "approved"} {
		require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
			Type: interfaces.EventUnitDecision,
			Payload: map[string]interface{}{
				"job_id":   "job-1",
				"decision": verdict,
				"seq":      fmt.Sprintf("%d", i),
			},
		}))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waits did not complete")
	}
	require.Equal(t, "iterate", <-decisions)
	require.Equal(t, "approved", <-decisions)
}

func TestScopedWaitsKeepSeparateRecords(t *testing.T) {
	rt, _, bus := newTestRuntime(t)

	awaitDecision := func(scope string, unitID int) (*WaitResult, error) {
		var result *WaitResult
		err := rt.RunScoped(context.Background(), "job-1", scope, func(run *Run) error {
			var err error
			result, err = run.WaitForEvent(interfaces.EventUnitDecision, MatchJobUnit("job-1", unitID), 5*time.Second)
			return err
		})
		return result, err
	}

	// Two concurrent runs of the same job wait on the same event type
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, unitID := range []int{1, 2} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			result, err := awaitDecision(fmt.Sprintf("unit-%d", id), id)
			if err == nil && result.TimedOut {
				err = errors.New("wait timed out")
			}
			errs <- err
		}(unitID)
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventUnitDecision,
		Payload: map[string]interface{}{"job_id": "job-1", "unit_id": 1, "decision": "approved"},
	}))
	require.NoError(t, bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventUnitDecision,
		Payload: map[string]interface{}{"job_id": "job-1", "unit_id": 2, "decision": "iterate"},
	}))
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Each scope replays its own recorded decision, never a sibling's
	replayed, err := awaitDecision("unit-1", 1)
	require.NoError(t, err)
	require.False(t, replayed.TimedOut)
	require.Equal(t, "approved", interfaces.PayloadString(replayed.Payload, "decision"))
	id, ok := interfaces.PayloadInt(replayed.Payload, "unit_id")
	require.True(t, ok)
	require.Equal(t, 1, id)
}
